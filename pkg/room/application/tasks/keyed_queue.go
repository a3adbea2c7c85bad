package tasks

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrQueueClosed = errors.New("queue closed")

// Task is a unit of work run on a lane. ctx is cancelled when the queue
// closes.
type Task func(ctx context.Context)

// KeyedQueue runs tasks strictly in submission order per key while
// different keys run concurrently. A lane goroutine exists only while its
// key has pending work.
type KeyedQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string][]Task
	closed bool
	wg     sync.WaitGroup
}

func NewKeyedQueue(parent context.Context) *KeyedQueue {
	ctx, cancel := context.WithCancel(parent)
	return &KeyedQueue{
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string][]Task),
	}
}

// Submit appends task to the lane of key.
func (q *KeyedQueue) Submit(key string, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	pending, running := q.lanes[key]
	q.lanes[key] = append(pending, task)
	if !running {
		q.wg.Add(1)
		go q.run(key)
	}
	return nil
}

func (q *KeyedQueue) run(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		pending := q.lanes[key]
		if len(pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		task := pending[0]
		pending[0] = nil
		q.lanes[key] = pending[1:]
		q.mu.Unlock()

		task(q.ctx)
	}
}

// Close rejects further submissions, cancels the context handed to tasks
// and waits until every queued task has returned. Queued tasks still run
// so they can answer their requests.
func (q *KeyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Pending returns the number of queued or running lanes.
func (q *KeyedQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
