package roommanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/repository/inmemory"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

const testOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

const testCandidate = "candidate:842163049 1 udp 2122260223 192.168.1.2 54400 typ host generation 0"

type fakeElement struct{ id string }

func (e *fakeElement) ID() string { return e.id }

type fakeSubscription struct {
	engine   *fakeEngine
	endpoint string
	id       int
}

func (s *fakeSubscription) Cancel() {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	delete(s.engine.iceListeners[s.endpoint], s.id)
	delete(s.engine.stateListeners[s.endpoint], s.id)
}

// fakeEngine is an in-memory media engine that records every call.
type fakeEngine struct {
	mu     sync.Mutex
	nextID int

	pipelineDelay     time.Duration
	pipelinesCreated  int
	pipelinesReleased []string
	released          map[string]int
	candidates        map[string][]string
	connected         [][2]string
	offers            map[string]string
	failures          map[string]error

	iceListeners   map[string]map[int]func(dto.IceCandidate)
	stateListeners map[string]map[int]func(rpc.IceState)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		released:       map[string]int{},
		candidates:     map[string][]string{},
		offers:         map[string]string{},
		failures:       map[string]error{},
		iceListeners:   map[string]map[int]func(dto.IceCandidate){},
		stateListeners: map[string]map[int]func(rpc.IceState){},
	}
}

func (e *fakeEngine) failOn(method string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[method] = errors.Errorf("%s rejected", method)
}

func (e *fakeEngine) failure(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[method]
}

func (e *fakeEngine) id(kind string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", kind, e.nextID)
}

func (e *fakeEngine) CreatePipeline(ctx context.Context, _ string) (rpc.Pipeline, error) {
	if err := e.failure("CreatePipeline"); err != nil {
		return nil, err
	}
	if e.pipelineDelay > 0 {
		select {
		case <-time.After(e.pipelineDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelinesCreated++
	return &fakeElement{id: e.id("pipeline")}, nil
}

func (e *fakeEngine) ReleasePipeline(_ context.Context, pipeline rpc.Pipeline) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelinesReleased = append(e.pipelinesReleased, pipeline.ID())
	return nil
}

func (e *fakeEngine) CreateEndpoint(_ context.Context, _ rpc.Pipeline) (rpc.Endpoint, error) {
	if err := e.failure("CreateEndpoint"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &fakeElement{id: e.id("endpoint")}, nil
}

func (e *fakeEngine) ProcessOffer(_ context.Context, endpoint rpc.Endpoint, offer string) (string, error) {
	if err := e.failure("ProcessOffer"); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers[endpoint.ID()] = offer
	return "answer-" + endpoint.ID(), nil
}

func (e *fakeEngine) AddIceCandidate(_ context.Context, endpoint rpc.Endpoint, candidate dto.IceCandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates[endpoint.ID()] = append(e.candidates[endpoint.ID()], candidate.Candidate)
	return nil
}

func (e *fakeEngine) GatherCandidates(context.Context, rpc.Endpoint) error {
	return e.failure("GatherCandidates")
}

func (e *fakeEngine) Connect(_ context.Context, source, sink rpc.Endpoint) error {
	if err := e.failure("Connect"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, [2]string{source.ID(), sink.ID()})
	return nil
}

func (e *fakeEngine) Release(_ context.Context, endpoint rpc.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released[endpoint.ID()]++
	delete(e.iceListeners, endpoint.ID())
	delete(e.stateListeners, endpoint.ID())
	return nil
}

func (e *fakeEngine) OnIceCandidate(_ context.Context, endpoint rpc.Endpoint, fn func(dto.IceCandidate)) (rpc.Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := &fakeSubscription{engine: e, endpoint: endpoint.ID(), id: e.nextID}
	e.nextID++
	if e.iceListeners[sub.endpoint] == nil {
		e.iceListeners[sub.endpoint] = map[int]func(dto.IceCandidate){}
	}
	e.iceListeners[sub.endpoint][sub.id] = fn
	return sub, nil
}

func (e *fakeEngine) OnIceStateChanged(_ context.Context, endpoint rpc.Endpoint, fn func(rpc.IceState)) (rpc.Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := &fakeSubscription{engine: e, endpoint: endpoint.ID(), id: e.nextID}
	e.nextID++
	if e.stateListeners[sub.endpoint] == nil {
		e.stateListeners[sub.endpoint] = map[int]func(rpc.IceState){}
	}
	e.stateListeners[sub.endpoint][sub.id] = fn
	return sub, nil
}

// fireState delivers state to the listeners of endpointID outside the lock.
func (e *fakeEngine) fireState(endpointID string, state rpc.IceState) {
	e.mu.Lock()
	var fns []func(rpc.IceState)
	for _, fn := range e.stateListeners[endpointID] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (e *fakeEngine) fireCandidate(endpointID string, candidate dto.IceCandidate) {
	e.mu.Lock()
	var fns []func(dto.IceCandidate)
	for _, fn := range e.iceListeners[endpointID] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(candidate)
	}
}

func (e *fakeEngine) candidatesOf(endpointID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.candidates[endpointID]...)
}

func (e *fakeEngine) releaseCount(endpointID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[endpointID]
}

func (e *fakeEngine) createdPipelines() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipelinesCreated
}

func (e *fakeEngine) releasedPipelines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.pipelinesReleased...)
}

func (e *fakeEngine) connections() [][2]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][2]string(nil), e.connected...)
}

// fakeConn captures every outbound frame.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed int
	notify chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{notify: make(chan struct{}, 1024)}
}

func (c *fakeConn) Send(message []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), message...))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *dto.RPCError   `json:"error"`
}

func (c *fakeConn) snapshot(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("undecodable frame %s: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

// waitFor polls until match finds a frame or the deadline passes.
func (c *fakeConn) waitFor(t *testing.T, what string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, f := range c.snapshot(t) {
			if match(f) {
				return f
			}
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %d frames", what, len(c.snapshot(t)))
		}
	}
}

func (c *fakeConn) response(t *testing.T, id int) frame {
	t.Helper()
	want := fmt.Sprint(id)
	return c.waitFor(t, "response "+want, func(f frame) bool {
		return f.Method == "" && string(f.ID) == want
	})
}

func (c *fakeConn) notifications(t *testing.T, method string) []frame {
	t.Helper()
	var out []frame
	for _, f := range c.snapshot(t) {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	t        *testing.T
	engine   *fakeEngine
	registry *Registry
	nextReq  int
}

func newFixture(t *testing.T) *fixture {
	engine := newFakeEngine()
	registry := NewRegistry(engine, inmemory.NewInMemoryRoomRepository(), Options{
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(registry.Close)
	return &fixture{t: t, engine: engine, registry: registry}
}

type peer struct {
	*Participant
	conn *fakeConn
}

func (f *fixture) connect(opts ParticipantOptions) *peer {
	conn := newFakeConn()
	if opts.SessionID == "" {
		opts.SessionID = fmt.Sprintf("session-%d", f.nextReq)
	}
	p := NewParticipant(f.registry, conn, opts)
	f.t.Cleanup(p.Close)
	return &peer{Participant: p, conn: conn}
}

// call dispatches method on p and returns the request id.
func (f *fixture) call(p *peer, method string, params interface{}) int {
	f.t.Helper()
	f.nextReq++
	raw, err := json.Marshal(params)
	if err != nil {
		f.t.Fatalf("marshal params: %v", err)
	}
	req := &dto.Request{
		JSONRPC: dto.JSONRPCVersion,
		ID:      json.RawMessage(fmt.Sprint(f.nextReq)),
		Method:  method,
		Params:  raw,
	}
	handler, ok := p.Handler(method)
	if !ok {
		f.t.Fatalf("no handler for %s", method)
	}
	handler(req)
	return f.nextReq
}

func (f *fixture) join(room, user string) *peer {
	f.t.Helper()
	p := f.connect(ParticipantOptions{})
	id := f.call(p, MethodJoinRoom, dto.JoinRoomParams{Room: room, User: user})
	if resp := p.conn.response(f.t, id); resp.Error != nil {
		f.t.Fatalf("join %s: %+v", user, resp.Error)
	}
	return p
}

// publish negotiates p's local endpoint and brings its ICE to connected.
func (f *fixture) publish(p *peer) string {
	f.t.Helper()
	id := f.call(p, MethodPublishVideo, dto.PublishVideoParams{SdpOffer: testOffer})
	resp := p.conn.response(f.t, id)
	if resp.Error != nil {
		f.t.Fatalf("publish %s: %+v", p.ID(), resp.Error)
	}
	endpoint := p.publisherEndpoint()
	if endpoint == nil {
		f.t.Fatalf("publish %s left no endpoint", p.ID())
	}
	f.engine.fireState(endpoint.endpoint.ID(), rpc.IceStateConnected)
	if !p.IsPublishing() {
		f.t.Fatalf("%s not publishing after ICE connected", p.ID())
	}
	return endpoint.endpoint.ID()
}

func decodeResult(t *testing.T, f frame, v interface{}) {
	t.Helper()
	if f.Error != nil {
		t.Fatalf("unexpected error response: %+v", f.Error)
	}
	if err := json.Unmarshal(f.Result, v); err != nil {
		t.Fatalf("decode result %s: %v", f.Result, err)
	}
}
