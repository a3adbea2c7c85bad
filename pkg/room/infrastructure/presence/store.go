package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Store mirrors room membership so other processes can inspect it.
type Store interface {
	Reset(ctx context.Context) error
	AddMember(ctx context.Context, roomName, participantID string) error
	RemoveMember(ctx context.Context, roomName, participantID string) error
	SetPublishing(ctx context.Context, roomName, participantID string, publishing bool) error
	Members(ctx context.Context, roomName string) (members []string, publishing []string, err error)
}

// RedisStore keeps one member set and one publishing set per room.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "signaling"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) roomsKey() string {
	return fmt.Sprintf("%s:rooms", s.prefix)
}

func (s *RedisStore) membersKey(roomName string) string {
	return fmt.Sprintf("%s:room:%s:members", s.prefix, roomName)
}

func (s *RedisStore) publishingKey(roomName string) string {
	return fmt.Sprintf("%s:room:%s:publishing", s.prefix, roomName)
}

// Reset drops everything a previous process left behind.
func (s *RedisStore) Reset(ctx context.Context) error {
	rooms, err := s.rdb.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return err
	}
	keys := []string{s.roomsKey()}
	for _, room := range rooms {
		keys = append(keys, s.membersKey(room), s.publishingKey(room))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) AddMember(ctx context.Context, roomName, participantID string) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.roomsKey(), roomName)
	_ = pipe.SAdd(ctx, s.membersKey(roomName), participantID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomName, participantID string) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SRem(ctx, s.membersKey(roomName), participantID)
	_ = pipe.SRem(ctx, s.publishingKey(roomName), participantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	left, err := s.rdb.SCard(ctx, s.membersKey(roomName)).Result()
	if err != nil {
		return err
	}
	if left == 0 {
		return s.rdb.SRem(ctx, s.roomsKey(), roomName).Err()
	}
	return nil
}

func (s *RedisStore) SetPublishing(ctx context.Context, roomName, participantID string, publishing bool) error {
	if publishing {
		return s.rdb.SAdd(ctx, s.publishingKey(roomName), participantID).Err()
	}
	return s.rdb.SRem(ctx, s.publishingKey(roomName), participantID).Err()
}

func (s *RedisStore) Members(ctx context.Context, roomName string) ([]string, []string, error) {
	pipe := s.rdb.Pipeline()
	membersCmd := pipe.SMembers(ctx, s.membersKey(roomName))
	publishingCmd := pipe.SMembers(ctx, s.publishingKey(roomName))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, err
	}
	return membersCmd.Val(), publishingCmd.Val(), nil
}

// NopStore is used when no presence backend is configured.
type NopStore struct{}

func (NopStore) Reset(context.Context) error                               { return nil }
func (NopStore) AddMember(context.Context, string, string) error           { return nil }
func (NopStore) RemoveMember(context.Context, string, string) error        { return nil }
func (NopStore) SetPublishing(context.Context, string, string, bool) error { return nil }
func (NopStore) Members(context.Context, string) ([]string, []string, error) {
	return nil, nil, nil
}
