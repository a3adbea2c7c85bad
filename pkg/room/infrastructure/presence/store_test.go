package presence

import (
	"context"
	"os"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisStore connects to SIGNALING_TEST_REDIS_ADDR under a throwaway prefix.
func redisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("SIGNALING_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SIGNALING_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis at %s unavailable: %v", addr, err)
	}
	store := NewRedisStore(rdb, "test-"+uuid.NewString())
	t.Cleanup(func() { _ = store.Reset(context.Background()) })
	return store
}

func TestNewRedisStore_Prefix(t *testing.T) {
	for prefix, want := range map[string]string{
		"":       "signaling:room:R:members",
		" sfu: ": "sfu:room:R:members",
		"a:b":    "a:b:room:R:members",
	} {
		if got := NewRedisStore(nil, prefix).membersKey("R"); got != want {
			t.Errorf("prefix %q: key %q, want %q", prefix, got, want)
		}
	}
}

func TestRedisStore_Membership(t *testing.T) {
	store := redisStore(t)
	ctx := context.Background()

	for _, id := range []string{"A", "B"} {
		if err := store.AddMember(ctx, "R", id); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetPublishing(ctx, "R", "A", true); err != nil {
		t.Fatal(err)
	}

	members, publishing, err := store.Members(ctx, "R")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "A" || len(publishing) != 1 || publishing[0] != "A" {
		t.Fatalf("members %v publishing %v", members, publishing)
	}

	if err := store.RemoveMember(ctx, "R", "A"); err != nil {
		t.Fatal(err)
	}
	members, publishing, _ = store.Members(ctx, "R")
	if len(members) != 1 || len(publishing) != 0 {
		t.Fatalf("after remove: members %v publishing %v", members, publishing)
	}

	if err := store.RemoveMember(ctx, "R", "B"); err != nil {
		t.Fatal(err)
	}
	rooms, err := store.rdb.SMembers(ctx, store.roomsKey()).Result()
	if err != nil || len(rooms) != 0 {
		t.Fatalf("rooms index %v, %v", rooms, err)
	}
}

func TestRedisStore_Reset(t *testing.T) {
	store := redisStore(t)
	ctx := context.Background()

	_ = store.AddMember(ctx, "R", "A")
	_ = store.SetPublishing(ctx, "R", "A", true)
	if err := store.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	members, publishing, err := store.Members(ctx, "R")
	if err != nil || len(members) != 0 || len(publishing) != 0 {
		t.Fatalf("members %v publishing %v err %v", members, publishing, err)
	}
}
