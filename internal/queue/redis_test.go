package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, "it-"+string(command.NewID())[:8], command.StorageDocument)
}

func TestRedisBackendLifecycle(t *testing.T) {
	b := newRedisBackend(t)
	ctx := context.Background()
	cmd := newTestCommand(time.Now().Add(-time.Hour))

	if err := b.Enqueue(ctx, testKey, cmd, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, testKey, cmd, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	items, err := b.Pop(ctx, testKey, 5, time.Minute)
	if err != nil || len(items) != 1 {
		t.Fatalf("pop: %v %+v", err, items)
	}
	r := items[0].Receipt

	r2, err := b.Replace(ctx, testKey, r, nil, 2*time.Minute)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := b.Delete(ctx, testKey, r); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("delete with replaced token: expected ErrLeaseLost, got %v", err)
	}
	if err := b.Delete(ctx, testKey, r2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Query(ctx, testKey, r2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_ = b.Enqueue(ctx, testKey, newTestCommand(time.Now().Add(-48*time.Hour)), false)
	n, err := b.FlushByDate(ctx, testKey, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("flush: n=%d err=%v", n, err)
	}
}
