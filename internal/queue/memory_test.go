package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

var testKey = PartitionKey{
	AgentID:      "agent-1",
	AssetGroupID: "ag-1",
	SubjectType:  command.SubjectMSA,
	Kind:         command.StorageDocument,
}

func newTestCommand(created time.Time) *command.Command {
	return &command.Command{
		ID:           command.NewID(),
		Type:         command.TypeDelete,
		Subject:      command.Subject{Type: command.SubjectMSA, ID: "puid-1"},
		Timestamp:    created,
		AgentID:      testKey.AgentID,
		AssetGroupID: testKey.AssetGroupID,
		QueueStorage: testKey.Kind,
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryBackendEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("doc-1", command.StorageDocument)
	cmd := newTestCommand(time.Now())

	if err := b.Enqueue(ctx, testKey, cmd, false); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, testKey, cmd, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("second enqueue: expected ErrConflict, got %v", err)
	}
	if err := b.Enqueue(ctx, testKey, cmd, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s, _ := b.Stats(ctx, testKey)
	if s.Pending != 1 {
		t.Errorf("expected exactly one stored command, got %d", s.Pending)
	}
}

func TestMemoryBackendLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	b := NewMemoryBackend("doc-1", command.StorageDocument)
	b.now = clk.now

	cmd := newTestCommand(clk.t)
	if err := b.Enqueue(ctx, testKey, cmd, false); err != nil {
		t.Fatal(err)
	}

	items, err := b.Pop(ctx, testKey, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Command.ID != cmd.ID {
		t.Fatalf("unexpected pop result: %+v", items)
	}
	r := items[0].Receipt
	if r.DatabaseMoniker != "doc-1" || r.PartitionKey() != testKey {
		t.Errorf("receipt does not locate the partition: %+v", r)
	}

	if again, _ := b.Pop(ctx, testKey, 10, time.Minute); len(again) != 0 {
		t.Errorf("leased command popped twice")
	}

	r2, err := b.Replace(ctx, testKey, r, nil, time.Minute)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := b.Replace(ctx, testKey, r, nil, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale receipt: expected ErrLeaseLost, got %v", err)
	}

	clk.advance(2 * time.Minute)
	items, _ = b.Pop(ctx, testKey, 10, time.Minute)
	if len(items) != 1 {
		t.Fatalf("expired lease should make the command visible again")
	}
	if err := b.Delete(ctx, testKey, r2); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("delete with expired lease: expected ErrLeaseLost, got %v", err)
	}
	if err := b.Delete(ctx, testKey, items[0].Receipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Query(ctx, testKey, items[0].Receipt); !errors.Is(err, ErrNotFound) {
		t.Errorf("query after delete: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryBackendPopOrder(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	b := NewMemoryBackend("doc-1", command.StorageDocument)
	b.now = clk.now

	var ids []command.ID
	for i := 0; i < 5; i++ {
		cmd := newTestCommand(clk.t)
		ids = append(ids, cmd.ID)
		if err := b.Enqueue(ctx, testKey, cmd, false); err != nil {
			t.Fatal(err)
		}
	}

	items, _ := b.Pop(ctx, testKey, 3, time.Minute)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, it := range items {
		if it.Command.ID != ids[i] {
			t.Errorf("item %d: expected %s, got %s", i, ids[i], it.Command.ID)
		}
	}
}

func TestMemoryBackendFlushByDate(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("doc-1", command.StorageDocument)
	cutoff := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	_ = b.Enqueue(ctx, testKey, newTestCommand(cutoff.Add(-time.Hour)), false)
	_ = b.Enqueue(ctx, testKey, newTestCommand(cutoff.Add(-48*time.Hour)), false)
	_ = b.Enqueue(ctx, testKey, newTestCommand(cutoff.Add(time.Hour)), false)

	n, err := b.FlushByDate(ctx, testKey, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 flushed, got %d", n)
	}
	s, _ := b.Stats(ctx, testKey)
	if s.Pending != 1 || !s.OldestCreated.Equal(cutoff.Add(time.Hour)) {
		t.Errorf("unexpected stats after flush: %+v", s)
	}
}

func TestLeaseReceiptRoundTrip(t *testing.T) {
	r := newReceipt("doc-7", testKey, newTestCommand(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)), "tok", time.Date(2026, 2, 2, 1, 0, 0, 0, time.UTC))
	got, err := ParseLeaseReceipt(r.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.CommandID != r.CommandID || got.Token != r.Token || got.DatabaseMoniker != r.DatabaseMoniker ||
		got.PartitionKey() != r.PartitionKey() || !got.ExpirationTime.Equal(r.ExpirationTime) {
		t.Errorf("round trip changed receipt: %+v vs %+v", got, r)
	}

	if _, err := ParseLeaseReceipt("not base64!"); !errors.Is(err, ErrUnsupportedReceipt) {
		t.Errorf("expected ErrUnsupportedReceipt, got %v", err)
	}
}
