package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// mockInserter fails destinations listed in failures until their budget of
// failures is used up.
type mockInserter struct {
	mu        sync.Mutex
	failures  map[string]int
	delivered map[string]int
	calls     int
}

func newMockInserter(failures map[string]int) *mockInserter {
	return &mockInserter{failures: failures, delivered: make(map[string]int)}
}

func (m *mockInserter) AddCommand(_ context.Context, d command.Destination, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures[d.AssetGroupID] > 0 {
		m.failures[d.AssetGroupID]--
		return errors.New("throttled")
	}
	m.delivered[d.AssetGroupID]++
	return nil
}

func destinations(n int) []command.Destination {
	out := make([]command.Destination, n)
	for i := range out {
		out[i] = command.Destination{
			AgentID:       "agent",
			AssetGroupID:  fmt.Sprintf("ag-%02d", i),
			TargetMoniker: "doc-1",
			QueueStorage:  command.StorageDocument,
		}
	}
	return out
}

func newTestHandler(ins Inserter) (*Handler, *workitem.MemoryBackend, *workitem.Queue[WorkItem]) {
	backend := workitem.NewMemoryBackend()
	q := workitem.NewQueue[WorkItem](backend, QueueName, 0)
	h := NewHandler(ins, q, config.FanOutConfig{Threshold: 10, RetryMin: time.Second, RetryMax: 2 * time.Second})
	h.jitter = func(time.Duration, time.Duration) time.Duration { return 0 }
	return h, backend, q
}

// drain pops every visible item from the fan-out queue.
func drain(t *testing.T, backend *workitem.MemoryBackend) []*WorkItem {
	t.Helper()
	var out []*WorkItem
	for {
		msg, err := backend.Pop(context.Background(), QueueName, time.Minute)
		if errors.Is(err, workitem.ErrEmpty) {
			return out
		}
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		var item WorkItem
		if err := json.Unmarshal(msg.Body, &item); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := backend.Complete(context.Background(), msg); err != nil {
			t.Fatalf("complete: %v", err)
		}
		out = append(out, &item)
	}
}

func newItem(n int) *WorkItem {
	return &WorkItem{
		CommandID:    command.NewID(),
		CommandType:  command.TypeDelete,
		Command:      json.RawMessage(`{}`),
		Destinations: destinations(n),
	}
}

func assetGroups(ds []command.Destination) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.AssetGroupID)
	}
	sort.Strings(out)
	return out
}

func TestSplitTwentyThree(t *testing.T) {
	batches := Split(destinations(23), 10)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}

	var all []command.Destination
	for _, b := range batches {
		if len(b) > 10 {
			t.Errorf("batch of %d exceeds threshold", len(b))
		}
		all = append(all, b...)
	}
	if fmt.Sprint(assetGroups(all)) != fmt.Sprint(assetGroups(destinations(23))) {
		t.Errorf("batches do not reassemble the input")
	}
}

func TestSplitProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("batches are bounded and cover the list exactly once", prop.ForAll(
		func(threshold, seed int) bool {
			n := 1 + seed%(threshold*threshold)
			batches := Split(destinations(n), threshold)
			if len(batches) > (n+threshold-1)/threshold {
				return false
			}
			seen := make(map[string]int)
			for _, b := range batches {
				if len(b) == 0 || len(b) > threshold {
					return false
				}
				for _, d := range b {
					seen[d.AssetGroupID]++
				}
			}
			if len(seen) != n {
				return false
			}
			for _, c := range seen {
				if c != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestSplitOversizedListCapsBatchCount(t *testing.T) {
	batches := Split(destinations(250), 10)
	if len(batches) != 10 {
		t.Fatalf("got %d batches, want 10", len(batches))
	}
	total := 0
	for _, b := range batches {
		if len(b) != 25 {
			t.Errorf("batch of %d, want 25", len(b))
		}
		total += len(b)
	}
	if total != 250 {
		t.Errorf("batches hold %d destinations, want 250", total)
	}
}

func TestHandleDirectInsert(t *testing.T) {
	ins := newMockInserter(nil)
	h, backend, _ := newTestHandler(ins)

	out, err := h.Handle(context.Background(), newItem(7))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Verdict != workitem.VerdictSuccess {
		t.Errorf("outcome = %s, want success", out)
	}
	if len(ins.delivered) != 7 {
		t.Errorf("delivered %d destinations, want 7", len(ins.delivered))
	}
	if n, _ := backend.Len(context.Background(), QueueName); n != 0 {
		t.Errorf("%d items republished, want none", n)
	}
}

func TestHandleRepublishesOnlyFailures(t *testing.T) {
	ins := newMockInserter(map[string]int{"ag-01": 1, "ag-04": 1})
	h, backend, _ := newTestHandler(ins)

	out, err := h.Handle(context.Background(), newItem(6))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Verdict != workitem.VerdictSuccess {
		t.Errorf("outcome = %s, want success", out)
	}

	items := drain(t, backend)
	if len(items) != 1 {
		t.Fatalf("got %d retry items, want 1", len(items))
	}
	if got := assetGroups(items[0].Destinations); fmt.Sprint(got) != "[ag-01 ag-04]" {
		t.Errorf("retry destinations = %v", got)
	}
}

func TestHandleSplitsLargeLists(t *testing.T) {
	ins := newMockInserter(nil)
	h, backend, _ := newTestHandler(ins)

	item := newItem(23)
	item.DataSetVersion = 9
	if _, err := h.Handle(context.Background(), item); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ins.calls != 0 {
		t.Errorf("split pass inserted %d destinations directly", ins.calls)
	}

	items := drain(t, backend)
	if len(items) != 3 {
		t.Fatalf("got %d sub-batches, want 3", len(items))
	}
	var all []command.Destination
	for _, it := range items {
		if it.CommandID != item.CommandID || it.DataSetVersion != 9 {
			t.Errorf("sub-batch lost command identity: %+v", it)
		}
		all = append(all, it.Destinations...)
	}
	if fmt.Sprint(assetGroups(all)) != fmt.Sprint(assetGroups(item.Destinations)) {
		t.Errorf("sub-batches do not cover the destination list")
	}
}

func TestHandleConvergesUnderPartialFailure(t *testing.T) {
	ins := newMockInserter(map[string]int{"ag-03": 3, "ag-17": 2, "ag-20": 1})
	h, backend, q := newTestHandler(ins)
	ctx := context.Background()

	if err := q.Publish(ctx, newItem(25), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for round := 0; round < 20; round++ {
		items := drain(t, backend)
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			if _, err := h.Handle(ctx, it); err != nil {
				t.Fatalf("Handle: %v", err)
			}
		}
	}

	if len(ins.delivered) != 25 {
		t.Fatalf("delivered %d destinations, want 25", len(ins.delivered))
	}
	for ag, n := range ins.delivered {
		if n != 1 {
			t.Errorf("%s delivered %d times", ag, n)
		}
	}
}

func TestHandleEmpty(t *testing.T) {
	h, _, _ := newTestHandler(newMockInserter(nil))
	out, err := h.Handle(context.Background(), newItem(0))
	if err != nil || out.Verdict != workitem.VerdictSuccess {
		t.Errorf("empty list: outcome %s, err %v", out, err)
	}
}
