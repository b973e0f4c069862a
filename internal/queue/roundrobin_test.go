package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

type fakeChild struct {
	key string

	mu    sync.Mutex
	pops  int
	err   error
	items []Item
}

func (f *fakeChild) RoutingKey() string { return f.key }
func (f *fakeChild) Enqueue(context.Context, string, *command.Command) error {
	return nil
}
func (f *fakeChild) Upsert(context.Context, string, *command.Command) error { return nil }
func (f *fakeChild) Pop(context.Context, int, time.Duration, Priority) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pops++
	return f.items, f.err
}
func (f *fakeChild) SupportsLeaseReceipt(r LeaseReceipt) bool { return r.DatabaseMoniker == f.key }
func (f *fakeChild) Replace(_ context.Context, r LeaseReceipt, _ *command.Command, _ time.Duration) (LeaseReceipt, error) {
	return r, nil
}
func (f *fakeChild) Delete(context.Context, LeaseReceipt) error { return nil }
func (f *fakeChild) QueryCommand(context.Context, LeaseReceipt) (*command.Command, error) {
	return &command.Command{ID: command.ID(f.key)}, nil
}
func (f *fakeChild) Stats(context.Context) ([]Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []Stats{{Moniker: f.key, Pending: 1}}, nil
}
func (f *fakeChild) FlushByDate(context.Context, time.Time) (int, error) { return 2, f.err }

type fakeTime struct {
	now   time.Time
	slept []time.Duration
}

func (ft *fakeTime) Now() time.Time { return ft.now }
func (ft *fakeTime) Sleep(_ context.Context, d time.Duration) error {
	ft.slept = append(ft.slept, d)
	ft.now = ft.now.Add(d)
	return nil
}

func newTestRoundRobin(children []Routed, delay time.Duration, ft *fakeTime) *RoundRobin {
	q := NewMonikerQueue("test", children, delay)
	q.now = ft.Now
	q.sleep = ft.Sleep
	q.shift = func(int) int { return 0 }
	return q
}

func TestRoundRobinPollsFairlyAndThrottles(t *testing.T) {
	a, b := &fakeChild{key: "A"}, &fakeChild{key: "B"}
	ft := &fakeTime{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestRoundRobin([]Routed{a, b}, 5*time.Second, ft)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := q.Pop(ctx, 10, time.Minute, PriorityDefault)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, a.pops)
	assert.Equal(t, 2, b.pops)
	// A and B are first polled immediately; the third poll waits for A's delay.
	require.Len(t, ft.slept, 1)
	assert.Equal(t, 5*time.Second, ft.slept[0])
}

func TestRoundRobinRotatesStart(t *testing.T) {
	a, b, c := &fakeChild{key: "A"}, &fakeChild{key: "B"}, &fakeChild{key: "C"}
	ft := &fakeTime{now: time.Now()}
	q := newTestRoundRobin([]Routed{a, b, c}, 0, ft)
	q.shift = func(n int) int { return 2 }

	_, _ = q.Pop(context.Background(), 1, time.Minute, PriorityHigh)
	assert.Equal(t, 1, c.pops)
	assert.Equal(t, 0, a.pops)
}

func TestRoundRobinSwallowsChildErrors(t *testing.T) {
	bad := &fakeChild{key: "bad", err: errors.New("throttled")}
	good := &fakeChild{key: "good", items: []Item{{Command: &command.Command{ID: "x"}}}}
	ft := &fakeTime{now: time.Now()}
	q := newTestRoundRobin([]Routed{bad, good}, 0, ft)
	ctx := context.Background()

	items, err := q.Pop(ctx, 1, time.Minute, PriorityDefault)
	assert.NoError(t, err)
	assert.Empty(t, items)

	items, err = q.Pop(ctx, 1, time.Minute, PriorityDefault)
	assert.NoError(t, err)
	assert.Len(t, items, 1)

	// The failing child is back in the ring.
	_, _ = q.Pop(ctx, 1, time.Minute, PriorityDefault)
	assert.Equal(t, 2, bad.pops)
}

func TestRoundRobinEmptyRingWaits(t *testing.T) {
	ft := &fakeTime{now: time.Now()}
	q := newTestRoundRobin(nil, 0, ft)

	items, err := q.Pop(context.Background(), 1, time.Minute, PriorityDefault)
	assert.NoError(t, err)
	assert.Nil(t, items)
	assert.Equal(t, []time.Duration{time.Second}, ft.slept)
}

func TestRoundRobinReceiptRouting(t *testing.T) {
	a, b := &fakeChild{key: "A"}, &fakeChild{key: "B"}
	q := newTestRoundRobin([]Routed{a, b}, 0, &fakeTime{now: time.Now()})
	ctx := context.Background()

	assert.True(t, q.SupportsLeaseReceipt(LeaseReceipt{DatabaseMoniker: "B"}))
	cmd, err := q.QueryCommand(ctx, LeaseReceipt{DatabaseMoniker: "B"})
	require.NoError(t, err)
	assert.Equal(t, command.ID("B"), cmd.ID)

	err = q.Delete(ctx, LeaseReceipt{DatabaseMoniker: "removed-shard"})
	assert.ErrorIs(t, err, ErrUnsupportedReceipt)
	_, err = q.Replace(ctx, LeaseReceipt{DatabaseMoniker: "removed-shard"}, nil, time.Minute)
	assert.ErrorIs(t, err, ErrUnsupportedReceipt)
}

func TestRoundRobinAggregates(t *testing.T) {
	boom := errors.New("down")
	a, b := &fakeChild{key: "A"}, &fakeChild{key: "B", err: boom}
	q := newTestRoundRobin([]Routed{a, b}, 0, &fakeTime{now: time.Now()})
	ctx := context.Background()

	stats, err := q.Stats(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, stats, 1)

	n, err := q.FlushByDate(ctx, time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, n)
}

func TestFactoryRoutesWritesByMoniker(t *testing.T) {
	ctx := context.Background()
	d1 := NewMemoryBackend("doc-1", command.StorageDocument)
	d2 := NewMemoryBackend("doc-2", command.StorageDocument)
	q1 := NewMemoryBackend("q-1", command.StorageQueue)
	f := NewFactory([]Backend{d2, q1, d1}, 0)

	assert.Equal(t, []string{"doc-1", "doc-2"}, f.Monikers(command.StorageDocument))

	dq := f.Create(testKey.AgentID, testKey.AssetGroupID, testKey.SubjectType, testKey.Kind)
	cmd := newTestCommand(time.Now())
	require.NoError(t, dq.Enqueue(ctx, "doc-2", cmd))
	assert.ErrorIs(t, dq.Enqueue(ctx, "doc-2", cmd), ErrConflict)
	assert.ErrorIs(t, dq.Enqueue(ctx, "q-1", cmd), ErrNoRoute)

	s1, _ := d1.Stats(ctx, testKey)
	s2, _ := d2.Stats(ctx, testKey)
	assert.Equal(t, int64(0), s1.Pending)
	assert.Equal(t, int64(1), s2.Pending)
}

func TestFactoryAgentQueueRoutesByScope(t *testing.T) {
	ctx := context.Background()
	d1 := NewMemoryBackend("doc-1", command.StorageDocument)
	f := NewFactory([]Backend{d1}, 0)

	other := testKey
	other.AssetGroupID = "ag-2"
	aq := f.CreateForAgent(testKey.AgentID, []PartitionKey{testKey, other, testKey})
	require.Len(t, aq.Children(), 2)

	cmd := newTestCommand(time.Now())
	cmd.AssetGroupID = "ag-2"
	require.NoError(t, aq.Enqueue(ctx, "doc-1", cmd))

	s, _ := d1.Stats(ctx, other)
	assert.Equal(t, int64(1), s.Pending)

	var got []Item
	for i := 0; i < 2 && len(got) == 0; i++ {
		got, _ = aq.Pop(ctx, 5, time.Minute, PriorityDefault)
	}
	require.Len(t, got, 1)
	assert.NoError(t, aq.Delete(ctx, got[0].Receipt))
}
