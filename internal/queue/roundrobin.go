package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

// emptyRingWait is how long Pop waits when every child is checked out.
const emptyRingWait = time.Second

type ringEntry struct {
	queue Routed
	next  time.Time
}

// RoundRobin reads fairly from many child queues and routes writes
// deterministically. Each priority class keeps its own ring of children;
// a child is polled at most once per delay.
type RoundRobin struct {
	key      string
	children []Routed
	byKey    map[string]Routed
	route    func(moniker string, cmd *command.Command) string
	delay    time.Duration
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	shift func(n int) int

	mu    sync.Mutex
	rings map[Priority][]*ringEntry
}

// NewMonikerQueue builds a multi-queue whose writes are routed by moniker.
func NewMonikerQueue(key string, children []Routed, delay time.Duration) *RoundRobin {
	return newRoundRobin(key, children, delay, func(moniker string, _ *command.Command) string {
		return moniker
	})
}

// NewLogicalQueue builds a multi-queue whose writes are routed by the
// command's (subject type, asset group, storage kind).
func NewLogicalQueue(key string, children []Routed, delay time.Duration) *RoundRobin {
	return newRoundRobin(key, children, delay, func(_ string, cmd *command.Command) string {
		return LogicalKey(cmd.Subject.Type, cmd.AssetGroupID, cmd.QueueStorage)
	})
}

func newRoundRobin(key string, children []Routed, delay time.Duration, route func(string, *command.Command) string) *RoundRobin {
	byKey := make(map[string]Routed, len(children))
	for _, c := range children {
		byKey[c.RoutingKey()] = c
	}
	return &RoundRobin{
		key:      key,
		children: children,
		byKey:    byKey,
		route:    route,
		delay:    delay,
		log:      slog.With("component", "round_robin", "queue", key),
		now:      time.Now,
		sleep:    sleepContext,
		shift:    rand.IntN,
		rings:    make(map[Priority][]*ringEntry),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (q *RoundRobin) RoutingKey() string { return q.key }

// Children returns the underlying queues.
func (q *RoundRobin) Children() []Routed { return q.children }

func (q *RoundRobin) target(moniker string, cmd *command.Command) (Routed, error) {
	key := q.route(moniker, cmd)
	c, ok := q.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, key)
	}
	return c, nil
}

func (q *RoundRobin) Enqueue(ctx context.Context, moniker string, cmd *command.Command) error {
	c, err := q.target(moniker, cmd)
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, moniker, cmd)
}

func (q *RoundRobin) Upsert(ctx context.Context, moniker string, cmd *command.Command) error {
	c, err := q.target(moniker, cmd)
	if err != nil {
		return err
	}
	return c.Upsert(ctx, moniker, cmd)
}

// takeHead removes the head entry of a priority ring, building the ring with
// a random rotation on first use.
func (q *RoundRobin) takeHead(prio Priority) *ringEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	ring, ok := q.rings[prio]
	if !ok {
		ring = make([]*ringEntry, 0, len(q.children))
		if n := len(q.children); n > 0 {
			start := q.shift(n)
			for i := 0; i < n; i++ {
				ring = append(ring, &ringEntry{queue: q.children[(start+i)%n]})
			}
		}
	}
	if len(ring) == 0 {
		q.rings[prio] = ring
		return nil
	}

	head := ring[0]
	q.rings[prio] = ring[1:]
	return head
}

func (q *RoundRobin) putTail(prio Priority, e *ringEntry) {
	q.mu.Lock()
	q.rings[prio] = append(q.rings[prio], e)
	q.mu.Unlock()
}

// Pop polls the next eligible child. Child errors are logged and reported
// as an empty result so one unhealthy shard never fails the caller.
func (q *RoundRobin) Pop(ctx context.Context, maxItems int, lease time.Duration, prio Priority) ([]Item, error) {
	e := q.takeHead(prio)
	if e == nil {
		if err := q.sleep(ctx, emptyRingWait); err != nil {
			return nil, err
		}
		return nil, nil
	}
	defer func() {
		e.next = q.now().Add(q.delay)
		q.putTail(prio, e)
	}()

	if wait := e.next.Sub(q.now()); wait > 0 {
		if err := q.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	items, err := e.queue.Pop(ctx, maxItems, lease, prio)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.log.Warn("pop from child queue failed", "child", e.queue.RoutingKey(), "priority", prio.String(), "error", err)
		if m := metrics.Get(); m != nil {
			m.IncQueuePopErrors(metrics.Labels{Moniker: e.queue.RoutingKey()})
		}
		return nil, nil
	}
	return items, nil
}

func (q *RoundRobin) owner(r LeaseReceipt) (Routed, error) {
	for _, c := range q.children {
		if c.SupportsLeaseReceipt(r) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: moniker %q partition %s", ErrUnsupportedReceipt, r.DatabaseMoniker, r.PartitionKey())
}

func (q *RoundRobin) SupportsLeaseReceipt(r LeaseReceipt) bool {
	_, err := q.owner(r)
	return err == nil
}

func (q *RoundRobin) Replace(ctx context.Context, r LeaseReceipt, cmd *command.Command, lease time.Duration) (LeaseReceipt, error) {
	c, err := q.owner(r)
	if err != nil {
		return LeaseReceipt{}, err
	}
	return c.Replace(ctx, r, cmd, lease)
}

func (q *RoundRobin) Delete(ctx context.Context, r LeaseReceipt) error {
	c, err := q.owner(r)
	if err != nil {
		return err
	}
	return c.Delete(ctx, r)
}

func (q *RoundRobin) QueryCommand(ctx context.Context, r LeaseReceipt) (*command.Command, error) {
	c, err := q.owner(r)
	if err != nil {
		return nil, err
	}
	return c.QueryCommand(ctx, r)
}

// Stats aggregates every child. Failing children are reported in the
// returned error alongside the stats that could be read.
func (q *RoundRobin) Stats(ctx context.Context) ([]Stats, error) {
	var out []Stats
	var errs []error
	for _, c := range q.children {
		s, err := c.Stats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("stats %s: %w", c.RoutingKey(), err))
			continue
		}
		out = append(out, s...)
	}
	return out, errors.Join(errs...)
}

func (q *RoundRobin) FlushByDate(ctx context.Context, before time.Time) (int, error) {
	total := 0
	var errs []error
	for _, c := range q.children {
		n, err := c.FlushByDate(ctx, before)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", c.RoutingKey(), err))
		}
	}
	return total, errors.Join(errs...)
}
