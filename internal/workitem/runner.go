package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

// Handler processes one decoded work item. Changes made to item are kept
// when the outcome is RetryAfter. A non-nil error is unexpected and is
// retried after a random backoff.
type Handler[T any] interface {
	Handle(ctx context.Context, item *T) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, item *T) (Outcome, error)

func (f HandlerFunc[T]) Handle(ctx context.Context, item *T) (Outcome, error) { return f(ctx, item) }

// RunnerConfig configures the worker pool.
type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

type registration struct {
	queue   string
	process func(ctx context.Context, log *slog.Logger, msg *Message) (Outcome, []byte, error)
}

// Runner polls registered queues with a bounded pool of workers.
type Runner struct {
	backend Backend
	cfg     RunnerConfig
	log     *slog.Logger
	regs    []registration
	sleep   func(ctx context.Context, d time.Duration) bool
	jitter  func(min, max time.Duration) time.Duration
}

// NewRunner creates a runner over backend.
func NewRunner(backend Backend, cfg RunnerConfig) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}

	return &Runner{
		backend: backend,
		cfg:     cfg,
		log:     logging.Component("workitem"),
		sleep:   sleepContext,
		jitter:  RandomDelay,
	}
}

// Register attaches a handler to a queue. Call before Run.
func Register[T any](r *Runner, q *Queue[T], h Handler[T]) {
	r.regs = append(r.regs, registration{
		queue: q.name,
		process: func(ctx context.Context, log *slog.Logger, msg *Message) (Outcome, []byte, error) {
			item, err := q.decode(msg.Body)
			if err != nil {
				// Undecodable items never succeed; drop them.
				log.Error("dropping undecodable work item", "error", err)
				return Success(), nil, nil
			}
			out, err := h.Handle(ctx, item)
			if err != nil || out.Verdict != VerdictRetryAfter {
				return out, msg.Body, err
			}
			body, encErr := json.Marshal(item)
			if encErr != nil {
				return out, msg.Body, fmt.Errorf("re-encode work item: %w", encErr)
			}
			return out, body, nil
		},
	})
}

// Run starts the workers and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.regs) == 0 {
		return errors.New("workitem: no queues registered")
	}

	r.log.Info("starting work item runner", "workers", r.cfg.Workers, "queues", len(r.regs))

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) workerLoop(ctx context.Context, workerID int) {
	// Stagger the starting queue so workers do not all poll the same one.
	next := workerID % len(r.regs)
	for ctx.Err() == nil {
		busy := false
		for i := 0; i < len(r.regs); i++ {
			reg := r.regs[(next+i)%len(r.regs)]
			ok, err := r.processOne(ctx, workerID, reg)
			if err != nil {
				r.log.Warn("work item poll failed", "queue", reg.queue, "error", err)
			}
			busy = busy || ok
		}
		next = (next + 1) % len(r.regs)

		if !busy && !r.sleep(ctx, r.cfg.PollInterval) {
			return
		}
	}
}

// RunOnce polls every registered queue once on the calling goroutine and
// returns how many items were handled.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	n := 0
	var errs []error
	for _, reg := range r.regs {
		ok, err := r.processOne(ctx, 0, reg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", reg.queue, err))
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// processOne handles at most one item from reg's queue. It reports whether
// an item was found.
func (r *Runner) processOne(ctx context.Context, workerID int, reg registration) (bool, error) {
	msg, err := r.backend.Pop(ctx, reg.queue, r.cfg.Lease)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ctx = logging.WithCorrelationID(ctx, msg.ID)
	log := logging.WorkerLogger(reg.queue, workerID).With(
		"correlation_id", msg.ID,
		"attempt", msg.Attempt,
	)

	labels := metrics.Labels{Queue: reg.queue}
	if m := metrics.Get(); m != nil {
		m.AddWorkersBusy(labels, 1)
		defer m.AddWorkersBusy(labels, -1)
	}

	ctx, span := otel.Tracer("command-router").Start(ctx, reg.queue, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("workitem.id", msg.ID),
		attribute.Int("workitem.attempt", msg.Attempt),
	)
	defer span.End()

	start := time.Now()
	out, body, herr := reg.process(ctx, log, msg)
	elapsed := time.Since(start)

	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		log.Error("work item failed", "error", herr, "duration", elapsed)
		out = TransientFailureRandomBackoff()
		if m := metrics.Get(); m != nil {
			m.IncWorkItemsFailed(labels)
		}
	}

	if m := metrics.Get(); m != nil {
		labels.Outcome = out.Label()
		m.IncWorkItemsProcessed(labels)
		m.ObserveWorkItemDuration(labels, elapsed.Seconds())
	}

	switch out.Verdict {
	case VerdictSuccess:
		log.Debug("work item complete", "duration", elapsed)
		err = r.backend.Complete(ctx, msg)
	case VerdictRetryAfter:
		log.Debug("work item rescheduled", "delay", out.Delay)
		err = r.backend.Retry(ctx, msg, body, out.Delay)
	default:
		d := r.jitter(r.cfg.MinBackoff, r.cfg.MaxBackoff)
		log.Info("work item backing off", "delay", d)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: reg.queue})
		}
		err = r.backend.Retry(ctx, msg, msg.Body, d)
	}

	if errors.Is(err, ErrLeaseLost) {
		log.Warn("work item lease lost before it was settled")
		return true, nil
	}
	return true, err
}

// RandomDelay returns a uniformly random duration in [min, max].
func RandomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
