package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// maxWindowsPerTick bounds catch-up after a long outage; the rest is
// emitted on later ticks.
const maxWindowsPerTick = 48

// Scheduler emits one recovery work item for every window of history that
// has aged past the lag. Progress survives restarts through a checkpoint.
type Scheduler struct {
	id          string
	queue       *workitem.Queue[WorkItem]
	checkpoints checkpoint.Manager
	lag         time.Duration
	size        time.Duration
	interval    time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewScheduler creates a scheduler. id names its checkpoint.
func NewScheduler(id string, q *workitem.Queue[WorkItem], cp checkpoint.Manager, cfg config.RecoveryConfig) *Scheduler {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	log.Println("[recovery] scheduler", id, "window", cfg.WindowSize, "lag", cfg.WindowLag)
	return &Scheduler{
		id:          id,
		queue:       q,
		checkpoints: cp,
		lag:         cfg.WindowLag,
		size:        cfg.WindowSize,
		interval:    cfg.Interval,
		now:         time.Now,
		log:         logging.Component("recovery.scheduler").With("scheduler_id", id),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error("recovery tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick publishes every elapsed window since the checkpoint and returns how
// many were published.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	horizon := s.now().UTC().Add(-s.lag)

	cp, err := s.checkpoints.Load(ctx, s.id)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		cp = &checkpoint.Checkpoint{
			SchedulerID:   s.id,
			LastWindowEnd: horizon.Truncate(s.size).Add(-s.size),
		}
	case err != nil:
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	emitted := 0
	for emitted < maxWindowsPerTick {
		start := cp.LastWindowEnd
		end := start.Add(s.size)
		if end.After(horizon) {
			break
		}

		item := &WorkItem{OldestRecordCreationTime: start, NewestRecordCreationTime: end}
		if err := s.queue.Publish(ctx, item, 0); err != nil {
			return emitted, fmt.Errorf("publish window %s: %w", start.Format(time.RFC3339), err)
		}

		cp.LastWindowEnd = end
		cp.Windows++
		cp.UpdatedAt = s.now().UTC()
		if err := s.checkpoints.Save(ctx, cp); err != nil {
			return emitted + 1, fmt.Errorf("save checkpoint: %w", err)
		}
		emitted++
	}

	if emitted > 0 {
		s.log.Info("recovery windows scheduled",
			"count", emitted,
			"last_window_end", cp.LastWindowEnd)
	}
	return emitted, nil
}
