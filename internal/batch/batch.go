// Package batch expands a burst of inbound commands into one filter-and-route
// work item per command.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/filterroute"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// QueueName is the work-item queue the publisher consumes.
const QueueName = "CommandBatchWorkItem"

// WorkItem carries raw commands as received.
type WorkItem struct {
	Commands []json.RawMessage `json:"commands"`
}

// VersionSource reports the snapshot version new commands are pinned to.
type VersionSource interface {
	CurrentVersion(ctx context.Context) (int64, error)
}

// Publisher processes CommandBatchWorkItem.
type Publisher struct {
	versions VersionSource
	flights  flights.Evaluator
	route    *workitem.Queue[filterroute.WorkItem]
	whatIf   *workitem.Queue[filterroute.WorkItem]
	smoothed map[command.Type]bool
	limiter  *rate.Limiter
	now      func() time.Time
	log      *slog.Logger
}

// NewPublisher creates the publisher. whatIf may be nil.
func NewPublisher(versions VersionSource, fl flights.Evaluator, route, whatIf *workitem.Queue[filterroute.WorkItem], cfg config.BatchConfig) *Publisher {
	smoothed := make(map[command.Type]bool, len(cfg.SmoothedTypes))
	for _, name := range cfg.SmoothedTypes {
		t, err := command.ParseType(name)
		if err != nil {
			log.Printf("[batch] ignoring smoothed type %q: %v", name, err)
			continue
		}
		smoothed[t] = true
	}
	if cfg.SmoothingPerSecond <= 0 {
		cfg.SmoothingPerSecond = 50
	}
	if cfg.SmoothingBurst <= 0 {
		cfg.SmoothingBurst = 1
	}

	log.Printf("[batch] smoothing %d command types at %.1f/s", len(smoothed), cfg.SmoothingPerSecond)
	return &Publisher{
		versions: versions,
		flights:  fl,
		route:    route,
		whatIf:   whatIf,
		smoothed: smoothed,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SmoothingPerSecond), cfg.SmoothingBurst),
		now:      time.Now,
		log:      logging.Component("batch"),
	}
}

func (p *Publisher) Handle(ctx context.Context, item *WorkItem) (workitem.Outcome, error) {
	version, err := p.versions.CurrentVersion(ctx)
	if err != nil {
		return workitem.Outcome{}, fmt.Errorf("current snapshot version: %w", err)
	}
	mirror := p.whatIf != nil && p.flights.IsEnabled(flights.WhatIfFilterAndRouteEnabled)

	seen := make(map[command.ID]struct{}, len(item.Commands))
	published, duplicates, smoothed := 0, 0, 0
	for _, raw := range item.Commands {
		wi := &filterroute.WorkItem{Command: raw, DataSetVersion: version}
		var delay time.Duration

		// Unparseable commands are still forwarded so filter-and-route
		// reports them.
		if cmd, err := command.Parse(raw); err == nil {
			if _, dup := seen[cmd.ID]; dup {
				duplicates++
				continue
			}
			seen[cmd.ID] = struct{}{}
			wi.CommandType = cmd.Type

			if p.smoothed[cmd.Type] {
				delay = p.limiter.ReserveN(p.now(), 1).DelayFrom(p.now())
				smoothed++
			}
		} else {
			p.log.Warn("batched command does not parse", "error", err)
		}

		if err := p.route.Publish(ctx, wi, delay); err != nil {
			return workitem.Outcome{}, fmt.Errorf("publish filter-and-route item: %w", err)
		}
		if mirror {
			if err := p.whatIf.Publish(ctx, wi, 0); err != nil {
				p.log.Warn("what-if mirror failed", "error", err)
			}
		}
		published++
	}

	p.log.Info("command batch expanded",
		"commands", len(item.Commands),
		"published", published,
		"duplicates", duplicates,
		"smoothed", smoothed,
		"data_set_version", version)
	return workitem.Success(), nil
}
