// Package fanout delivers a command to its destination list, splitting large
// lists into smaller work items and retrying only the destinations that
// failed.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// QueueName is the work-item queue the stage consumes.
const QueueName = "InsertIntoQueueWorkItem"

// DefaultThreshold is the largest list inserted directly.
const DefaultThreshold = 10

// WorkItem asks for one command to be inserted into a set of destinations.
type WorkItem struct {
	CommandID           command.ID            `json:"commandId"`
	CommandType         command.Type          `json:"commandType"`
	Command             json.RawMessage       `json:"command"`
	Destinations        []command.Destination `json:"destinations"`
	DataSetVersion      int64                 `json:"dataSetVersion,omitempty"`
	IsReplay            bool                  `json:"isReplay,omitempty"`
	IsIngestionRecovery bool                  `json:"isIngestionRecovery,omitempty"`
}

// WithDestinations copies the item with another destination list.
func (w *WorkItem) WithDestinations(ds []command.Destination) *WorkItem {
	cp := *w
	cp.Destinations = ds
	return &cp
}

// Inserter stores a command for one destination.
type Inserter interface {
	AddCommand(ctx context.Context, d command.Destination, raw json.RawMessage) error
}

// Handler processes InsertIntoQueueWorkItem.
type Handler struct {
	inserter  Inserter
	queue     *workitem.Queue[WorkItem]
	threshold int
	retryMin  time.Duration
	retryMax  time.Duration
	log       *slog.Logger
	jitter    func(min, max time.Duration) time.Duration
}

// NewHandler creates the stage handler. Sub-batches and retries are
// published back to q.
func NewHandler(inserter Inserter, q *workitem.Queue[WorkItem], cfg config.FanOutConfig) *Handler {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	return &Handler{
		inserter:  inserter,
		queue:     q,
		threshold: cfg.Threshold,
		retryMin:  cfg.RetryMin,
		retryMax:  cfg.RetryMax,
		log:       logging.Component("fanout"),
		jitter:    workitem.RandomDelay,
	}
}

func (h *Handler) Handle(ctx context.Context, item *WorkItem) (workitem.Outcome, error) {
	log := logging.CommandLogger(ctx, string(item.CommandID), item.CommandType.String())

	if len(item.Destinations) == 0 {
		return workitem.Success(), nil
	}

	if len(item.Destinations) > h.threshold {
		batches := Split(item.Destinations, h.threshold)
		for _, b := range batches {
			if err := h.queue.Publish(ctx, item.WithDestinations(b), 0); err != nil {
				return workitem.Outcome{}, fmt.Errorf("publish fan-out batch: %w", err)
			}
		}
		log.Info("split destinations", "destinations", len(item.Destinations), "batches", len(batches))
		if m := metrics.Get(); m != nil {
			m.AddFanOutBatches(float64(len(batches)))
		}
		return workitem.Success(), nil
	}

	failed := h.insertAll(ctx, log, item)
	if m := metrics.Get(); m != nil {
		m.AddFanOutInserts(float64(len(item.Destinations)), float64(len(failed)))
	}
	if len(failed) == 0 {
		return workitem.Success(), nil
	}

	delay := h.jitter(h.retryMin, h.retryMax)
	if err := h.queue.Publish(ctx, item.WithDestinations(failed), delay); err != nil {
		return workitem.Outcome{}, fmt.Errorf("republish failed destinations: %w", err)
	}
	log.Warn("retrying failed destinations",
		"failed", len(failed),
		"destinations", len(item.Destinations),
		"delay", delay)
	return workitem.Success(), nil
}

// result is the insert outcome of one destination.
type result struct {
	dest command.Destination
	err  error
}

// insertAll inserts every destination in parallel and returns the ones that
// failed. One failure never cancels the others.
func (h *Handler) insertAll(ctx context.Context, log *slog.Logger, item *WorkItem) []command.Destination {
	results := make([]result, len(item.Destinations))

	var g errgroup.Group
	g.SetLimit(h.threshold)
	for i, d := range item.Destinations {
		g.Go(func() error {
			results[i] = result{dest: d, err: h.inserter.AddCommand(ctx, d, item.Command)}
			return nil
		})
	}
	_ = g.Wait()

	var failed []command.Destination
	for _, r := range results {
		if r.err == nil {
			continue
		}
		logging.DestinationLogger(log, r.dest.AgentID, r.dest.AssetGroupID).Warn("insert failed",
			"moniker", r.dest.TargetMoniker, "error", r.err)
		failed = append(failed, r.dest)
	}
	return failed
}

// Split deals destinations round-robin into ceil(n/threshold) batches,
// capped at threshold batches.
//
// When n > threshold*threshold a batch can exceed threshold; the handler
// splits such a batch again when it is processed.
func Split(ds []command.Destination, threshold int) [][]command.Destination {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(ds) == 0 {
		return nil
	}
	k := (len(ds) + threshold - 1) / threshold
	if k > threshold {
		k = threshold
	}
	batches := make([][]command.Destination, k)
	for i, d := range ds {
		batches[i%k] = append(batches[i%k], d)
	}
	return batches
}
