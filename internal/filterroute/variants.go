package filterroute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/completion"
	"github.com/withObsrvr/obsrvr-command-router/internal/events"
	"github.com/withObsrvr/obsrvr-command-router/internal/exportstore"
	"github.com/withObsrvr/obsrvr-command-router/internal/fanout"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/history"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/snapshot"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

const (
	liveName   = "live"
	whatIfName = "whatif"
)

// FinalProvisioner creates the container a finished export is assembled in.
type FinalProvisioner interface {
	FinalContainer(ctx context.Context, id command.ID) (exportstore.Container, error)
}

// Live routes for real: it owns the history record, publishes lifecycle
// events and feeds fan-out.
type Live struct {
	History         history.Store
	Sink            events.Sink
	Exports         FinalProvisioner
	FanOut          *workitem.Queue[fanout.WorkItem]
	Completion      *workitem.Queue[completion.WorkItem]
	CompletionDelay time.Duration
}

func (l *Live) Name() string { return liveName }

func (l *Live) QueryHistory(ctx context.Context, id command.ID) (*history.Record, error) {
	return l.History.Query(ctx, id, history.FragmentAll)
}

// InsertHistory provisions the final export container before the record is
// stored, so the record always names it.
func (l *Live) InsertHistory(ctx context.Context, r *history.Record) (bool, error) {
	if r.Core.CommandType == command.TypeExport && l.Exports != nil {
		c, err := l.Exports.FinalContainer(ctx, r.CommandID())
		if err != nil {
			return false, fmt.Errorf("provision final export container: %w", err)
		}
		r.Core.FinalExportDestinationURI = c.URI
	}
	return l.History.TryInsert(ctx, r)
}

func (l *Live) PublishEvents(ctx context.Context, b *events.Batch) error {
	return events.Publish(ctx, l.Sink, b)
}

func (l *Live) FilterForDestination(ag *snapshot.AssetGroup, cmd *command.Command) snapshot.Applicability {
	return ag.Evaluate(cmd)
}

// PublishToFanOut publishes the destinations, split to fit the message size
// limit, and schedules the completion check.
func (l *Live) PublishToFanOut(ctx context.Context, item *fanout.WorkItem) error {
	err := workitem.PublishWithSplit(ctx, l.FanOut, item.Destinations, item.WithDestinations, nil)
	if err != nil {
		return err
	}
	if l.Completion == nil {
		return nil
	}
	return l.Completion.Publish(ctx, &completion.WorkItem{CommandID: item.CommandID}, l.CompletionDelay)
}

// WhatIf evaluates routing without touching history, events or queues. Its
// only output is audit rows.
type WhatIf struct {
	log *slog.Logger
}

func NewWhatIf() *WhatIf {
	return &WhatIf{log: logging.Component("filterroute.whatif")}
}

func (w *WhatIf) Name() string { return whatIfName }

func (w *WhatIf) QueryHistory(context.Context, command.ID) (*history.Record, error) {
	return nil, nil
}

func (w *WhatIf) InsertHistory(context.Context, *history.Record) (bool, error) {
	return true, nil
}

func (w *WhatIf) PublishEvents(context.Context, *events.Batch) error { return nil }

func (w *WhatIf) FilterForDestination(ag *snapshot.AssetGroup, cmd *command.Command) snapshot.Applicability {
	return ag.Evaluate(cmd)
}

func (w *WhatIf) PublishToFanOut(_ context.Context, item *fanout.WorkItem) error {
	w.log.Debug("what-if routing result",
		"command_id", item.CommandID,
		"destinations", len(item.Destinations))
	return nil
}

// Handler runs Route for one variant. Routing is skipped entirely when gate
// names a flight that is off.
type Handler struct {
	deps    Deps
	variant Variant
	gate    string
}

// NewHandler creates the live handler.
func NewHandler(deps Deps, live *Live) *Handler {
	return &Handler{deps: deps, variant: live}
}

// NewWhatIfHandler creates the preview handler, gated by its flight.
func NewWhatIfHandler(deps Deps) *Handler {
	return &Handler{deps: deps, variant: NewWhatIf(), gate: flights.WhatIfFilterAndRouteEnabled}
}

func (h *Handler) Handle(ctx context.Context, item *WorkItem) (workitem.Outcome, error) {
	if h.gate != "" && !h.deps.Flights.IsEnabled(h.gate) {
		return workitem.Success(), nil
	}
	return Route(ctx, h.deps, h.variant, item)
}
