// Package completion marks commands globally complete once every
// destination has reported completion.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/history"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// QueueName is the work-item queue the stage consumes.
const QueueName = "CheckCompletionWorkItem"

const defaultNotCompleteDelay = time.Hour

// WorkItem asks whether one command is complete.
type WorkItem struct {
	CommandID command.ID `json:"commandId"`
}

// ContainerCleaner removes export staging containers.
type ContainerCleaner interface {
	Cleanup(ctx context.Context, uri string, id command.ID) error
}

// Handler processes CheckCompletionWorkItem.
type Handler struct {
	history          history.Store
	cleaner          ContainerCleaner
	notCompleteDelay time.Duration
	now              func() time.Time
	log              *slog.Logger
}

// NewHandler creates the stage handler. cleaner may be nil.
func NewHandler(store history.Store, cleaner ContainerCleaner, cfg config.CompletionConfig) *Handler {
	if cfg.NotCompleteDelay <= 0 {
		cfg.NotCompleteDelay = defaultNotCompleteDelay
	}
	return &Handler{
		history:          store,
		cleaner:          cleaner,
		notCompleteDelay: cfg.NotCompleteDelay,
		now:              time.Now,
		log:              logging.Component("completion"),
	}
}

func (h *Handler) Handle(ctx context.Context, item *WorkItem) (workitem.Outcome, error) {
	log := h.log.With("command_id", item.CommandID, "correlation_id", logging.CorrelationID(ctx))

	rec, err := h.history.Query(ctx, item.CommandID, history.FragmentStatus|history.FragmentExportDestinations)
	if err != nil {
		return workitem.Outcome{}, fmt.Errorf("query history %s: %w", item.CommandID, err)
	}
	if rec == nil {
		log.Info("no history for command, nothing to check")
		return workitem.Success(), nil
	}
	if rec.Core.IsGloballyComplete {
		return workitem.Success(), nil
	}

	// Nothing routed means nothing to wait for.
	if len(rec.StatusMap) > 0 && (!rec.IsComplete() || !rec.AnyIngested()) {
		log.Debug("command not complete yet", "retry_in", h.notCompleteDelay)
		return workitem.RetryAfter(h.notCompleteDelay), nil
	}

	now := h.now().UTC()
	rec.Core.IsGloballyComplete = true
	rec.Core.CompletedTime = &now

	if rec.Core.CommandType == command.TypeExport && h.cleaner != nil {
		for key, dest := range rec.ExportDestinations {
			if err := h.cleaner.Cleanup(ctx, dest.URI, item.CommandID); err != nil {
				log.Warn("staging cleanup failed", "agent_id", key.AgentID, "asset_group_id", key.AssetGroupID, "error", err)
			}
		}
	}

	if err := h.history.Replace(ctx, rec, history.FragmentCore); err != nil {
		if errors.Is(err, history.ErrConflict) {
			log.Info("history changed while completing, backing off")
			return workitem.TransientFailureRandomBackoff(), nil
		}
		return workitem.Outcome{}, fmt.Errorf("replace history %s: %w", item.CommandID, err)
	}

	log.Info("command globally complete",
		"destinations", len(rec.StatusMap),
		"created", rec.Core.CreatedTime)
	return workitem.Success(), nil
}
