// Package recovery rescans command history for destinations that never
// reported ingestion, reconciles them against lifecycle telemetry and
// republishes what is still missing to fan-out.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/fanout"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/history"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
	"github.com/withObsrvr/obsrvr-command-router/internal/moniker"
	"github.com/withObsrvr/obsrvr-command-router/internal/snapshot"
	"github.com/withObsrvr/obsrvr-command-router/internal/telemetry"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// QueueName is the work-item queue the stage consumes.
const QueueName = "IngestionRecoveryWorkItem"

const (
	defaultPageSize       = 20
	defaultReconcileBatch = 10
)

// WorkItem selects one window of history to recover. ContinuationToken is
// advanced in place as pages are processed.
type WorkItem struct {
	ContinuationToken        string    `json:"continuationToken,omitempty"`
	OldestRecordCreationTime time.Time `json:"oldestRecordCreationTime"`
	NewestRecordCreationTime time.Time `json:"newestRecordCreationTime"`
	ExportOnly               bool      `json:"exportOnly,omitempty"`
	NonExportOnly            bool      `json:"nonExportOnly,omitempty"`
	IsOnDemandRepair         bool      `json:"isOnDemandRepair,omitempty"`
}

// Observer reports lifecycle signals seen for commands.
type Observer interface {
	Observations(ctx context.Context, ids []command.ID, since time.Time) ([]telemetry.Observation, error)
}

// Monikers validates recorded monikers and supplies replacements.
type Monikers interface {
	AllMonikers(ctx context.Context, kind command.QueueStorageKind) []string
	CurrentWeighted(ctx context.Context, kind command.QueueStorageKind) []string
}

// Handler processes IngestionRecoveryWorkItem.
type Handler struct {
	history        history.Store
	observer       Observer
	snapshots      snapshot.Provider
	flights        flights.Evaluator
	monikers       Monikers
	fanOut         *workitem.Queue[fanout.WorkItem]
	pageSize       int
	reconcileBatch int
	log            *slog.Logger
}

// NewHandler creates the stage handler.
func NewHandler(store history.Store, observer Observer, snapshots snapshot.Provider, fl flights.Evaluator, monikers Monikers, fanOut *workitem.Queue[fanout.WorkItem], cfg config.RecoveryConfig) *Handler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaultReconcileBatch
	}
	return &Handler{
		history:        store,
		observer:       observer,
		snapshots:      snapshots,
		flights:        fl,
		monikers:       monikers,
		fanOut:         fanOut,
		pageSize:       cfg.PageSize,
		reconcileBatch: cfg.ReconcileBatch,
		log:            logging.Component("recovery"),
	}
}

func (h *Handler) Handle(ctx context.Context, item *WorkItem) (workitem.Outcome, error) {
	log := logging.FromContext(ctx, "recovery").With(
		"oldest", item.OldestRecordCreationTime,
		"newest", item.NewestRecordCreationTime,
		"repair", item.IsOnDemandRepair,
	)

	killSwitch := flights.RecoveryProcessingDisabled
	if item.IsOnDemandRepair {
		killSwitch = flights.RepairProcessingDisabled
	}
	if h.flights.IsEnabled(killSwitch) {
		log.Info("recovery disabled by flight", "flight", killSwitch)
		return workitem.Success(), nil
	}

	records, next, err := h.history.QueryPartiallyIngested(ctx, history.PartialQuery{
		Oldest:        item.OldestRecordCreationTime,
		Newest:        item.NewestRecordCreationTime,
		PageSize:      h.pageSize,
		ExportOnly:    item.ExportOnly,
		NonExportOnly: item.NonExportOnly,
		Token:         item.ContinuationToken,
	})
	if err != nil {
		return workitem.Outcome{}, fmt.Errorf("query partially ingested: %w", err)
	}

	for start := 0; start < len(records); start += h.reconcileBatch {
		end := min(start+h.reconcileBatch, len(records))
		if err := h.reconcile(ctx, records[start:end], item.OldestRecordCreationTime); err != nil {
			return workitem.Outcome{}, err
		}
	}

	var skipped []command.ID
	recovered := 0
	for _, rec := range records {
		if rec.Core.IsGloballyComplete {
			countRecord("complete")
			continue
		}
		if len(rec.Core.RawCommand) == 0 {
			skipped = append(skipped, rec.CommandID())
			countRecord("invalid")
			continue
		}
		cmd, err := command.Parse(rec.Core.RawCommand)
		if err != nil {
			log.Warn("stored command does not parse", "command_id", rec.CommandID(), "error", err)
			skipped = append(skipped, rec.CommandID())
			countRecord("invalid")
			continue
		}

		n, err := h.recoverRecord(ctx, rec, cmd)
		if errors.Is(err, snapshot.ErrVersionNotFound) {
			log.Warn("pinned snapshot unavailable", "command_id", rec.CommandID(), "error", err)
			skipped = append(skipped, rec.CommandID())
			countRecord("invalid")
			continue
		}
		if err != nil {
			return workitem.Outcome{}, err
		}
		if n == 0 {
			countRecord("nothing_missing")
			continue
		}
		recovered++
		countRecord("republished")
		if m := metrics.Get(); m != nil {
			m.AddRecoveryDestinations(float64(n))
		}
	}

	if len(skipped) > 0 {
		log.Warn("skipped records with unusable payloads", "count", len(skipped), "command_ids", skipped)
	}
	log.Info("recovery page processed",
		"records", len(records),
		"republished", recovered,
		"more", next != "")

	if next != "" {
		item.ContinuationToken = next
		return workitem.RetryAfter(0), nil
	}
	return workitem.Success(), nil
}

func countRecord(result string) {
	if m := metrics.Get(); m != nil {
		m.IncRecoveryRecords(metrics.Labels{Result: result})
	}
}

type obsKey struct {
	id    command.ID
	agent string
	ag    string
}

// reconcile backfills status entries from telemetry and persists records
// whose fragments changed. Any failure aborts the page.
func (h *Handler) reconcile(ctx context.Context, records []*history.Record, since time.Time) error {
	var ids []command.ID
	for _, rec := range records {
		if changed := rec.ChangedFragments(); changed != history.FragmentNone {
			return fmt.Errorf("record %s modified before reconciliation: %s", rec.CommandID(), changed)
		}
		if hasUnknownStatus(rec) {
			ids = append(ids, rec.CommandID())
		}
	}
	if len(ids) == 0 {
		return nil
	}

	observed, err := h.observer.Observations(ctx, ids, since)
	if err != nil {
		return fmt.Errorf("query telemetry: %w", err)
	}
	byKey := make(map[obsKey]telemetry.Observation, len(observed))
	for _, o := range observed {
		byKey[obsKey{o.CommandID, o.AgentID, o.AssetGroupID}] = o
	}

	for _, rec := range records {
		for key, st := range rec.StatusMap {
			o, ok := byKey[obsKey{rec.CommandID(), key.AgentID, key.AssetGroupID}]
			if !ok {
				continue
			}
			// Batched events can surface a completion before its start.
			if st.CompletedTime == nil && o.Completed != nil {
				ts := *o.Completed
				st.CompletedTime = &ts
				rec.Core.CompletedCommandCount++
			}
			if st.IngestionTime == nil && o.Started != nil {
				ts := *o.Started
				st.IngestionTime = &ts
				rec.Core.IngestedCommandCount++
			}
		}

		changed := rec.ChangedFragments()
		if changed == history.FragmentNone {
			continue
		}
		if err := h.history.Replace(ctx, rec, changed); err != nil {
			return fmt.Errorf("persist reconciled record %s: %w", rec.CommandID(), err)
		}
		h.log.Debug("reconciled record from telemetry", "command_id", rec.CommandID(), "fragments", changed)
	}
	return nil
}

func hasUnknownStatus(rec *history.Record) bool {
	for _, st := range rec.StatusMap {
		if st.IngestionTime == nil || st.CompletedTime == nil {
			return true
		}
	}
	return false
}

// recoverRecord republishes every destination that has neither ingested nor
// completed. It returns how many destinations were sent.
func (h *Handler) recoverRecord(ctx context.Context, rec *history.Record, cmd *command.Command) (int, error) {
	snap, err := h.snapshots.Snapshot(ctx, rec.Core.IngestionDataSetVersion)
	if err != nil {
		return 0, fmt.Errorf("load snapshot %d: %w", rec.Core.IngestionDataSetVersion, err)
	}

	kind := rec.Core.QueueStorage
	valid := make(map[string]struct{})
	for _, m := range h.monikers.AllMonikers(ctx, kind) {
		valid[m] = struct{}{}
	}
	var current []string

	keys := make([]history.Key, 0, len(rec.StatusMap))
	for k := range rec.StatusMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var ds []command.Destination
	for _, key := range keys {
		st := rec.StatusMap[key]
		if st.IngestionTime != nil || st.CompletedTime != nil {
			continue
		}
		if flights.IsBlocked(h.flights, key.AgentID, key.AssetGroupID) {
			continue
		}
		ag, ok := snap.AssetGroup(key.AgentID, key.AssetGroupID)
		if !ok {
			h.log.Debug("destination missing from pinned snapshot",
				"command_id", rec.CommandID(), "agent_id", key.AgentID, "asset_group_id", key.AssetGroupID)
			continue
		}

		target := st.Moniker
		if _, ok := valid[target]; !ok || target == "" {
			if current == nil {
				current = h.monikers.CurrentWeighted(ctx, kind)
			}
			target = moniker.PreferredMoniker(cmd.ID, key.AssetGroupID, current)
			h.log.Debug("recorded moniker retired, reassigned",
				"command_id", rec.CommandID(), "old", st.Moniker, "new", target)
		}
		if target == "" {
			continue
		}

		a := ag.Evaluate(cmd.Scoped(key.AgentID, key.AssetGroupID, ag.Qualifier, kind))
		ds = append(ds, command.Destination{
			AgentID:             key.AgentID,
			AssetGroupID:        key.AssetGroupID,
			AssetGroupQualifier: ag.Qualifier,
			TargetMoniker:       target,
			QueueStorage:        kind,
			DataTypes:           append([]command.DataType(nil), ag.DataTypes...),
			VariantIDs:          a.VariantIDs,
		})
	}
	if len(ds) == 0 {
		return 0, nil
	}

	base := &fanout.WorkItem{
		CommandID:           cmd.ID,
		CommandType:         cmd.Type,
		Command:             rec.Core.RawCommand,
		DataSetVersion:      rec.Core.IngestionDataSetVersion,
		IsIngestionRecovery: true,
	}
	if err := workitem.PublishWithSplit(ctx, h.fanOut, ds, base.WithDestinations, nil); err != nil {
		return 0, fmt.Errorf("republish %s: %w", cmd.ID, err)
	}
	return len(ds), nil
}
