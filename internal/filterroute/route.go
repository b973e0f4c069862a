// Package filterroute decides which destinations receive a command, records
// the decision in command history and hands the destinations to fan-out.
package filterroute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/audit"
	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/events"
	"github.com/withObsrvr/obsrvr-command-router/internal/exportstore"
	"github.com/withObsrvr/obsrvr-command-router/internal/fanout"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/history"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
	"github.com/withObsrvr/obsrvr-command-router/internal/moniker"
	"github.com/withObsrvr/obsrvr-command-router/internal/snapshot"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

const (
	QueueName       = "FilterAndRouteCommandWorkItem"
	WhatIfQueueName = "WhatIfFilterAndRouteCommandWorkItem"
)

// WorkItem is one inbound command pinned to a snapshot version.
type WorkItem struct {
	Command        json.RawMessage `json:"command"`
	CommandType    command.Type    `json:"commandType"`
	DataSetVersion int64           `json:"dataSetVersion"`
	IsReplay       bool            `json:"isReplay,omitempty"`
}

// Variant supplies the side effects of one flavour of routing.
type Variant interface {
	Name() string

	// QueryHistory returns the existing record of a command, or nil.
	QueryHistory(ctx context.Context, id command.ID) (*history.Record, error)

	// InsertHistory stores a new record and reports whether this call
	// created it.
	InsertHistory(ctx context.Context, r *history.Record) (bool, error)

	PublishEvents(ctx context.Context, b *events.Batch) error

	FilterForDestination(ag *snapshot.AssetGroup, cmd *command.Command) snapshot.Applicability

	// PublishToFanOut delivers the routed destinations.
	PublishToFanOut(ctx context.Context, item *fanout.WorkItem) error
}

// Monikers picks shard lists for new destinations.
type Monikers interface {
	CurrentWeighted(ctx context.Context, kind command.QueueStorageKind) []string
	WeightedByPartitionSize(ctx context.Context, kind command.QueueStorageKind, agentID, assetGroupID string, list []string) []string
}

// StagingLocator names export staging containers.
type StagingLocator interface {
	StagingURI(id command.ID, agentID, assetGroupID string) string
}

// Deps are the collaborators shared by every variant.
type Deps struct {
	Snapshots snapshot.Provider
	Flights   flights.Evaluator
	Monikers  Monikers
	Exports   StagingLocator
	Auditor   audit.Logger
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Route runs the filter-and-route algorithm for one work item.
func Route(ctx context.Context, deps Deps, v Variant, item *WorkItem) (workitem.Outcome, error) {
	cmd, err := command.Parse(item.Command)
	if err != nil {
		return workitem.Outcome{}, fmt.Errorf("parse command: %w", err)
	}
	log := logging.CommandLogger(ctx, string(cmd.ID), cmd.Type.String()).With(
		"variant", v.Name(),
		"data_set_version", item.DataSetVersion,
	)

	snap, err := deps.Snapshots.Snapshot(ctx, item.DataSetVersion)
	if err != nil {
		return workitem.Outcome{}, fmt.Errorf("load snapshot %d: %w", item.DataSetVersion, err)
	}

	rec, err := v.QueryHistory(ctx, cmd.ID)
	if err != nil {
		return workitem.Outcome{}, fmt.Errorf("query history: %w", err)
	}

	isNew := rec == nil
	if isNew {
		kind := command.SelectQueueStorage(cmd)
		rec = history.NewRecord(history.Core{
			CommandID:               cmd.ID,
			CommandType:             cmd.Type,
			Subject:                 cmd.Subject,
			Requester:               cmd.Requester,
			Context:                 cmd.Context,
			CloudInstance:           cmd.CloudInstance,
			IsSynthetic:             cmd.IsSynthetic,
			CreatedTime:             deps.now().UTC(),
			IngestionDataSetVersion: item.DataSetVersion,
			QueueStorage:            kind,
			WeightedMonikers:        append([]string(nil), deps.Monikers.CurrentWeighted(ctx, kind)...),
			RawCommand:              item.Command,
		})
	} else if rec.Core.IngestionDataSetVersion != item.DataSetVersion {
		log.Info("command already routed under another data set version",
			"recorded_version", rec.Core.IngestionDataSetVersion)
		return workitem.Success(), nil
	}
	ensureMaps(rec)

	r := router{deps: deps, v: v, cmd: cmd, rec: rec, item: item, log: log, batch: events.NewBatch()}
	r.evaluate(ctx, snap)

	rec.Core.TotalCommandCount = len(rec.StatusMap)

	if isNew && !item.IsReplay {
		ok, err := v.InsertHistory(ctx, rec)
		if err != nil {
			return workitem.Outcome{}, fmt.Errorf("insert history: %w", err)
		}
		if !ok {
			log.Info("history record created concurrently, backing off")
			return workitem.TransientFailureRandomBackoff(), nil
		}
	}

	if err := v.PublishEvents(ctx, r.batch); err != nil {
		return workitem.Outcome{}, fmt.Errorf("publish lifecycle events: %w", err)
	}

	if len(r.destinations) > 0 {
		err := v.PublishToFanOut(ctx, &fanout.WorkItem{
			CommandID:      cmd.ID,
			CommandType:    cmd.Type,
			Command:        item.Command,
			Destinations:   r.destinations,
			DataSetVersion: item.DataSetVersion,
			IsReplay:       item.IsReplay,
		})
		if err != nil {
			return workitem.Outcome{}, fmt.Errorf("publish to fan-out: %w", err)
		}
	}

	if deps.Auditor != nil {
		deps.Auditor.LogFilterResults(ctx, r.rows)
	}

	log.Info("command routed",
		"destinations", len(r.destinations),
		"evaluated", len(r.rows),
		"new_record", isNew)
	return workitem.Success(), nil
}

// ensureMaps makes fragments a variant did not load writable.
func ensureMaps(rec *history.Record) {
	if rec.StatusMap == nil {
		rec.StatusMap = make(map[history.Key]*history.StatusRecord)
	}
	if rec.AuditMap == nil {
		rec.AuditMap = make(map[history.Key]*history.AuditRecord)
	}
	if rec.ExportDestinations == nil {
		rec.ExportDestinations = make(map[history.Key]*history.ExportDestination)
	}
}

// router holds the state of one routing pass.
type router struct {
	deps Deps
	v    Variant
	cmd  *command.Command
	rec  *history.Record
	item *WorkItem
	log  *slog.Logger

	batch        *events.Batch
	destinations []command.Destination
	rows         []audit.Row
}

func (r *router) evaluate(ctx context.Context, snap *snapshot.Snapshot) {
	kind := r.rec.Core.QueueStorage
	rebalance := kind == command.StorageDocument && r.deps.Flights.IsEnabled(flights.PartitionSizeRebalanceEnabled)
	publishDropped := r.cmd.IsExport() && !r.deps.Flights.IsEnabled(flights.PublishDroppedEventDisabled)
	loggedAt := r.deps.now().UTC()

	for _, agent := range snap.Agents {
		for _, ag := range agent.AssetGroups {
			if ag.IsFakePreProd {
				continue
			}
			if flights.IsBlocked(r.deps.Flights, agent.ID, ag.ID) {
				r.log.Debug("destination blocked by flight", "agent_id", agent.ID, "asset_group_id", ag.ID)
				continue
			}

			scoped := r.cmd.Scoped(agent.ID, ag.ID, ag.Qualifier, kind)
			a := r.v.FilterForDestination(ag, scoped)
			key := history.Key{AgentID: agent.ID, AssetGroupID: ag.ID}

			r.rec.AuditMap[key] = &history.AuditRecord{
				AgentID:      agent.ID,
				AssetGroupID: ag.ID,
				Applicable:   a.Applicable,
				Reason:       string(a.Reason),
				Description:  a.Description,
				VariantIDs:   a.VariantIDs,
			}
			row := audit.Row{
				CommandID:    string(r.cmd.ID),
				CommandType:  r.cmd.Type.String(),
				AgentID:      agent.ID,
				AssetGroupID: ag.ID,
				Applicable:   a.Applicable,
				Reason:       string(a.Reason),
				Description:  a.Description,
				VariantIDs:   a.VariantIDs,
				DataSetVer:   r.item.DataSetVersion,
				IsWhatIf:     r.v.Name() == whatIfName,
				LoggedAt:     loggedAt,
			}

			outcome := "applicable"
			switch {
			case a.Applicable:
				row.Moniker = r.assign(ctx, key, ag, a, rebalance)
			case a.Reason == snapshot.ReasonFilteredByVariant:
				outcome = "variant"
				r.batch.AddStarted(scoped, agent.ID, ag.ID, "")
				r.batch.AddCompleted(scoped, agent.ID, ag.ID, true, a.VariantIDs)
			default:
				outcome = "dropped"
				if publishDropped {
					r.batch.AddDropped(scoped, agent.ID, ag.ID, string(a.Reason))
				}
			}
			r.rows = append(r.rows, row)

			if m := metrics.Get(); m != nil {
				m.IncDestinationRoutes(metrics.Labels{CommandType: r.cmd.Type.String(), Outcome: outcome})
			}
		}
	}
}

// assign records an applicable destination and returns its moniker. A
// destination already present in the record keeps its moniker.
func (r *router) assign(ctx context.Context, key history.Key, ag *snapshot.AssetGroup, a snapshot.Applicability, rebalance bool) string {
	kind := r.rec.Core.QueueStorage

	status, ok := r.rec.StatusMap[key]
	if !ok || status.Moniker == "" {
		list := r.rec.Core.WeightedMonikers
		if rebalance {
			list = r.deps.Monikers.WeightedByPartitionSize(ctx, kind, key.AgentID, key.AssetGroupID, list)
		}
		m := moniker.PreferredMoniker(r.cmd.ID, ag.ID, list)
		if !ok {
			status = &history.StatusRecord{AgentID: key.AgentID, AssetGroupID: key.AssetGroupID}
			r.rec.StatusMap[key] = status
		}
		status.Moniker = m
	}

	if r.cmd.IsExport() && r.deps.Exports != nil {
		if _, ok := r.rec.ExportDestinations[key]; !ok {
			r.rec.ExportDestinations[key] = &history.ExportDestination{
				AgentID:      key.AgentID,
				AssetGroupID: key.AssetGroupID,
				URI:          r.deps.Exports.StagingURI(r.cmd.ID, key.AgentID, key.AssetGroupID),
				Path:         exportstore.StagingPath(key.AgentID, key.AssetGroupID),
			}
		}
	}

	r.destinations = append(r.destinations, command.Destination{
		AgentID:             key.AgentID,
		AssetGroupID:        key.AssetGroupID,
		AssetGroupQualifier: ag.Qualifier,
		TargetMoniker:       status.Moniker,
		QueueStorage:        kind,
		DataTypes:           append([]command.DataType(nil), ag.DataTypes...),
		VariantIDs:          a.VariantIDs,
	})
	return status.Moniker
}
