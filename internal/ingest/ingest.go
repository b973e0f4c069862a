// Package ingest delivers one command to one destination queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/events"
	"github.com/withObsrvr/obsrvr-command-router/internal/exportstore"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
	"github.com/withObsrvr/obsrvr-command-router/internal/queue"
)

// QueueFactory returns the queue of one destination.
type QueueFactory interface {
	Create(agentID, assetGroupID string, subject command.SubjectType, kind command.QueueStorageKind) *queue.RoundRobin
}

// ExportProvisioner creates the staging container an export destination
// writes into.
type ExportProvisioner interface {
	StagingContainer(ctx context.Context, id command.ID, agentID, assetGroupID string) (exportstore.Container, error)
}

// Ingester enqueues commands and reports them as started.
type Ingester struct {
	queues  QueueFactory
	flights flights.Evaluator
	exports ExportProvisioner
	sink    events.Sink
	log     *slog.Logger
}

// New creates an ingester. exports may be nil when no export is ever routed.
func New(queues QueueFactory, fl flights.Evaluator, exports ExportProvisioner, sink events.Sink) *Ingester {
	if sink == nil {
		sink = events.Noop{}
	}
	return &Ingester{
		queues:  queues,
		flights: fl,
		exports: exports,
		sink:    sink,
		log:     logging.Component("ingest"),
	}
}

// AddCommand stores raw as the command of destination d. A command that is
// already queued counts as delivered, so retries are safe. Blocked
// destinations are skipped without error.
func (in *Ingester) AddCommand(ctx context.Context, d command.Destination, raw json.RawMessage) error {
	cmd, err := command.ParseFor(raw, d.AgentID, d.AssetGroupID, d.AssetGroupQualifier, d.QueueStorage)
	if err != nil {
		return fmt.Errorf("parse command for %s/%s: %w", d.AgentID, d.AssetGroupID, err)
	}
	cmd.VariantIDs = append([]string(nil), d.VariantIDs...)

	log := logging.DestinationLogger(in.log, d.AgentID, d.AssetGroupID).With(
		"command_id", cmd.ID,
		"command_type", cmd.Type.String(),
		"moniker", d.TargetMoniker,
	)
	labels := metrics.Labels{CommandType: cmd.Type.String(), Moniker: d.TargetMoniker}

	if flights.IsBlocked(in.flights, d.AgentID, d.AssetGroupID) {
		log.Info("ingestion blocked by flight, dropping command")
		if m := metrics.Get(); m != nil {
			m.IncCommandsBlocked(labels)
		}
		return nil
	}

	if cmd.IsExport() {
		if err := in.attachExportTarget(ctx, cmd, d); err != nil {
			return err
		}
	}

	q := in.queues.Create(d.AgentID, d.AssetGroupID, cmd.Subject.Type, d.QueueStorage)
	if err := q.Enqueue(ctx, d.TargetMoniker, cmd); err != nil {
		if !errors.Is(err, queue.ErrConflict) {
			return fmt.Errorf("enqueue %s on %s: %w", cmd.ID, d.TargetMoniker, err)
		}
		log.Debug("command already enqueued")
		if m := metrics.Get(); m != nil {
			m.IncIngestConflicts(labels)
		}
	}

	batch := events.NewBatch()
	batch.AddStarted(cmd, d.AgentID, d.AssetGroupID, d.TargetMoniker)
	if err := events.Publish(ctx, in.sink, batch); err != nil {
		return fmt.Errorf("publish started event for %s: %w", cmd.ID, err)
	}

	if m := metrics.Get(); m != nil {
		m.IncCommandsIngested(labels)
	}
	return nil
}

func (in *Ingester) attachExportTarget(ctx context.Context, cmd *command.Command, d command.Destination) error {
	cmd.DataTypes = command.IntersectDataTypes(cmd.DataTypes, d.DataTypes)

	if in.exports == nil {
		return fmt.Errorf("export %s routed without an export store", cmd.ID)
	}
	c, err := in.exports.StagingContainer(ctx, cmd.ID, d.AgentID, d.AssetGroupID)
	if err != nil {
		return fmt.Errorf("provision staging container for %s: %w", cmd.ID, err)
	}
	cmd.StagingContainerURI = c.URI
	cmd.StagingPath = exportstore.StagingPath(d.AgentID, d.AssetGroupID)
	return nil
}
