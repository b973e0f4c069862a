// Package events publishes command lifecycle events (started, completed,
// dropped) for every destination a command is routed to.
package events

import (
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// Kind is the lifecycle transition an event reports.
type Kind string

const (
	KindStarted   Kind = "command_started"
	KindCompleted Kind = "command_completed"
	KindDropped   Kind = "command_dropped"
)

// SchemaVersion is written into every event.
const SchemaVersion = "1.0"

// Event is one lifecycle transition of one destination.
type Event struct {
	Version   string    `json:"version"`
	Kind      Kind      `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	CommandID           command.ID   `json:"command_id"`
	CommandType         command.Type `json:"command_type"`
	AgentID             string       `json:"agent_id"`
	AssetGroupID        string       `json:"asset_group_id"`
	AssetGroupQualifier string       `json:"asset_group_qualifier,omitempty"`
	CloudInstance       string       `json:"cloud_instance,omitempty"`
	IsSynthetic         bool         `json:"synthetic,omitempty"`

	Moniker           string   `json:"moniker,omitempty"`
	ExportStagingURI  string   `json:"export_staging_uri,omitempty"`
	ExportStagingPath string   `json:"export_staging_path,omitempty"`
	IgnoredByVariant  bool     `json:"ignored_by_variant,omitempty"`
	VariantIDs        []string `json:"variant_ids,omitempty"`
	Reason            string   `json:"reason,omitempty"`

	Chain ChainInfo `json:"chain"`
}

// ChainInfo links events of one agent into a tamper-evident chain.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to.
func (e *Event) ChainKey() string { return e.AgentID }

// Batch collects the events produced while handling one command.
type Batch struct {
	events []Event
	now    func() time.Time
}

func NewBatch() *Batch {
	return &Batch{now: time.Now}
}

func (b *Batch) base(kind Kind, cmd *command.Command, agentID, assetGroupID string) Event {
	return Event{
		Version:             SchemaVersion,
		Kind:                kind,
		Timestamp:           b.now().UTC(),
		CommandID:           cmd.ID,
		CommandType:         cmd.Type,
		AgentID:             agentID,
		AssetGroupID:        assetGroupID,
		AssetGroupQualifier: cmd.AssetGroupQualifier,
		CloudInstance:       cmd.CloudInstance,
		IsSynthetic:         cmd.IsSynthetic,
	}
}

// AddStarted records that a destination received the command. Export
// commands carry their staging location.
func (b *Batch) AddStarted(cmd *command.Command, agentID, assetGroupID, moniker string) {
	e := b.base(KindStarted, cmd, agentID, assetGroupID)
	e.Moniker = moniker
	if cmd.IsExport() {
		e.ExportStagingURI = cmd.StagingContainerURI
		e.ExportStagingPath = cmd.StagingPath
	}
	b.events = append(b.events, e)
}

// AddCompleted records a completion. Variant-ignored completions close the
// loop for destinations that never see the command.
func (b *Batch) AddCompleted(cmd *command.Command, agentID, assetGroupID string, ignoredByVariant bool, variantIDs []string) {
	e := b.base(KindCompleted, cmd, agentID, assetGroupID)
	e.IgnoredByVariant = ignoredByVariant
	e.VariantIDs = append([]string(nil), variantIDs...)
	b.events = append(b.events, e)
}

// AddDropped records a destination that will not receive the command.
func (b *Batch) AddDropped(cmd *command.Command, agentID, assetGroupID, reason string) {
	e := b.base(KindDropped, cmd, agentID, assetGroupID)
	e.Reason = reason
	b.events = append(b.events, e)
}

func (b *Batch) Events() []Event { return b.events }

func (b *Batch) Len() int { return len(b.events) }
