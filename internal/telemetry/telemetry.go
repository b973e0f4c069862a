// Package telemetry answers reconciliation queries against the lifecycle
// event log and serves partition-size telemetry for moniker rebalancing.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/events"
	"github.com/withObsrvr/obsrvr-command-router/internal/moniker"
)

// Observation is the earliest started and completed signal seen for one
// destination of a command. Either may be nil; event batching means a
// completion can be visible before its start.
type Observation struct {
	CommandID    command.ID
	AgentID      string
	AssetGroupID string
	Started      *time.Time
	Completed    *time.Time
}

type obsKey struct {
	id    command.ID
	agent string
	ag    string
}

// Memory keeps observations in process. It doubles as an events.Sink so a
// single binary can reconcile against the events it published itself.
type Memory struct {
	mu    sync.RWMutex
	obs   map[obsKey]*Observation
	sizes map[string]moniker.PartitionSizes
}

func NewMemory() *Memory {
	return &Memory{
		obs:   make(map[obsKey]*Observation),
		sizes: make(map[string]moniker.PartitionSizes),
	}
}

var _ events.Sink = (*Memory)(nil)

func (m *Memory) PublishBatch(_ context.Context, evts []events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range evts {
		e := &evts[i]
		var field **time.Time
		o := m.entry(e.CommandID, e.AgentID, e.AssetGroupID)
		switch e.Kind {
		case events.KindStarted:
			field = &o.Started
		case events.KindCompleted:
			field = &o.Completed
		default:
			continue
		}
		ts := e.Timestamp
		if *field == nil || ts.Before(**field) {
			*field = &ts
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) entry(id command.ID, agentID, assetGroupID string) *Observation {
	k := obsKey{id, agentID, assetGroupID}
	o, ok := m.obs[k]
	if !ok {
		o = &Observation{CommandID: id, AgentID: agentID, AssetGroupID: assetGroupID}
		m.obs[k] = o
	}
	return o
}

// Observations returns what is known for the given commands. since is
// ignored; memory never ages out.
func (m *Memory) Observations(_ context.Context, ids []command.ID, _ time.Time) ([]Observation, error) {
	want := make(map[command.ID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Observation
	for k, o := range m.obs {
		if _, ok := want[k.id]; ok {
			out = append(out, *o)
		}
	}
	return out, nil
}

// SetPartitionSizes replaces the sizes of one (kind, agent, asset group).
func (m *Memory) SetPartitionSizes(kind command.QueueStorageKind, agentID, assetGroupID string, sizes moniker.PartitionSizes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[string(kind)+"|"+agentID+"|"+assetGroupID] = sizes
}

func (m *Memory) PartitionSizes(_ context.Context, kind command.QueueStorageKind, agentID, assetGroupID string) (moniker.PartitionSizes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizes[string(kind)+"|"+agentID+"|"+assetGroupID], nil
}
