package queue

import (
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// Factory builds destination queues over a fixed set of shards.
type Factory struct {
	shards map[command.QueueStorageKind][]Backend
	delay  time.Duration
}

// NewFactory groups backends by storage kind. delay is the minimum interval
// between two polls of the same partition.
func NewFactory(backends []Backend, delay time.Duration) *Factory {
	shards := make(map[command.QueueStorageKind][]Backend)
	for _, b := range backends {
		shards[b.Kind()] = append(shards[b.Kind()], b)
	}
	for kind := range shards {
		list := shards[kind]
		sort.Slice(list, func(i, j int) bool { return list[i].Moniker() < list[j].Moniker() })
	}
	return &Factory{shards: shards, delay: delay}
}

// Monikers lists the shards of a storage kind.
func (f *Factory) Monikers(kind command.QueueStorageKind) []string {
	out := make([]string, 0, len(f.shards[kind]))
	for _, b := range f.shards[kind] {
		out = append(out, b.Moniker())
	}
	return out
}

// Create returns the queue of one destination: its partition on every shard
// of the storage kind, written by moniker and read round-robin.
func (f *Factory) Create(agentID, assetGroupID string, subject command.SubjectType, kind command.QueueStorageKind) *RoundRobin {
	key := PartitionKey{
		AgentID:      agentID,
		AssetGroupID: assetGroupID,
		SubjectType:  subject,
		Kind:         kind,
	}
	children := make([]Routed, 0, len(f.shards[kind]))
	for _, b := range f.shards[kind] {
		children = append(children, NewPartitionQueue(b, key))
	}
	return NewMonikerQueue(LogicalKey(subject, assetGroupID, kind), children, f.delay)
}

// CreateForAgent returns a queue over every partition of an agent. Writes
// are routed by the command's own scope.
func (f *Factory) CreateForAgent(agentID string, keys []PartitionKey) *RoundRobin {
	children := make([]Routed, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		q := f.Create(agentID, k.AssetGroupID, k.SubjectType, k.Kind)
		if seen[q.RoutingKey()] {
			continue
		}
		seen[q.RoutingKey()] = true
		children = append(children, q)
	}
	return NewLogicalQueue(agentID, children, 0)
}
