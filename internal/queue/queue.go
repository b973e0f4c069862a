// Package queue stores per-destination commands on sharded durable queues and
// exposes them through round-robin multi-queues.
//
// The router itself only writes (Enqueue, Upsert) and administers (Stats,
// FlushByDate). Pop and the receipt operations (Replace, Delete,
// QueryCommand), along with NewLogicalQueue, serve the agent-facing read
// side, which runs in a separate process and is not part of this module.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

var (
	// ErrConflict is returned when a command is already stored in a partition.
	ErrConflict = errors.New("command already enqueued")

	// ErrUnsupportedReceipt is returned when no underlying queue owns a receipt.
	ErrUnsupportedReceipt = errors.New("unsupported lease receipt")

	// ErrLeaseLost is returned when a receipt no longer holds the lease.
	ErrLeaseLost = errors.New("lease lost")

	// ErrNotFound is returned when the command behind a receipt is gone.
	ErrNotFound = errors.New("command not found")

	// ErrNoRoute is returned when a write matches no underlying queue.
	ErrNoRoute = errors.New("no queue for routing key")
)

// Priority selects a polling ring.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// Item is one leased command.
type Item struct {
	Command *command.Command
	Receipt LeaseReceipt
}

// Stats describes one partition.
type Stats struct {
	Moniker       string
	AgentID       string
	AssetGroupID  string
	SubjectType   command.SubjectType
	Kind          command.QueueStorageKind
	Pending       int64
	Leased        int64
	OldestCreated time.Time
}

// PartitionKey identifies one (agent, asset group, subject type, storage
// kind) partition inside a shard.
type PartitionKey struct {
	AgentID      string
	AssetGroupID string
	SubjectType  command.SubjectType
	Kind         command.QueueStorageKind
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.AgentID, k.AssetGroupID, k.SubjectType, k.Kind)
}

// CommandQueue is the queue contract shared by single partitions and
// multi-queues.
type CommandQueue interface {
	// Enqueue stores a command. ErrConflict if it is already stored.
	Enqueue(ctx context.Context, moniker string, cmd *command.Command) error

	// Upsert stores a command, replacing an existing copy.
	Upsert(ctx context.Context, moniker string, cmd *command.Command) error

	// Pop leases up to maxItems visible commands.
	Pop(ctx context.Context, maxItems int, lease time.Duration, prio Priority) ([]Item, error)

	SupportsLeaseReceipt(r LeaseReceipt) bool

	// Replace extends a lease, optionally swapping the stored command.
	Replace(ctx context.Context, r LeaseReceipt, cmd *command.Command, lease time.Duration) (LeaseReceipt, error)

	Delete(ctx context.Context, r LeaseReceipt) error

	QueryCommand(ctx context.Context, r LeaseReceipt) (*command.Command, error)

	Stats(ctx context.Context) ([]Stats, error)

	// FlushByDate removes commands created before a cutoff and returns how
	// many were removed.
	FlushByDate(ctx context.Context, before time.Time) (int, error)
}

// Routed is a CommandQueue addressable by a routing key.
type Routed interface {
	CommandQueue
	RoutingKey() string
}

// LogicalKey is the composite routing key of a destination queue.
func LogicalKey(subject command.SubjectType, assetGroupID string, kind command.QueueStorageKind) string {
	return fmt.Sprintf("%s|%s|%s", subject, assetGroupID, kind)
}
