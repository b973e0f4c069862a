package queue

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// Backend is one physical queue shard. It stores many partitions, each
// addressed by a PartitionKey.
type Backend interface {
	Moniker() string
	Kind() command.QueueStorageKind

	Enqueue(ctx context.Context, key PartitionKey, cmd *command.Command, upsert bool) error
	Pop(ctx context.Context, key PartitionKey, maxItems int, lease time.Duration) ([]Item, error)
	Replace(ctx context.Context, key PartitionKey, r LeaseReceipt, cmd *command.Command, lease time.Duration) (LeaseReceipt, error)
	Delete(ctx context.Context, key PartitionKey, r LeaseReceipt) error
	Query(ctx context.Context, key PartitionKey, r LeaseReceipt) (*command.Command, error)
	Stats(ctx context.Context, key PartitionKey) (Stats, error)
	FlushByDate(ctx context.Context, key PartitionKey, before time.Time) (int, error)
}

// partitionQueue is a single partition on a single shard.
type partitionQueue struct {
	backend Backend
	key     PartitionKey
}

// NewPartitionQueue binds a partition key to a shard. Its routing key is the
// shard's moniker.
func NewPartitionQueue(b Backend, key PartitionKey) Routed {
	return &partitionQueue{backend: b, key: key}
}

func (p *partitionQueue) RoutingKey() string { return p.backend.Moniker() }

func (p *partitionQueue) Enqueue(ctx context.Context, _ string, cmd *command.Command) error {
	return p.backend.Enqueue(ctx, p.key, cmd, false)
}

func (p *partitionQueue) Upsert(ctx context.Context, _ string, cmd *command.Command) error {
	return p.backend.Enqueue(ctx, p.key, cmd, true)
}

func (p *partitionQueue) Pop(ctx context.Context, maxItems int, lease time.Duration, _ Priority) ([]Item, error) {
	return p.backend.Pop(ctx, p.key, maxItems, lease)
}

func (p *partitionQueue) SupportsLeaseReceipt(r LeaseReceipt) bool {
	return r.DatabaseMoniker == p.backend.Moniker() && r.PartitionKey() == p.key
}

func (p *partitionQueue) Replace(ctx context.Context, r LeaseReceipt, cmd *command.Command, lease time.Duration) (LeaseReceipt, error) {
	if !p.SupportsLeaseReceipt(r) {
		return LeaseReceipt{}, ErrUnsupportedReceipt
	}
	return p.backend.Replace(ctx, p.key, r, cmd, lease)
}

func (p *partitionQueue) Delete(ctx context.Context, r LeaseReceipt) error {
	if !p.SupportsLeaseReceipt(r) {
		return ErrUnsupportedReceipt
	}
	return p.backend.Delete(ctx, p.key, r)
}

func (p *partitionQueue) QueryCommand(ctx context.Context, r LeaseReceipt) (*command.Command, error) {
	if !p.SupportsLeaseReceipt(r) {
		return nil, ErrUnsupportedReceipt
	}
	return p.backend.Query(ctx, p.key, r)
}

func (p *partitionQueue) Stats(ctx context.Context) ([]Stats, error) {
	s, err := p.backend.Stats(ctx, p.key)
	if err != nil {
		return nil, err
	}
	return []Stats{s}, nil
}

func (p *partitionQueue) FlushByDate(ctx context.Context, before time.Time) (int, error) {
	return p.backend.FlushByDate(ctx, p.key, before)
}
