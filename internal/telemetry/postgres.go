package telemetry

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/moniker"
)

//go:embed schema.sql
var schemaSQL string

const observationsSQL = `SELECT command_id::text, agent_id, asset_group_id,
	MIN(occurred_at) FILTER (WHERE event_type = 'command_started'),
	MIN(occurred_at) FILTER (WHERE event_type = 'command_completed')
FROM lifecycle_events
WHERE command_id = ANY($1::uuid[]) AND occurred_at >= $2
GROUP BY command_id, agent_id, asset_group_id`

const partitionSizesSQL = `SELECT moniker, size_bytes, collected_at
FROM partition_sizes
WHERE storage_kind = $1 AND agent_id = $2 AND asset_group_id = $3`

// Postgres reads telemetry from the lifecycle event tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL telemetry reader.
func NewPostgres(dsn string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[telemetry] connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

// Observations returns the earliest started and completed time per
// destination of the given commands, looking at events since the given time.
func (p *Postgres) Observations(ctx context.Context, ids []command.ID, since time.Time) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	guids := make([]string, len(ids))
	for i, id := range ids {
		guids[i] = id.GUID()
	}

	rows, err := p.pool.Query(ctx, observationsSQL, guids, since)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Observation, error) {
		var (
			o    Observation
			guid string
		)
		if err := row.Scan(&guid, &o.AgentID, &o.AssetGroupID, &o.Started, &o.Completed); err != nil {
			return o, err
		}
		id, err := command.ParseID(guid)
		if err != nil {
			return o, err
		}
		o.CommandID = id
		return o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan observations: %w", err)
	}
	return out, nil
}

// PartitionSizes implements moniker.PartitionSizeSource. CollectedAt is the
// oldest sample so freshness checks cover every partition.
func (p *Postgres) PartitionSizes(ctx context.Context, kind command.QueueStorageKind, agentID, assetGroupID string) (moniker.PartitionSizes, error) {
	rows, err := p.pool.Query(ctx, partitionSizesSQL, string(kind), agentID, assetGroupID)
	if err != nil {
		return moniker.PartitionSizes{}, fmt.Errorf("query partition sizes: %w", err)
	}
	defer rows.Close()

	sizes := moniker.PartitionSizes{Bytes: make(map[string]int64)}
	for rows.Next() {
		var (
			name      string
			bytes     int64
			collected time.Time
		)
		if err := rows.Scan(&name, &bytes, &collected); err != nil {
			return moniker.PartitionSizes{}, fmt.Errorf("scan partition size: %w", err)
		}
		sizes.Bytes[name] = bytes
		if sizes.CollectedAt.IsZero() || collected.Before(sizes.CollectedAt) {
			sizes.CollectedAt = collected
		}
	}
	if err := rows.Err(); err != nil {
		return moniker.PartitionSizes{}, fmt.Errorf("iterate partition sizes: %w", err)
	}
	return sizes, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
