package events

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

const insertEventSQL = `INSERT INTO lifecycle_events (
	event_id, event_type, occurred_at, command_id, command_type, agent_id, asset_group_id,
	moniker, ignored_by_variant, reason, prev_event_hash, event_hash, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (event_id) DO NOTHING`

// PostgresSink writes events into the lifecycle_events table that telemetry
// reads back.
type PostgresSink struct {
	pool         *pgxpool.Pool
	mu           sync.Mutex
	chainTracker *ChainTracker
}

// NewPostgresSink connects to dsn and creates the events table.
func NewPostgresSink(dsn, stateDir string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
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

	chainTracker, err := NewChainTracker(stateDir)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	log.Println("[events] connected to PostgreSQL event store")
	return &PostgresSink{pool: pool, chainTracker: chainTracker}, nil
}

func (s *PostgresSink) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	heads := s.chainTracker.Link(events)

	batch := &pgx.Batch{}
	for i := range events {
		args, err := eventArgs(&events[i])
		if err != nil {
			return err
		}
		batch.Queue(insertEventSQL, args...)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncEventErrors(metrics.Labels{Sink: "postgres"})
		}
		return fmt.Errorf("insert events: %w", err)
	}

	if err := s.chainTracker.Commit(heads); err != nil {
		log.Printf("[events] warning: failed to update chain heads: %v", err)
	}
	return nil
}

// eventArgs flattens an event into insert parameters. Command ids are stored
// in GUID form.
func eventArgs(e *Event) ([]any, error) {
	id, err := uuid.Parse(string(e.CommandID))
	if err != nil {
		return nil, fmt.Errorf("event %s: command id: %w", e.EventID, err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event %s: marshal: %w", e.EventID, err)
	}
	return []any{
		e.EventID, string(e.Kind), e.Timestamp, id.String(), e.CommandType.String(),
		e.AgentID, e.AssetGroupID, nullable(e.Moniker), e.IgnoredByVariant,
		nullable(e.Reason), nullable(e.Chain.PrevEventHash), e.Chain.EventHash, payload,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
