package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-command-router/internal/audit"
	"github.com/withObsrvr/obsrvr-command-router/internal/batch"
	"github.com/withObsrvr/obsrvr-command-router/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/completion"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/events"
	"github.com/withObsrvr/obsrvr-command-router/internal/exportstore"
	"github.com/withObsrvr/obsrvr-command-router/internal/fanout"
	"github.com/withObsrvr/obsrvr-command-router/internal/filterroute"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/history"
	"github.com/withObsrvr/obsrvr-command-router/internal/ingest"
	"github.com/withObsrvr/obsrvr-command-router/internal/moniker"
	"github.com/withObsrvr/obsrvr-command-router/internal/queue"
	"github.com/withObsrvr/obsrvr-command-router/internal/recovery"
	"github.com/withObsrvr/obsrvr-command-router/internal/snapshot"
	"github.com/withObsrvr/obsrvr-command-router/internal/storage"
	"github.com/withObsrvr/obsrvr-command-router/internal/telemetry"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

// telemetrySource is what the router reads from the lifecycle event log.
type telemetrySource interface {
	recovery.Observer
	moniker.PartitionSizeSource
}

// app holds every long-lived component of the router process.
type app struct {
	cfg config.Config

	redis     redis.UniversalClient
	flights   flights.Evaluator
	watcher   *flights.FileEvaluator
	snapshots snapshot.Provider
	assignor  *moniker.Assignor
	queues    *queue.Factory
	history   history.Store
	sink      events.Sink
	telemetry telemetrySource
	blobs     storage.Store
	exports   *exportstore.Manager
	auditor   *audit.ParquetLogger
	runner    *workitem.Runner
	scheduler *recovery.Scheduler

	closers []io.Closer
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Queue.Backend == "redis" || cfg.WorkItems.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, a.redis)
		log.Printf("[main] connected to redis %s", cfg.Redis.Addr)
	}

	if err := a.initFlights(); err != nil {
		return err
	}

	snaps, err := snapshot.NewFileProvider(cfg.Snapshot.Dir)
	if err != nil {
		return fmt.Errorf("open snapshots: %w", err)
	}
	a.snapshots = snaps

	if err := a.initTelemetry(); err != nil {
		return err
	}

	shards, err := a.initMonikers(ctx)
	if err != nil {
		return err
	}
	a.initQueues(shards)

	if err := a.initHistory(ctx); err != nil {
		return err
	}

	sink, err := events.NewSink(cfg.Events)
	if err != nil {
		return fmt.Errorf("create event sink: %w", err)
	}
	if mem, ok := a.telemetry.(*telemetry.Memory); ok {
		sink = events.Tee{sink, mem}
	}
	a.sink = sink
	a.closers = append(a.closers, sink)

	blobs, err := storage.NewStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	a.blobs = blobs
	a.closers = append(a.closers, blobs)
	a.exports = exportstore.New(blobs)

	if cfg.Audit.Enabled {
		a.auditor = audit.NewParquetLogger(blobs, cfg.Audit)
	}

	return a.initStages()
}

func (a *app) initFlights() error {
	path := a.cfg.Flights.File
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("[main] flights file %s not found, all flights off", path)
		a.flights = flights.Static{}
		return nil
	}
	fe, err := flights.NewFileEvaluator(path)
	if err != nil {
		return fmt.Errorf("load flights: %w", err)
	}
	a.flights = fe
	if a.cfg.Flights.Watch {
		a.watcher = fe
	}
	return nil
}

func (a *app) initTelemetry() error {
	if a.cfg.Telemetry.PostgresDSN == "" {
		log.Println("[main] no telemetry database, reconciling against in-process events")
		a.telemetry = telemetry.NewMemory()
		return nil
	}
	pg, err := telemetry.NewPostgres(a.cfg.Telemetry.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect telemetry: %w", err)
	}
	a.telemetry = pg
	a.closers = append(a.closers, pg)
	return nil
}

func (a *app) initMonikers(ctx context.Context) ([]moniker.Shard, error) {
	mc := a.cfg.Moniker
	var source moniker.ShardSource = moniker.FileShardSource{Path: mc.ShardsFile}
	if _, err := os.Stat(mc.ShardsFile); errors.Is(err, os.ErrNotExist) {
		log.Printf("[main] shards file %s not found, using a single shard per storage kind", mc.ShardsFile)
		source = moniker.StaticShards{
			{Moniker: "document-0", Kind: command.StorageDocument, Weight: 1},
			{Moniker: "queue-0", Kind: command.StorageQueue, Weight: 1},
		}
	}

	shards, err := source.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("load shards: %w", err)
	}

	a.assignor = moniker.NewAssignor(source, a.telemetry, moniker.Config{
		RefreshInterval:      mc.RefreshInterval,
		PartitionSizeRefresh: mc.PartitionSizeRefresh,
		Rebalance: moniker.RebalanceConfig{
			Freshness:    mc.RebalanceFreshness,
			MinCoverage:  mc.RebalanceMinCoverage,
			TriggerBytes: mc.RebalanceTriggerBytes,
		},
		Fallback: shards,
	})
	return shards, nil
}

// initQueues opens one backend per configured shard. Disabled shards stay
// readable so their backlog drains.
func (a *app) initQueues(shards []moniker.Shard) {
	backends := make([]queue.Backend, 0, len(shards))
	for _, s := range shards {
		if a.cfg.Queue.Backend == "redis" {
			backends = append(backends, queue.NewRedisBackend(a.redis, s.Moniker, s.Kind))
		} else {
			backends = append(backends, queue.NewMemoryBackend(s.Moniker, s.Kind))
		}
	}
	a.queues = queue.NewFactory(backends, a.cfg.Queue.DelayBetweenItems)
	log.Printf("[main] %d queue shards (%s)", len(backends), a.cfg.Queue.Backend)
}

func (a *app) initHistory(ctx context.Context) error {
	hc := a.cfg.History
	switch hc.Backend {
	case "", "memory":
		log.Println("[main] command history kept in memory")
		a.history = history.NewMemoryStore()
	case "postgres":
		store, err := history.OpenSQLStore(ctx, hc.PostgresDSN, hc.TTL)
		if err != nil {
			return fmt.Errorf("open command history: %w", err)
		}
		a.history = store
		a.closers = append(a.closers, store)
	default:
		return fmt.Errorf("unknown history backend %q", hc.Backend)
	}
	return nil
}

// initStages creates the work-item queues and registers every stage.
func (a *app) initStages() error {
	cfg := a.cfg

	var backend workitem.Backend
	if cfg.WorkItems.Backend == "redis" {
		backend = workitem.NewRedisBackend(a.redis)
	} else {
		backend = workitem.NewMemoryBackend()
	}
	maxBytes := cfg.WorkItems.MaxMessageBytes

	batchQ := workitem.NewQueue[batch.WorkItem](backend, batch.QueueName, maxBytes)
	routeQ := workitem.NewQueue[filterroute.WorkItem](backend, filterroute.QueueName, maxBytes)
	whatIfQ := workitem.NewQueue[filterroute.WorkItem](backend, filterroute.WhatIfQueueName, maxBytes)
	fanOutQ := workitem.NewQueue[fanout.WorkItem](backend, fanout.QueueName, maxBytes)
	completionQ := workitem.NewQueue[completion.WorkItem](backend, completion.QueueName, maxBytes)
	recoveryQ := workitem.NewQueue[recovery.WorkItem](backend, recovery.QueueName, maxBytes)

	var auditor audit.Logger = audit.Noop{}
	if a.auditor != nil {
		auditor = a.auditor
	}
	deps := filterroute.Deps{
		Snapshots: a.snapshots,
		Flights:   a.flights,
		Monikers:  a.assignor,
		Exports:   a.exports,
		Auditor:   auditor,
	}
	live := &filterroute.Live{
		History:         a.history,
		Sink:            a.sink,
		Exports:         a.exports,
		FanOut:          fanOutQ,
		Completion:      completionQ,
		CompletionDelay: cfg.Completion.InitialDelay,
	}
	ingester := ingest.New(a.queues, a.flights, a.exports, a.sink)

	a.runner = workitem.NewRunner(backend, workitem.RunnerConfig{
		Workers:      cfg.WorkItems.Workers,
		PollInterval: cfg.WorkItems.PollInterval,
		Lease:        cfg.WorkItems.Lease,
		MinBackoff:   cfg.WorkItems.MinBackoff,
		MaxBackoff:   cfg.WorkItems.MaxBackoff,
	})
	workitem.Register(a.runner, batchQ, batch.NewPublisher(a.snapshots, a.flights, routeQ, whatIfQ, cfg.Batch))
	workitem.Register(a.runner, routeQ, filterroute.NewHandler(deps, live))
	workitem.Register(a.runner, whatIfQ, filterroute.NewWhatIfHandler(deps))
	workitem.Register(a.runner, fanOutQ, fanout.NewHandler(ingester, fanOutQ, cfg.FanOut))
	workitem.Register(a.runner, completionQ, completion.NewHandler(a.history, a.exports, cfg.Completion))
	workitem.Register(a.runner, recoveryQ, recovery.NewHandler(a.history, a.telemetry, a.snapshots, a.flights, a.assignor, fanOutQ, cfg.Recovery))

	if cfg.Recovery.Enabled {
		cp := checkpoint.NewStoreManager(a.blobs)
		if dir := cfg.Recovery.CheckpointDir; dir != "" {
			var err error
			if cp, err = checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: dir}); err != nil {
				return err
			}
		}
		a.scheduler = recovery.NewScheduler("ingestion-recovery", recoveryQ, cp, cfg.Recovery)
	}
	return nil
}

// Run starts every background loop and blocks until ctx is cancelled or one
// of them fails.
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runner.Run(ctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Watch(ctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(ctx) })
	}
	if a.auditor != nil {
		g.Go(func() error {
			a.auditor.Run(ctx, a.cfg.Audit.FlushInterval)
			return nil
		})
	}

	log.Println("[main] command router running")
	return g.Wait()
}

// destinationQueues opens the queue of every destination in the current
// snapshot, once per storage kind its subjects can land in.
func (a *app) destinationQueues(ctx context.Context) ([]*queue.RoundRobin, error) {
	snap, err := a.snapshots.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current snapshot: %w", err)
	}
	subjects := []struct {
		subject command.SubjectType
		kind    command.QueueStorageKind
	}{
		{command.SubjectMSA, command.StorageDocument},
		{command.SubjectDevice, command.StorageDocument},
		{command.SubjectAAD, command.StorageQueue},
	}

	var out []*queue.RoundRobin
	for _, agent := range snap.Agents {
		for _, ag := range agent.AssetGroups {
			for _, s := range subjects {
				out = append(out, a.queues.Create(agent.ID, ag.ID, s.subject, s.kind))
			}
		}
	}
	return out, nil
}

// QueueStats aggregates the statistics of every destination queue.
func (a *app) QueueStats(ctx context.Context) ([]queue.Stats, error) {
	qs, err := a.destinationQueues(ctx)
	if err != nil {
		return nil, err
	}
	var all []queue.Stats
	for _, q := range qs {
		s, err := q.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q.RoutingKey(), err)
		}
		all = append(all, s...)
	}
	return all, nil
}

// FlushQueues deletes every queued command created before cutoff.
func (a *app) FlushQueues(ctx context.Context, cutoff time.Time) (int, error) {
	qs, err := a.destinationQueues(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, q := range qs {
		n, err := q.FlushByDate(ctx, cutoff)
		total += n
		if err != nil {
			return total, fmt.Errorf("flush %s: %w", q.RoutingKey(), err)
		}
	}
	return total, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	if a.auditor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.auditor.Close(ctx); err != nil {
			log.Printf("[main] audit flush on close: %v", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Printf("[main] close: %v", err)
		}
	}
}
