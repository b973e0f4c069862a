package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Moniker    MonikerConfig
	WorkItems  WorkItemConfig
	History    HistoryConfig
	Events     EventsConfig
	Telemetry  TelemetryConfig
	Snapshot   SnapshotConfig
	Flights    FlightsConfig
	Storage    StorageConfig
	Audit      AuditConfig
	FanOut     FanOutConfig
	Recovery   RecoveryConfig
	Completion CompletionConfig
	Batch      BatchConfig
}

type LoggingConfig struct {
	Format string
	Level  string
}

type MetricsConfig struct {
	Enabled   bool
	Address   string
	Namespace string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Backend           string // "memory" | "redis"
	DelayBetweenItems time.Duration
}

type MonikerConfig struct {
	ShardsFile            string
	RefreshInterval       time.Duration
	PartitionSizeRefresh  time.Duration
	RebalanceFreshness    time.Duration
	RebalanceMinCoverage  float64
	RebalanceTriggerBytes int64
}

type WorkItemConfig struct {
	Backend         string // "memory" | "redis"
	Workers         int
	PollInterval    time.Duration
	Lease           time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	MaxMessageBytes int
}

type HistoryConfig struct {
	Backend     string // "memory" | "postgres"
	PostgresDSN string
	TTL         time.Duration
}

type EventsConfig struct {
	Sink        string // "noop" | "file" | "http" | "postgres"
	Endpoint    string
	BackupDir   string
	PostgresDSN string
}

type TelemetryConfig struct {
	PostgresDSN string
}

type SnapshotConfig struct {
	Dir string
}

type FlightsConfig struct {
	File  string
	Watch bool
}

type StorageConfig struct {
	Backend    string // "local" | "gcs" | "s3" | "mem"
	Bucket     string
	Prefix     string
	LocalDir   string
	S3Endpoint string
	S3Region   string
}

type AuditConfig struct {
	Enabled       bool
	FlushRows     int
	FlushInterval time.Duration
}

type FanOutConfig struct {
	Threshold int
	RetryMin  time.Duration
	RetryMax  time.Duration
}

type RecoveryConfig struct {
	Enabled        bool
	WindowLag      time.Duration
	WindowSize     time.Duration
	Interval       time.Duration
	CheckpointDir  string // empty keeps checkpoints in the object store
	PageSize       int
	ReconcileBatch int
}

type CompletionConfig struct {
	InitialDelay     time.Duration
	NotCompleteDelay time.Duration
}

type BatchConfig struct {
	SmoothedTypes      []string
	SmoothingPerSecond float64
	SmoothingBurst     int
}

// MustLoad reads the router configuration from the environment. Values that
// fail to parse fall back to their defaults.
func MustLoad() Config {
	log.Println("[config] loading")

	return Config{
		Logging: LoggingConfig{
			Format: getenvDefault("LOG_FORMAT", "json"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled:   getenvBool("METRICS_ENABLED", true),
			Address:   getenvDefault("METRICS_ADDR", ":9090"),
			Namespace: getenvDefault("METRICS_NAMESPACE", "command_router"),
		},
		Redis: RedisConfig{
			Addr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Backend:           getenvDefault("QUEUE_BACKEND", "memory"),
			DelayBetweenItems: getenvDuration("QUEUE_DELAY_BETWEEN_ITEMS", 250*time.Millisecond),
		},
		Moniker: MonikerConfig{
			ShardsFile:            getenvDefault("MONIKER_SHARDS_FILE", "./config/shards.yaml"),
			RefreshInterval:       getenvDuration("MONIKER_REFRESH_INTERVAL", 30*time.Second),
			PartitionSizeRefresh:  getenvDuration("MONIKER_PARTITION_SIZE_REFRESH", 5*time.Minute),
			RebalanceFreshness:    getenvDuration("MONIKER_REBALANCE_FRESHNESS", 6*time.Hour),
			RebalanceMinCoverage:  getenvFloat("MONIKER_REBALANCE_MIN_COVERAGE", 0.8),
			RebalanceTriggerBytes: int64(getenvInt("MONIKER_REBALANCE_TRIGGER_GB", 10)) << 30,
		},
		WorkItems: WorkItemConfig{
			Backend:         getenvDefault("WORKITEM_BACKEND", "memory"),
			Workers:         getenvInt("WORKITEM_WORKERS", 8),
			PollInterval:    getenvDuration("WORKITEM_POLL_INTERVAL", 500*time.Millisecond),
			Lease:           getenvDuration("WORKITEM_LEASE", 5*time.Minute),
			MinBackoff:      getenvDuration("WORKITEM_MIN_BACKOFF", 5*time.Second),
			MaxBackoff:      getenvDuration("WORKITEM_MAX_BACKOFF", 2*time.Minute),
			MaxMessageBytes: getenvInt("WORKITEM_MAX_MESSAGE_BYTES", 64*1024),
		},
		History: HistoryConfig{
			Backend:     getenvDefault("HISTORY_BACKEND", "memory"),
			PostgresDSN: os.Getenv("HISTORY_DSN"),
			TTL:         getenvDuration("HISTORY_TTL", 30*24*time.Hour),
		},
		Events: EventsConfig{
			Sink:        getenvDefault("EVENTS_SINK", "noop"),
			Endpoint:    os.Getenv("EVENTS_ENDPOINT"),
			BackupDir:   getenvDefault("EVENTS_BACKUP_DIR", "./state/events"),
			PostgresDSN: os.Getenv("EVENTS_DSN"),
		},
		Telemetry: TelemetryConfig{
			PostgresDSN: os.Getenv("TELEMETRY_DSN"),
		},
		Snapshot: SnapshotConfig{
			Dir: getenvDefault("SNAPSHOT_DIR", "./config/snapshots"),
		},
		Flights: FlightsConfig{
			File:  getenvDefault("FLIGHTS_FILE", "./config/flights.yaml"),
			Watch: getenvBool("FLIGHTS_WATCH", true),
		},
		Storage: StorageConfig{
			Backend:    getenvDefault("STORAGE_BACKEND", "local"),
			Bucket:     os.Getenv("STORAGE_BUCKET"),
			Prefix:     getenvDefault("STORAGE_PREFIX", "router/"),
			LocalDir:   getenvDefault("LOCAL_DIR", "./data"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
			S3Region:   os.Getenv("S3_REGION"),
		},
		Audit: AuditConfig{
			Enabled:       getenvBool("AUDIT_ENABLED", false),
			FlushRows:     getenvInt("AUDIT_FLUSH_ROWS", 5000),
			FlushInterval: getenvDuration("AUDIT_FLUSH_INTERVAL", time.Minute),
		},
		FanOut: FanOutConfig{
			Threshold: getenvInt("FANOUT_THRESHOLD", 10),
			RetryMin:  getenvDuration("FANOUT_RETRY_MIN", 30*time.Second),
			RetryMax:  getenvDuration("FANOUT_RETRY_MAX", 5*time.Minute),
		},
		Recovery: RecoveryConfig{
			Enabled:        getenvBool("RECOVERY_ENABLED", false),
			WindowLag:      getenvDuration("RECOVERY_WINDOW_LAG", time.Hour),
			WindowSize:     getenvDuration("RECOVERY_WINDOW_SIZE", time.Hour),
			Interval:       getenvDuration("RECOVERY_INTERVAL", 15*time.Minute),
			CheckpointDir:  getenvDefault("RECOVERY_CHECKPOINT_DIR", "./state/recovery"),
			PageSize:       getenvInt("RECOVERY_PAGE_SIZE", 20),
			ReconcileBatch: getenvInt("RECOVERY_RECONCILE_BATCH", 10),
		},
		Completion: CompletionConfig{
			InitialDelay:     getenvDuration("COMPLETION_INITIAL_DELAY", time.Hour),
			NotCompleteDelay: getenvDuration("COMPLETION_NOT_COMPLETE_DELAY", 6*time.Hour),
		},
		Batch: BatchConfig{
			SmoothedTypes:      getenvList("BATCH_SMOOTHED_TYPES", []string{"AgeOut"}),
			SmoothingPerSecond: getenvFloat("BATCH_SMOOTHING_PER_SECOND", 50),
			SmoothingBurst:     getenvInt("BATCH_SMOOTHING_BURST", 100),
		},
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
