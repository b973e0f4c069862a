// Package audit writes filter-and-route decisions as parquet files for
// offline analysis. Writing is best effort: failures are logged, never
// returned to the routing path.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/storage"
)

// Row is one applicability decision for one destination.
type Row struct {
	CommandID    string    `parquet:"command_id"`
	CommandType  string    `parquet:"command_type"`
	AgentID      string    `parquet:"agent_id"`
	AssetGroupID string    `parquet:"asset_group_id"`
	Applicable   bool      `parquet:"applicable"`
	Reason       string    `parquet:"reason"`
	Description  string    `parquet:"description"`
	VariantIDs   []string  `parquet:"variant_ids"`
	Moniker      string    `parquet:"moniker"`
	DataSetVer   int64     `parquet:"data_set_version"`
	IsWhatIf     bool      `parquet:"is_what_if"`
	LoggedAt     time.Time `parquet:"logged_at,timestamp(millisecond)"`
}

// Logger accepts filter results.
type Logger interface {
	LogFilterResults(ctx context.Context, rows []Row)
}

// Noop discards rows.
type Noop struct{}

func (Noop) LogFilterResults(context.Context, []Row) {}

// ParquetLogger buffers rows and writes them as zstd-compressed parquet
// files under audit/dt=YYYY-MM-DD/.
type ParquetLogger struct {
	store     storage.Store
	flushRows int
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	buf    []Row
	wg     sync.WaitGroup
	closed bool
}

func NewParquetLogger(store storage.Store, cfg config.AuditConfig) *ParquetLogger {
	flushRows := cfg.FlushRows
	if flushRows <= 0 {
		flushRows = 1000
	}
	return &ParquetLogger{
		store:     store,
		flushRows: flushRows,
		log:       logging.Component("audit"),
		now:       time.Now,
	}
}

// LogFilterResults never blocks on storage: a full buffer is handed to a
// background flush.
func (l *ParquetLogger) LogFilterResults(_ context.Context, rows []Row) {
	if len(rows) == 0 {
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.buf = append(l.buf, rows...)
	var full []Row
	if len(l.buf) >= l.flushRows {
		full = l.buf
		l.buf = nil
	}
	if full != nil {
		l.wg.Add(1)
	}
	l.mu.Unlock()

	if full != nil {
		go func() {
			defer l.wg.Done()
			if err := l.write(context.Background(), full); err != nil {
				l.log.Error("audit flush failed", "rows", len(full), "error", err)
			}
		}()
	}
}

// Flush writes whatever is buffered.
func (l *ParquetLogger) Flush(ctx context.Context) error {
	l.mu.Lock()
	rows := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	return l.write(ctx, rows)
}

// Run flushes on a fixed interval until ctx is done.
func (l *ParquetLogger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.log.Error("audit flush failed", "error", err)
			}
		}
	}
}

// Close stops accepting rows, writes what is buffered and waits for
// background writes.
func (l *ParquetLogger) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	rows := l.buf
	l.buf = nil
	l.mu.Unlock()

	var err error
	if len(rows) > 0 {
		err = l.write(ctx, rows)
	}
	l.wg.Wait()
	return err
}

func (l *ParquetLogger) write(ctx context.Context, rows []Row) error {
	data, err := encodeRows(rows)
	if err != nil {
		return err
	}

	now := l.now().UTC()
	key := fmt.Sprintf("audit/dt=%s/%s.parquet", now.Format("2006-01-02"), uuid.NewString())
	if err := l.store.Write(ctx, key, data, "application/vnd.apache.parquet"); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	l.log.Debug("audit file written", "key", key, "rows", len(rows), "bytes", len(data))
	return nil
}

func encodeRows(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
