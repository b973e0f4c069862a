package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

//go:embed schema.sql
var schemaSQL string

// fragment columns in fragmentNames order, Core excluded.
var fragmentColumns = map[Fragment]string{
	FragmentAudit:              "audit",
	FragmentStatus:             "status",
	FragmentExportDestinations: "export_destinations",
}

// SQLStore keeps records in PostgreSQL. Optimistic concurrency uses the
// version column; every replace bumps it.
type SQLStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLStore wraps an open database. ttl sets the expiry written on insert.
func NewSQLStore(db *sql.DB, ttl time.Duration) *SQLStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SQLStore{db: db, ttl: ttl}
}

// OpenSQLStore connects with the pgx driver and creates the schema.
func OpenSQLStore(ctx context.Context, dsn string, ttl time.Duration) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.ExecContext(pingCtx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	log.Println("[history] connected to PostgreSQL")
	return NewSQLStore(db, ttl), nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) TryInsert(ctx context.Context, r *Record) (bool, error) {
	if err := r.validForInsert(); err != nil {
		return false, err
	}

	enc := make(map[Fragment][]byte, len(fragmentNames))
	for _, n := range fragmentNames {
		b, err := r.encode(n.f)
		if err != nil {
			return false, err
		}
		enc[n.f] = b
	}
	raw, err := compressRaw(r.Core.RawCommand)
	if err != nil {
		return false, err
	}

	const query = `INSERT INTO command_history
		(command_id, command_type, created_at, total_count, ingested_count, completed, version,
		 core, raw_command, audit, status, export_destinations, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (command_id) DO NOTHING`

	c := r.Core
	res, err := s.db.ExecContext(ctx, query,
		string(c.CommandID), c.CommandType.String(), c.CreatedTime.UTC(),
		c.TotalCommandCount, c.IngestedCommandCount, c.IsGloballyComplete,
		enc[FragmentCore], raw, enc[FragmentAudit], enc[FragmentStatus], enc[FragmentExportDestinations],
		c.CreatedTime.Add(s.ttl).UTC())
	if err != nil {
		return false, fmt.Errorf("insert command history %s: %w", c.CommandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, r.markRead(FragmentAll, 1)
}

func selectColumns(fragments Fragment) ([]string, []Fragment) {
	cols := []string{"command_id", "version", "core", "raw_command"}
	var order []Fragment
	for _, n := range fragmentNames {
		if n.f == FragmentCore || !fragments.Has(n.f) {
			continue
		}
		cols = append(cols, fragmentColumns[n.f])
		order = append(order, n.f)
	}
	return cols, order
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, fragments Fragment, order []Fragment) (*Record, error) {
	var (
		id      string
		version int64
		core    []byte
		raw     []byte
	)
	extra := make([][]byte, len(order))
	dest := []any{&id, &version, &core, &raw}
	for i := range extra {
		dest = append(dest, &extra[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	r := &Record{}
	if err := r.decode(FragmentCore, core); err != nil {
		return nil, fmt.Errorf("decode core of %s: %w", id, err)
	}
	rawCmd, err := decompressRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	r.Core.RawCommand = rawCmd
	for i, f := range order {
		if err := r.decode(f, extra[i]); err != nil {
			return nil, fmt.Errorf("decode %s of %s: %w", f, id, err)
		}
	}
	return r, r.markRead(fragments|FragmentCore, version)
}

func (s *SQLStore) Query(ctx context.Context, id command.ID, fragments Fragment) (*Record, error) {
	cols, order := selectColumns(fragments)
	query := fmt.Sprintf("SELECT %s FROM command_history WHERE command_id = $1", strings.Join(cols, ", "))

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, string(id)), fragments, order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query command history %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLStore) QueryPartiallyIngested(ctx context.Context, q PartialQuery) ([]*Record, string, error) {
	after, err := decodeToken(q.Token)
	if err != nil {
		return nil, "", err
	}

	fragments := FragmentCore | FragmentStatus
	cols, order := selectColumns(fragments)

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM command_history WHERE total_count <> ingested_count AND completed = FALSE", strings.Join(cols, ", "))
	fmt.Fprintf(&b, " AND created_at >= %s AND created_at < %s", arg(q.Oldest.UTC()), arg(q.Newest.UTC()))
	if q.ExportOnly {
		fmt.Fprintf(&b, " AND command_type = %s", arg(command.TypeExport.String()))
	} else if q.NonExportOnly {
		fmt.Fprintf(&b, " AND command_type <> %s", arg(command.TypeExport.String()))
	}
	if after != nil {
		fmt.Fprintf(&b, " AND (created_at, command_id) > (%s, %s)", arg(after.Created.UTC()), arg(string(after.ID)))
	}
	size := q.pageSize()
	fmt.Fprintf(&b, " ORDER BY created_at, command_id LIMIT %s", arg(size+1))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("query partially ingested: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows, fragments, order)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > size {
		out = out[:size]
		last := out[size-1]
		next = encodeToken(pageToken{Created: last.Core.CreatedTime, ID: last.Core.CommandID})
	}
	return out, next, nil
}

func (s *SQLStore) Replace(ctx context.Context, r *Record, fragments Fragment) error {
	if err := r.checkReplace(fragments); err != nil {
		return err
	}
	if fragments == FragmentNone {
		return nil
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	sets := []string{"version = version + 1"}

	for _, n := range fragmentNames {
		if !fragments.Has(n.f) {
			continue
		}
		b, err := r.encode(n.f)
		if err != nil {
			return err
		}
		if n.f != FragmentCore {
			sets = append(sets, fmt.Sprintf("%s = %s", fragmentColumns[n.f], arg(b)))
			continue
		}
		raw, err := compressRaw(r.Core.RawCommand)
		if err != nil {
			return err
		}
		c := r.Core
		sets = append(sets,
			"core = "+arg(b),
			"raw_command = "+arg(raw),
			"total_count = "+arg(c.TotalCommandCount),
			"ingested_count = "+arg(c.IngestedCommandCount),
			"completed = "+arg(c.IsGloballyComplete),
		)
	}

	query := fmt.Sprintf("UPDATE command_history SET %s WHERE command_id = %s AND version = %s",
		strings.Join(sets, ", "), arg(string(r.Core.CommandID)), arg(r.version))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("replace command history %s: %w", r.Core.CommandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return r.markRead(r.read, r.version+1)
}
