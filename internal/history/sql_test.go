package history

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, 24*time.Hour), mock
}

func TestSQLStoreTryInsert(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	r := newTestRecord(command.NewID(), command.TypeDelete, t0, Key{"a", "g"})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_history")).
		WithArgs(string(r.CommandID()), "Delete", t0, 1, 0, false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			t0.Add(24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.TryInsert(ctx, r)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := newTestRecord(r.CommandID(), command.TypeDelete, t0)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_history")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.TryInsert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreQuery(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	src := newTestRecord(command.NewID(), command.TypeExport, t0, Key{"a", "g"})

	core, err := src.encode(FragmentCore)
	require.NoError(t, err)
	status, err := src.encode(FragmentStatus)
	require.NoError(t, err)
	raw, err := compressRaw(src.Core.RawCommand)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT command_id, version, core, raw_command, status FROM command_history WHERE command_id = $1")).
		WithArgs(string(src.CommandID())).
		WillReturnRows(sqlmock.NewRows([]string{"command_id", "version", "core", "raw_command", "status"}).
			AddRow(string(src.CommandID()), int64(4), core, raw, status))

	got, err := store.Query(ctx, src.CommandID(), FragmentStatus)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, command.TypeExport, got.Core.CommandType)
	assert.JSONEq(t, string(src.Core.RawCommand), string(got.Core.RawCommand))
	assert.Contains(t, got.StatusMap, Key{"a", "g"})
	assert.Equal(t, int64(4), got.version)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT command_id, version, core, raw_command FROM command_history")).
		WillReturnRows(sqlmock.NewRows([]string{"command_id", "version", "core", "raw_command"}))
	missing, err := store.Query(ctx, command.NewID(), FragmentCore)
	assert.NoError(t, err)
	assert.Nil(t, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReplaceUsesVersion(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	r := newTestRecord(command.NewID(), command.TypeDelete, t0, Key{"a", "g"})
	require.NoError(t, r.markRead(FragmentCore|FragmentStatus, 3))

	now := t0.Add(time.Minute)
	r.StatusMap[Key{"a", "g"}].CompletedTime = &now

	mock.ExpectExec(regexp.QuoteMeta("UPDATE command_history SET version = version + 1, status = $1 WHERE command_id = $2 AND version = $3")).
		WithArgs(sqlmock.AnyArg(), string(r.CommandID()), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.Replace(ctx, r, FragmentStatus), ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE command_history SET version = version + 1, status = $1 WHERE command_id = $2 AND version = $3")).
		WithArgs(sqlmock.AnyArg(), string(r.CommandID()), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Replace(ctx, r, FragmentStatus))
	assert.Equal(t, int64(4), r.version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePartialQueryFilters(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	newest := t0.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT command_id, version, core, raw_command, status FROM command_history WHERE total_count <> ingested_count AND completed = FALSE AND created_at >= $1 AND created_at < $2 AND command_type = $3 ORDER BY created_at, command_id LIMIT $4")).
		WithArgs(t0, newest, "Export", 21).
		WillReturnRows(sqlmock.NewRows([]string{"command_id", "version", "core", "raw_command", "status"}))

	recs, next, err := store.QueryPartiallyIngested(ctx, PartialQuery{Oldest: t0, Newest: newest, ExportOnly: true})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRawCompressionRoundTrip(t *testing.T) {
	in := []byte(`{"requestId":"abc","requestType":"Delete"}`)
	c, err := compressRaw(in)
	require.NoError(t, err)
	out, err := decompressRaw(c)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := compressRaw(nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}
