package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-command-router/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

func drainWindows(t *testing.T, backend *workitem.MemoryBackend) []*WorkItem {
	t.Helper()
	var out []*WorkItem
	for {
		msg, err := backend.Pop(context.Background(), QueueName, time.Minute)
		if errors.Is(err, workitem.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		var item WorkItem
		require.NoError(t, json.Unmarshal(msg.Body, &item))
		require.NoError(t, backend.Complete(context.Background(), msg))
		out = append(out, &item)
	}
}

func TestSchedulerEmitsElapsedWindows(t *testing.T) {
	ctx := context.Background()
	backend := workitem.NewMemoryBackend()
	cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	cfg := config.RecoveryConfig{WindowLag: time.Hour, WindowSize: time.Hour, Interval: time.Minute}
	s := NewScheduler("test", workitem.NewQueue[WorkItem](backend, QueueName, 0), cp, cfg)
	now := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	items := drainWindows(t, backend)
	require.Len(t, items, 1)
	assert.Equal(t, time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC), items[0].OldestRecordCreationTime)
	assert.Equal(t, time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), items[0].NewestRecordCreationTime)

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no new window has elapsed")

	now = now.Add(3 * time.Hour)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	items = drainWindows(t, backend)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Equal(t, items[i-1].NewestRecordCreationTime, items[i].OldestRecordCreationTime, "windows are contiguous")
	}

	saved, err := cp.Load(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(4), saved.Windows)
	assert.Equal(t, time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC), saved.LastWindowEnd)
}

func TestSchedulerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: dir})
	require.NoError(t, err)
	require.NoError(t, cp.Save(ctx, &checkpoint.Checkpoint{
		SchedulerID:   "resume",
		LastWindowEnd: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}))

	backend := workitem.NewMemoryBackend()
	s := NewScheduler("resume", workitem.NewQueue[WorkItem](backend, QueueName, 0), cp,
		config.RecoveryConfig{WindowSize: time.Hour})
	s.now = func() time.Time { return time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC) }

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, maxWindowsPerTick, n, "catch-up is bounded per tick")

	items := drainWindows(t, backend)
	require.NotEmpty(t, items)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), items[0].OldestRecordCreationTime)
}
