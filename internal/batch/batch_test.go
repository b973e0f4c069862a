package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/filterroute"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

type fixedVersion int64

func (v fixedVersion) CurrentVersion(context.Context) (int64, error) { return int64(v), nil }

type failingVersion struct{}

func (failingVersion) CurrentVersion(context.Context) (int64, error) {
	return 0, errors.New("snapshot store down")
}

func raw(t *testing.T, guid, typ string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(command.Request{
		RequestID:   guid,
		RequestType: typ,
		Subject:     &command.Subject{Type: command.SubjectMSA, ID: "puid"},
		Timestamp:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return b
}

func visible(t *testing.T, backend *workitem.MemoryBackend, queue string) []*filterroute.WorkItem {
	t.Helper()
	var out []*filterroute.WorkItem
	for {
		msg, err := backend.Pop(context.Background(), queue, time.Hour)
		if errors.Is(err, workitem.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		var item filterroute.WorkItem
		require.NoError(t, json.Unmarshal(msg.Body, &item))
		out = append(out, &item)
	}
}

func newPublisher(backend *workitem.MemoryBackend, fl flights.Evaluator, versions VersionSource) *Publisher {
	p := NewPublisher(versions, fl,
		workitem.NewQueue[filterroute.WorkItem](backend, filterroute.QueueName, 0),
		workitem.NewQueue[filterroute.WorkItem](backend, filterroute.WhatIfQueueName, 0),
		config.BatchConfig{SmoothedTypes: []string{"AgeOut"}, SmoothingPerSecond: 1, SmoothingBurst: 1})
	start := time.Now()
	p.now = func() time.Time { return start }
	return p
}

func TestExpandPinsVersionAndDedupes(t *testing.T) {
	ctx := context.Background()
	backend := workitem.NewMemoryBackend()
	p := newPublisher(backend, flights.Static{}, fixedVersion(12))

	a, b := uuid.NewString(), uuid.NewString()
	out, err := p.Handle(ctx, &WorkItem{Commands: []json.RawMessage{
		raw(t, a, "Delete"),
		raw(t, b, "Export"),
		raw(t, a, "Delete"),
	}})
	require.NoError(t, err)
	assert.Equal(t, workitem.VerdictSuccess, out.Verdict)

	n, err := backend.Len(ctx, filterroute.QueueName)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "duplicate command published once")

	for _, item := range visible(t, backend, filterroute.QueueName) {
		assert.Equal(t, int64(12), item.DataSetVersion)
	}
	n, err = backend.Len(ctx, filterroute.WhatIfQueueName)
	require.NoError(t, err)
	assert.Zero(t, n, "what-if mirror is off by default")
}

func TestSmoothedTypesAreSpread(t *testing.T) {
	ctx := context.Background()
	backend := workitem.NewMemoryBackend()
	p := newPublisher(backend, flights.Static{}, fixedVersion(1))

	cmds := []json.RawMessage{raw(t, uuid.NewString(), "Delete")}
	for i := 0; i < 3; i++ {
		cmds = append(cmds, raw(t, uuid.NewString(), "AgeOut"))
	}
	_, err := p.Handle(ctx, &WorkItem{Commands: cmds})
	require.NoError(t, err)

	n, err := backend.Len(ctx, filterroute.QueueName)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ready := visible(t, backend, filterroute.QueueName)
	require.Len(t, ready, 2, "only the first age-out fits the burst")
	types := []command.Type{ready[0].CommandType, ready[1].CommandType}
	assert.ElementsMatch(t, []command.Type{command.TypeDelete, command.TypeAgeOut}, types)
}

func TestWhatIfMirror(t *testing.T) {
	ctx := context.Background()
	backend := workitem.NewMemoryBackend()
	fl := flights.Static{flights.WhatIfFilterAndRouteEnabled: {Enabled: true}}
	p := newPublisher(backend, fl, fixedVersion(3))

	_, err := p.Handle(ctx, &WorkItem{Commands: []json.RawMessage{raw(t, uuid.NewString(), "Delete")}})
	require.NoError(t, err)

	mirrored := visible(t, backend, filterroute.WhatIfQueueName)
	require.Len(t, mirrored, 1)
	assert.Equal(t, int64(3), mirrored[0].DataSetVersion)
}

func TestUnparseableCommandForwarded(t *testing.T) {
	backend := workitem.NewMemoryBackend()
	p := newPublisher(backend, flights.Static{}, fixedVersion(1))

	_, err := p.Handle(context.Background(), &WorkItem{Commands: []json.RawMessage{json.RawMessage(`{"requestType":"Delete"}`)}})
	require.NoError(t, err)

	items := visible(t, backend, filterroute.QueueName)
	require.Len(t, items, 1)
	_, err = command.Parse(items[0].Command)
	assert.ErrorIs(t, err, command.ErrMalformed)
}

func TestVersionFailurePropagates(t *testing.T) {
	backend := workitem.NewMemoryBackend()
	p := newPublisher(backend, flights.Static{}, failingVersion{})

	_, err := p.Handle(context.Background(), &WorkItem{Commands: []json.RawMessage{raw(t, uuid.NewString(), "Delete")}})
	require.Error(t, err)
}
