package recovery

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
	"github.com/withObsrvr/obsrvr-command-router/internal/events"
	"github.com/withObsrvr/obsrvr-command-router/internal/fanout"
	"github.com/withObsrvr/obsrvr-command-router/internal/flights"
	"github.com/withObsrvr/obsrvr-command-router/internal/history"
	"github.com/withObsrvr/obsrvr-command-router/internal/moniker"
	"github.com/withObsrvr/obsrvr-command-router/internal/snapshot"
	"github.com/withObsrvr/obsrvr-command-router/internal/telemetry"
	"github.com/withObsrvr/obsrvr-command-router/internal/workitem"
)

const pinnedVersion = 7

var (
	windowStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(time.Hour)

	keyA1 = history.Key{AgentID: "agent-1", AssetGroupID: "ag-1"}
	keyA2 = history.Key{AgentID: "agent-1", AssetGroupID: "ag-2"}
	keyB  = history.Key{AgentID: "agent-2", AssetGroupID: "ag-3"}
)

type env struct {
	store    *history.MemoryStore
	tele     *telemetry.Memory
	backend  *workitem.MemoryBackend
	flights  flights.Static
	assignor *moniker.Assignor
	handler  *Handler
}

func newEnv(t *testing.T, pageSize int) *env {
	t.Helper()
	all := []command.DataType{command.DataTypeAny}
	snap, err := snapshot.New(pinnedVersion,
		&snapshot.Agent{ID: "agent-1", Readiness: snapshot.ReadinessProd, AssetGroups: []*snapshot.AssetGroup{
			{ID: "ag-1", Qualifier: "q1", DataTypes: all},
			{ID: "ag-2", Qualifier: "q2", DataTypes: all},
		}},
		&snapshot.Agent{ID: "agent-2", Readiness: snapshot.ReadinessProd, AssetGroups: []*snapshot.AssetGroup{
			{ID: "ag-3", Qualifier: "q3", DataTypes: all},
		}},
	)
	require.NoError(t, err)

	e := &env{
		store:   history.NewMemoryStore(),
		tele:    telemetry.NewMemory(),
		backend: workitem.NewMemoryBackend(),
		flights: flights.Static{},
		assignor: moniker.NewAssignor(moniker.StaticShards{
			{Moniker: "doc-1", Kind: command.StorageDocument, Weight: 1},
			{Moniker: "doc-2", Kind: command.StorageDocument, Weight: 1},
		}, nil, moniker.Config{}),
	}
	e.handler = NewHandler(e.store, e.tele, snapshot.NewStatic(snap), e.flights, e.assignor,
		workitem.NewQueue[fanout.WorkItem](e.backend, fanout.QueueName, 0),
		config.RecoveryConfig{PageSize: pageSize, ReconcileBatch: 2})
	return e
}

func rawCommand(t *testing.T) (json.RawMessage, command.ID) {
	t.Helper()
	b, err := json.Marshal(command.Request{
		RequestID:   uuid.NewString(),
		RequestType: "Delete",
		Subject:     &command.Subject{Type: command.SubjectMSA, ID: "puid-9"},
		Timestamp:   windowStart,
	})
	require.NoError(t, err)
	cmd, err := command.Parse(b)
	require.NoError(t, err)
	return b, cmd.ID
}

// seed stores a routed record whose destinations have not reported yet.
func (e *env) seed(t *testing.T, created time.Time, monikers map[history.Key]string) command.ID {
	t.Helper()
	raw, id := rawCommand(t)
	r := history.NewRecord(history.Core{
		CommandID:               id,
		CommandType:             command.TypeDelete,
		Subject:                 command.Subject{Type: command.SubjectMSA, ID: "puid-9"},
		CreatedTime:             created,
		IngestionDataSetVersion: pinnedVersion,
		QueueStorage:            command.StorageDocument,
		WeightedMonikers:        []string{"doc-1", "doc-2"},
		TotalCommandCount:       len(monikers),
		RawCommand:              raw,
	})
	for k, m := range monikers {
		r.StatusMap[k] = &history.StatusRecord{AgentID: k.AgentID, AssetGroupID: k.AssetGroupID, Moniker: m}
	}
	ok, err := e.store.TryInsert(context.Background(), r)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func (e *env) observe(t *testing.T, kind events.Kind, id command.ID, k history.Key, at time.Time) {
	t.Helper()
	require.NoError(t, e.tele.PublishBatch(context.Background(), []events.Event{{
		Kind:         kind,
		Timestamp:    at,
		CommandID:    id,
		AgentID:      k.AgentID,
		AssetGroupID: k.AssetGroupID,
	}}))
}

func (e *env) published(t *testing.T) []*fanout.WorkItem {
	t.Helper()
	var out []*fanout.WorkItem
	for {
		msg, err := e.backend.Pop(context.Background(), fanout.QueueName, time.Minute)
		if errors.Is(err, workitem.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		var item fanout.WorkItem
		require.NoError(t, json.Unmarshal(msg.Body, &item))
		require.NoError(t, e.backend.Complete(context.Background(), msg))
		out = append(out, &item)
	}
}

func window() *WorkItem {
	return &WorkItem{OldestRecordCreationTime: windowStart, NewestRecordCreationTime: windowEnd}
}

func TestReconcileBackfillsFromTelemetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 20)
	id := e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{keyA1: "doc-1"})

	t1 := windowStart.Add(5 * time.Minute)
	t2 := windowStart.Add(9 * time.Minute)
	e.observe(t, events.KindStarted, id, keyA1, t1)
	e.observe(t, events.KindCompleted, id, keyA1, t2)

	out, err := e.handler.Handle(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, workitem.VerdictSuccess, out.Verdict)

	rec, err := e.store.Query(ctx, id, history.FragmentStatus)
	require.NoError(t, err)
	st := rec.StatusMap[keyA1]
	require.NotNil(t, st.IngestionTime)
	require.NotNil(t, st.CompletedTime)
	assert.Equal(t, t1, *st.IngestionTime)
	assert.Equal(t, t2, *st.CompletedTime)
	assert.Equal(t, 1, rec.Core.IngestedCommandCount)
	assert.Equal(t, 1, rec.Core.CompletedCommandCount)

	assert.Empty(t, e.published(t), "reconciled destinations are not republished")
}

func TestReconcileCompletionWithoutStart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 20)
	id := e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{keyA1: "doc-1"})
	e.observe(t, events.KindCompleted, id, keyA1, windowStart.Add(2*time.Minute))

	_, err := e.handler.Handle(ctx, window())
	require.NoError(t, err)

	rec, err := e.store.Query(ctx, id, history.FragmentStatus)
	require.NoError(t, err)
	assert.Nil(t, rec.StatusMap[keyA1].IngestionTime)
	assert.NotNil(t, rec.StatusMap[keyA1].CompletedTime)
	assert.Equal(t, 0, rec.Core.IngestedCommandCount)
	assert.Equal(t, 1, rec.Core.CompletedCommandCount)
	assert.Empty(t, e.published(t))
}

func TestRecoverRepublishesMissingDestinations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 20)
	id := e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{
		keyA1: "doc-2",
		keyA2: "retired-shard",
		keyB:  "doc-1",
	})
	e.observe(t, events.KindStarted, id, keyB, windowStart.Add(3*time.Minute))

	out, err := e.handler.Handle(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, workitem.VerdictSuccess, out.Verdict)

	items := e.published(t)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, id, item.CommandID)
	assert.True(t, item.IsIngestionRecovery)
	assert.False(t, item.IsReplay)
	assert.Equal(t, int64(pinnedVersion), item.DataSetVersion)

	require.Len(t, item.Destinations, 2)
	assert.Equal(t, "ag-1", item.Destinations[0].AssetGroupID)
	assert.Equal(t, "doc-2", item.Destinations[0].TargetMoniker, "valid moniker kept")
	assert.Equal(t, "q1", item.Destinations[0].AssetGroupQualifier)

	assert.Equal(t, "ag-2", item.Destinations[1].AssetGroupID)
	want := moniker.PreferredMoniker(id, "ag-2", []string{"doc-1", "doc-2"})
	assert.Equal(t, want, item.Destinations[1].TargetMoniker, "retired moniker reassigned")
}

func TestRecoverSkipsBlockedDestinations(t *testing.T) {
	e := newEnv(t, 20)
	e.flights[flights.IngestionBlockedForAgentID] = flights.Flight{Enabled: true, Keys: []string{"agent-1"}}
	e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{keyA1: "doc-1", keyB: "doc-1"})

	_, err := e.handler.Handle(context.Background(), window())
	require.NoError(t, err)

	items := e.published(t)
	require.Len(t, items, 1)
	require.Len(t, items[0].Destinations, 1)
	assert.Equal(t, "agent-2", items[0].Destinations[0].AgentID)
}

func TestKillSwitches(t *testing.T) {
	tests := []struct {
		name      string
		flight    string
		repair    bool
		published bool
	}{
		{"recovery disabled", flights.RecoveryProcessingDisabled, false, false},
		{"repair disabled", flights.RepairProcessingDisabled, true, false},
		{"recovery switch ignores repair", flights.RecoveryProcessingDisabled, true, true},
		{"repair switch ignores recovery", flights.RepairProcessingDisabled, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 20)
			e.flights[tt.flight] = flights.Flight{Enabled: true}
			e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{keyA1: "doc-1"})

			item := window()
			item.IsOnDemandRepair = tt.repair
			out, err := e.handler.Handle(context.Background(), item)
			require.NoError(t, err)
			assert.Equal(t, workitem.VerdictSuccess, out.Verdict)
			assert.Equal(t, tt.published, len(e.published(t)) > 0)
		})
	}
}

func TestPaginationSelfChains(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2)
	for i := 0; i < 3; i++ {
		e.seed(t, windowStart.Add(time.Duration(i+1)*time.Minute), map[history.Key]string{keyA1: "doc-1"})
	}

	item := window()
	out, err := e.handler.Handle(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, workitem.RetryAfter(0), out)
	assert.NotEmpty(t, item.ContinuationToken)
	assert.Len(t, e.published(t), 2)

	out, err = e.handler.Handle(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, workitem.VerdictSuccess, out.Verdict)
	assert.Len(t, e.published(t), 1)
}

func TestInvalidPayloadIsolated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 20)
	good := e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{keyA1: "doc-1"})

	bad := history.NewRecord(history.Core{
		CommandID:               command.NewID(),
		CommandType:             command.TypeDelete,
		CreatedTime:             windowStart.Add(2 * time.Minute),
		IngestionDataSetVersion: pinnedVersion,
		QueueStorage:            command.StorageDocument,
		TotalCommandCount:       1,
		RawCommand:              json.RawMessage(`{"requestId":"not-a-guid"}`),
	})
	bad.StatusMap[keyA1] = &history.StatusRecord{AgentID: keyA1.AgentID, AssetGroupID: keyA1.AssetGroupID, Moniker: "doc-1"}
	ok, err := e.store.TryInsert(ctx, bad)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := e.handler.Handle(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, workitem.VerdictSuccess, out.Verdict)

	items := e.published(t)
	require.Len(t, items, 1)
	assert.Equal(t, good, items[0].CommandID)
}

type failingObserver struct{}

func (failingObserver) Observations(context.Context, []command.ID, time.Time) ([]telemetry.Observation, error) {
	return nil, errors.New("telemetry unavailable")
}

func TestTelemetryFailureFailsPage(t *testing.T) {
	e := newEnv(t, 20)
	e.handler.observer = failingObserver{}
	e.seed(t, windowStart.Add(time.Minute), map[history.Key]string{keyA1: "doc-1"})

	_, err := e.handler.Handle(context.Background(), window())
	require.Error(t, err)
	assert.Empty(t, e.published(t))
}
