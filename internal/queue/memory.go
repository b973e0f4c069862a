package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

type memEntry struct {
	data      []byte
	created   time.Time
	visibleAt time.Time
	token     string
	seq       int64
}

// MemoryBackend is an in-process shard. Commands are stored as JSON so
// callers never share mutable state with the queue.
type MemoryBackend struct {
	moniker string
	kind    command.QueueStorageKind
	now     func() time.Time

	mu    sync.Mutex
	seq   int64
	parts map[PartitionKey]map[command.ID]*memEntry
}

// NewMemoryBackend creates an empty in-memory shard.
func NewMemoryBackend(moniker string, kind command.QueueStorageKind) *MemoryBackend {
	return &MemoryBackend{
		moniker: moniker,
		kind:    kind,
		now:     time.Now,
		parts:   make(map[PartitionKey]map[command.ID]*memEntry),
	}
}

func (m *MemoryBackend) Moniker() string                { return m.moniker }
func (m *MemoryBackend) Kind() command.QueueStorageKind { return m.kind }

func (m *MemoryBackend) Enqueue(_ context.Context, key PartitionKey, cmd *command.Command, upsert bool) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	part := m.parts[key]
	if part == nil {
		part = make(map[command.ID]*memEntry)
		m.parts[key] = part
	}

	now := m.now()
	if e, ok := part[cmd.ID]; ok {
		if !upsert {
			return ErrConflict
		}
		e.data = data
		e.visibleAt = now
		e.token = ""
		return nil
	}

	m.seq++
	part[cmd.ID] = &memEntry{
		data:      data,
		created:   cmd.Timestamp,
		visibleAt: now,
		seq:       m.seq,
	}
	return nil
}

func (m *MemoryBackend) Pop(_ context.Context, key PartitionKey, maxItems int, lease time.Duration) ([]Item, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*memEntry
	ids := make(map[*memEntry]command.ID)
	for id, e := range m.parts[key] {
		if !e.visibleAt.After(now) {
			ready = append(ready, e)
			ids[e] = id
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].visibleAt.Equal(ready[j].visibleAt) {
			return ready[i].visibleAt.Before(ready[j].visibleAt)
		}
		return ready[i].seq < ready[j].seq
	})
	if len(ready) > maxItems {
		ready = ready[:maxItems]
	}

	items := make([]Item, 0, len(ready))
	for _, e := range ready {
		var cmd command.Command
		if err := json.Unmarshal(e.data, &cmd); err != nil {
			return items, fmt.Errorf("decode command %s: %w", ids[e], err)
		}
		e.token = uuid.NewString()
		e.visibleAt = now.Add(lease)
		items = append(items, Item{
			Command: &cmd,
			Receipt: newReceipt(m.moniker, key, &cmd, e.token, e.visibleAt),
		})
	}
	return items, nil
}

func (m *MemoryBackend) leased(key PartitionKey, r LeaseReceipt) (*memEntry, error) {
	e, ok := m.parts[key][r.CommandID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.token == "" || e.token != r.Token {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (m *MemoryBackend) Replace(_ context.Context, key PartitionKey, r LeaseReceipt, cmd *command.Command, lease time.Duration) (LeaseReceipt, error) {
	var data []byte
	if cmd != nil {
		var err error
		if data, err = json.Marshal(cmd); err != nil {
			return LeaseReceipt{}, fmt.Errorf("encode command: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(key, r)
	if err != nil {
		return LeaseReceipt{}, err
	}
	if data != nil {
		e.data = data
	}

	var stored command.Command
	if err := json.Unmarshal(e.data, &stored); err != nil {
		return LeaseReceipt{}, fmt.Errorf("decode command %s: %w", r.CommandID, err)
	}
	e.token = uuid.NewString()
	e.visibleAt = m.now().Add(lease)
	return newReceipt(m.moniker, key, &stored, e.token, e.visibleAt), nil
}

// Delete removes a leased command. Deleting a command that is already gone
// succeeds.
func (m *MemoryBackend) Delete(_ context.Context, key PartitionKey, r LeaseReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.leased(key, r); err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	delete(m.parts[key], r.CommandID)
	return nil
}

func (m *MemoryBackend) Query(_ context.Context, key PartitionKey, r LeaseReceipt) (*command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.parts[key][r.CommandID]
	if !ok {
		return nil, ErrNotFound
	}
	var cmd command.Command
	if err := json.Unmarshal(e.data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", r.CommandID, err)
	}
	return &cmd, nil
}

func (m *MemoryBackend) Stats(_ context.Context, key PartitionKey) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Moniker:      m.moniker,
		AgentID:      key.AgentID,
		AssetGroupID: key.AssetGroupID,
		SubjectType:  key.SubjectType,
		Kind:         key.Kind,
	}
	now := m.now()
	for _, e := range m.parts[key] {
		if e.visibleAt.After(now) {
			s.Leased++
		} else {
			s.Pending++
		}
		if s.OldestCreated.IsZero() || e.created.Before(s.OldestCreated) {
			s.OldestCreated = e.created
		}
	}
	return s, nil
}

func (m *MemoryBackend) FlushByDate(_ context.Context, key PartitionKey, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.parts[key] {
		if e.created.Before(before) {
			delete(m.parts[key], id)
			n++
		}
	}
	return n, nil
}
