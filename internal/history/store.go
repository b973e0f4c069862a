package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// Store persists command history records.
type Store interface {
	// TryInsert stores a new record. It returns false if a record with the
	// same command id already exists.
	TryInsert(ctx context.Context, r *Record) (bool, error)

	// Query loads the requested fragments (Core is always loaded). It
	// returns nil, nil when no record exists.
	Query(ctx context.Context, id command.ID, fragments Fragment) (*Record, error)

	// QueryPartiallyIngested pages through incomplete records created in a
	// window. Records carry the Core and Status fragments.
	QueryPartiallyIngested(ctx context.Context, q PartialQuery) ([]*Record, string, error)

	// Replace writes changed fragments. fragments must equal the record's
	// changed set and must have been read.
	Replace(ctx context.Context, r *Record, fragments Fragment) error
}

// PartialQuery selects records whose ingested count lags their total.
type PartialQuery struct {
	Oldest        time.Time
	Newest        time.Time
	PageSize      int
	ExportOnly    bool
	NonExportOnly bool
	Token         string
}

// pageToken is the keyset position after the last returned record.
type pageToken struct {
	Created time.Time  `json:"c"`
	ID      command.ID `json:"id"`
}

func encodeToken(t pageToken) string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeToken(s string) (*pageToken, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid continuation token: %w", err)
	}
	var t pageToken
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("invalid continuation token: %w", err)
	}
	return &t, nil
}

func (q PartialQuery) matches(c *Core) bool {
	if c.TotalCommandCount == c.IngestedCommandCount || c.IsGloballyComplete {
		return false
	}
	if c.CreatedTime.Before(q.Oldest) || !c.CreatedTime.Before(q.Newest) {
		return false
	}
	if q.ExportOnly && c.CommandType != command.TypeExport {
		return false
	}
	if !q.ExportOnly && q.NonExportOnly && c.CommandType == command.TypeExport {
		return false
	}
	return true
}

func (q PartialQuery) pageSize() int {
	if q.PageSize <= 0 {
		return 20
	}
	return q.PageSize
}

type storedRecord struct {
	version   int64
	fragments map[Fragment][]byte
	raw       json.RawMessage
	created   time.Time
	id        command.ID
	core      Core
}

// MemoryStore keeps records in process, encoded the same way the SQL store
// encodes them so reads never alias writer state.
type MemoryStore struct {
	mu      sync.Mutex
	records map[command.ID]*storedRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[command.ID]*storedRecord)}
}

func (m *MemoryStore) TryInsert(_ context.Context, r *Record) (bool, error) {
	if err := r.validForInsert(); err != nil {
		return false, err
	}

	s := &storedRecord{
		version:   1,
		fragments: make(map[Fragment][]byte),
		raw:       append(json.RawMessage(nil), r.Core.RawCommand...),
		created:   r.Core.CreatedTime,
		id:        r.Core.CommandID,
		core:      r.Core,
	}
	for _, n := range fragmentNames {
		b, err := r.encode(n.f)
		if err != nil {
			return false, err
		}
		s.fragments[n.f] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[s.id]; ok {
		return false, nil
	}
	m.records[s.id] = s
	return true, r.markRead(FragmentAll, s.version)
}

func (m *MemoryStore) load(s *storedRecord, fragments Fragment) (*Record, error) {
	fragments |= FragmentCore
	r := &Record{}
	r.Core.RawCommand = append(json.RawMessage(nil), s.raw...)
	for _, n := range fragmentNames {
		if !fragments.Has(n.f) {
			continue
		}
		if err := r.decode(n.f, s.fragments[n.f]); err != nil {
			return nil, fmt.Errorf("decode %s of %s: %w", n.name, s.id, err)
		}
	}
	return r, r.markRead(fragments, s.version)
}

func (m *MemoryStore) Query(_ context.Context, id command.ID, fragments Fragment) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return m.load(s, fragments)
}

func (m *MemoryStore) QueryPartiallyIngested(_ context.Context, q PartialQuery) ([]*Record, string, error) {
	after, err := decodeToken(q.Token)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*storedRecord
	for _, s := range m.records {
		if !q.matches(&s.core) {
			continue
		}
		if after != nil && !keysetAfter(s.created, s.id, after) {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].created.Equal(matched[j].created) {
			return matched[i].created.Before(matched[j].created)
		}
		return matched[i].id < matched[j].id
	})

	size := q.pageSize()
	next := ""
	if len(matched) > size {
		matched = matched[:size]
		last := matched[size-1]
		next = encodeToken(pageToken{Created: last.created, ID: last.id})
	}

	out := make([]*Record, 0, len(matched))
	for _, s := range matched {
		r, err := m.load(s, FragmentCore|FragmentStatus)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	return out, next, nil
}

func keysetAfter(created time.Time, id command.ID, t *pageToken) bool {
	if created.Equal(t.Created) {
		return id > t.ID
	}
	return created.After(t.Created)
}

func (m *MemoryStore) Replace(_ context.Context, r *Record, fragments Fragment) error {
	if err := r.checkReplace(fragments); err != nil {
		return err
	}
	if fragments == FragmentNone {
		return nil
	}

	encoded := make(map[Fragment][]byte)
	for _, n := range fragmentNames {
		if !fragments.Has(n.f) {
			continue
		}
		b, err := r.encode(n.f)
		if err != nil {
			return err
		}
		encoded[n.f] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.records[r.Core.CommandID]
	if !ok || s.version != r.version {
		return ErrConflict
	}
	for f, b := range encoded {
		s.fragments[f] = b
	}
	if fragments.Has(FragmentCore) {
		s.core = r.Core
		s.raw = append(json.RawMessage(nil), r.Core.RawCommand...)
	}
	s.version++
	return r.markRead(r.read, s.version)
}
