// Package history keeps the per-command delivery record that the routing,
// recovery and completion stages treat as their source of truth.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

var (
	// ErrConflict is returned when another writer changed the record first.
	ErrConflict = errors.New("command history conflict")

	// ErrFragmentMismatch is returned when a replace names fragments that
	// differ from the ones actually changed, or were never read.
	ErrFragmentMismatch = errors.New("fragment mismatch")

	// ErrInvalidRecord is returned for inserts of incomplete or already read records.
	ErrInvalidRecord = errors.New("invalid command history record")
)

// Fragment is a bit set of independently stored record parts.
type Fragment uint8

const (
	FragmentCore Fragment = 1 << iota
	FragmentAudit
	FragmentStatus
	FragmentExportDestinations

	FragmentNone Fragment = 0
	FragmentAll           = FragmentCore | FragmentAudit | FragmentStatus | FragmentExportDestinations
)

var fragmentNames = []struct {
	f    Fragment
	name string
}{
	{FragmentCore, "core"},
	{FragmentAudit, "audit"},
	{FragmentStatus, "status"},
	{FragmentExportDestinations, "export_destinations"},
}

func (f Fragment) Has(x Fragment) bool { return f&x == x }

func (f Fragment) String() string {
	if f == FragmentNone {
		return "none"
	}
	var parts []string
	for _, n := range fragmentNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Key identifies one destination of a command.
type Key struct {
	AgentID      string
	AssetGroupID string
}

func (k Key) String() string { return k.AgentID + "|" + k.AssetGroupID }

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(b []byte) error {
	agent, ag, ok := strings.Cut(string(b), "|")
	if !ok {
		return fmt.Errorf("invalid destination key %q", b)
	}
	k.AgentID, k.AssetGroupID = agent, ag
	return nil
}

// Core is the fragment every read returns.
type Core struct {
	CommandID     command.ID      `json:"id"`
	CommandType   command.Type    `json:"ct"`
	Subject       command.Subject `json:"subject"`
	Requester     string          `json:"requester,omitempty"`
	Context       string          `json:"context,omitempty"`
	CloudInstance string          `json:"cloudInstance,omitempty"`
	IsSynthetic   bool            `json:"synthetic,omitempty"`
	CreatedTime   time.Time       `json:"crt"`
	CompletedTime *time.Time      `json:"cpt,omitempty"`

	IsGloballyComplete    bool `json:"c"`
	TotalCommandCount     int  `json:"tcc"`
	IngestedCommandCount  int  `json:"icc"`
	CompletedCommandCount int  `json:"ccc"`

	IngestionDataSetVersion   int64                    `json:"dsv"`
	QueueStorage              command.QueueStorageKind `json:"qst"`
	WeightedMonikers          []string                 `json:"wml,omitempty"`
	FinalExportDestinationURI string                   `json:"fed,omitempty"`

	// RawCommand is the inbound payload. Stores keep it compressed and
	// outside the indexed core columns.
	RawCommand json.RawMessage `json:"-"`
}

// StatusRecord tracks delivery of one destination.
type StatusRecord struct {
	AgentID         string     `json:"aid"`
	AssetGroupID    string     `json:"gid"`
	Moniker         string     `json:"m,omitempty"`
	IngestionTime   *time.Time `json:"it,omitempty"`
	CompletedTime   *time.Time `json:"ct,omitempty"`
	Delinked        bool       `json:"dl,omitempty"`
	AffectedRows    int        `json:"ar,omitempty"`
	ClaimedVariants []string   `json:"cv,omitempty"`
}

// AuditRecord is the routing decision made for one destination.
type AuditRecord struct {
	AgentID      string   `json:"aid"`
	AssetGroupID string   `json:"gid"`
	Applicable   bool     `json:"ap"`
	Reason       string   `json:"rc,omitempty"`
	Description  string   `json:"d,omitempty"`
	VariantIDs   []string `json:"v,omitempty"`
}

// ExportDestination is where one destination wrote its export.
type ExportDestination struct {
	AgentID      string `json:"aid"`
	AssetGroupID string `json:"gid"`
	URI          string `json:"uri"`
	Path         string `json:"path,omitempty"`
}

// Record is the full history of one command. Fragments not read are nil.
type Record struct {
	Core               Core
	StatusMap          map[Key]*StatusRecord
	AuditMap           map[Key]*AuditRecord
	ExportDestinations map[Key]*ExportDestination

	read    Fragment
	version int64
	digests map[Fragment]uint64
}

// NewRecord creates an unread record with empty maps, ready for TryInsert.
func NewRecord(core Core) *Record {
	return &Record{
		Core:               core,
		StatusMap:          make(map[Key]*StatusRecord),
		AuditMap:           make(map[Key]*AuditRecord),
		ExportDestinations: make(map[Key]*ExportDestination),
	}
}

// CommandID is shorthand for Core.CommandID.
func (r *Record) CommandID() command.ID { return r.Core.CommandID }

// ReadFragments reports which fragments were loaded by the store.
func (r *Record) ReadFragments() Fragment { return r.read }

// ChangedFragments compares every read fragment with its state at read time.
func (r *Record) ChangedFragments() Fragment {
	changed := FragmentNone
	for _, n := range fragmentNames {
		if !r.read.Has(n.f) {
			continue
		}
		if d, err := r.digest(n.f); err != nil || d != r.digests[n.f] {
			changed |= n.f
		}
	}
	return changed
}

// markRead snapshots digests of the loaded fragments.
func (r *Record) markRead(fragments Fragment, version int64) error {
	r.read = fragments
	r.version = version
	r.digests = make(map[Fragment]uint64, len(fragmentNames))
	for _, n := range fragmentNames {
		if !fragments.Has(n.f) {
			continue
		}
		d, err := r.digest(n.f)
		if err != nil {
			return err
		}
		r.digests[n.f] = d
	}
	return nil
}

func (r *Record) digest(f Fragment) (uint64, error) {
	b, err := r.encode(f)
	if err != nil {
		return 0, err
	}
	h := xxhash.Sum64(b)
	if f == FragmentCore {
		h ^= xxhash.Sum64(r.Core.RawCommand)
	}
	return h, nil
}

// encode serializes one fragment. Maps marshal with sorted keys, so equal
// contents always produce equal bytes.
func (r *Record) encode(f Fragment) ([]byte, error) {
	switch f {
	case FragmentCore:
		return json.Marshal(r.Core)
	case FragmentAudit:
		return json.Marshal(r.AuditMap)
	case FragmentStatus:
		return json.Marshal(r.StatusMap)
	case FragmentExportDestinations:
		return json.Marshal(r.ExportDestinations)
	}
	return nil, fmt.Errorf("unknown fragment %d", f)
}

func (r *Record) decode(f Fragment, b []byte) error {
	switch f {
	case FragmentCore:
		raw := r.Core.RawCommand
		if err := json.Unmarshal(b, &r.Core); err != nil {
			return err
		}
		r.Core.RawCommand = raw
		return nil
	case FragmentAudit:
		r.AuditMap = make(map[Key]*AuditRecord)
		return json.Unmarshal(b, &r.AuditMap)
	case FragmentStatus:
		r.StatusMap = make(map[Key]*StatusRecord)
		return json.Unmarshal(b, &r.StatusMap)
	case FragmentExportDestinations:
		r.ExportDestinations = make(map[Key]*ExportDestination)
		return json.Unmarshal(b, &r.ExportDestinations)
	}
	return fmt.Errorf("unknown fragment %d", f)
}

func (r *Record) validForInsert() error {
	if r.read != FragmentNone {
		return fmt.Errorf("%w: record was read from a store", ErrInvalidRecord)
	}
	if r.StatusMap == nil || r.AuditMap == nil || r.ExportDestinations == nil {
		return fmt.Errorf("%w: insert must carry every fragment", ErrInvalidRecord)
	}
	if r.Core.CommandID == "" {
		return fmt.Errorf("%w: missing command id", ErrInvalidRecord)
	}
	return nil
}

// checkReplace validates the fragments a caller wants to write.
func (r *Record) checkReplace(fragments Fragment) error {
	if changed := r.ChangedFragments(); changed != fragments {
		return fmt.Errorf("%w: changed %s, writing %s", ErrFragmentMismatch, changed, fragments)
	}
	if fragments&^r.read != FragmentNone {
		return fmt.Errorf("%w: read %s, writing %s", ErrFragmentMismatch, r.read, fragments)
	}
	return nil
}

// IsComplete reports whether every destination recorded a completion.
func (r *Record) IsComplete() bool {
	for _, s := range r.StatusMap {
		if s.CompletedTime == nil {
			return false
		}
	}
	return true
}

// AnyIngested reports whether at least one destination recorded ingestion.
func (r *Record) AnyIngested() bool {
	for _, s := range r.StatusMap {
		if s.IngestionTime != nil {
			return true
		}
	}
	return false
}
