package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNoChainHead indicates no previous event exists for this chain.
	ErrNoChainHead = errors.New("no chain head found")
)

// ComputeEventHash hashes the canonical JSON of an event with its own hash
// field cleared.
func ComputeEventHash(evt *Event) string {
	cp := *evt
	cp.Chain.EventHash = ""

	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "evt_" + uuid.NewString()
}

// ChainTracker remembers the last event hash per chain and persists it.
type ChainTracker struct {
	mu       sync.Mutex
	heads    map[string]string
	filePath string
}

// NewChainTracker creates a chain tracker that persists to the given directory.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./state"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain tracker dir: %w", err)
	}

	ct := &ChainTracker{
		heads:    make(map[string]string),
		filePath: filepath.Join(dir, "event-chain-heads.json"),
	}

	if err := ct.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}

	return ct, nil
}

// Link assigns ids and chain hashes to events in order. Heads only advance
// in memory; call Commit once the events are durable.
func (ct *ChainTracker) Link(events []Event) map[string]string {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	heads := make(map[string]string)
	for i := range events {
		evt := &events[i]
		key := evt.ChainKey()
		prev, ok := heads[key]
		if !ok {
			prev = ct.heads[key]
		}
		if evt.EventID == "" {
			evt.EventID = GenerateEventID()
		}
		evt.Chain.PrevEventHash = prev
		evt.Chain.EventHash = ComputeEventHash(evt)
		heads[key] = evt.Chain.EventHash
	}
	return heads
}

// Head returns the last committed hash of a chain.
func (ct *ChainTracker) Head(chainKey string) (string, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	hash, ok := ct.heads[chainKey]
	if !ok || hash == "" {
		return "", ErrNoChainHead
	}
	return hash, nil
}

// Commit stores new chain heads.
func (ct *ChainTracker) Commit(heads map[string]string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for k, v := range heads {
		ct.heads[k] = v
	}
	return ct.save()
}

func (ct *ChainTracker) load() error {
	data, err := os.ReadFile(ct.filePath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &ct.heads)
}

func (ct *ChainTracker) save() error {
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically using temp file
	tmpPath := ct.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, ct.filePath)
}
