// Package checkpoint persists how far each recovery scheduler has advanced so
// restarts resume at the next unscanned window.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/storage"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrRegression is returned when a save would move a scheduler backwards.
	ErrRegression = errors.New("checkpoint moves backwards")
)

// Checkpoint records how far a recovery scheduler has progressed.
type Checkpoint struct {
	SchedulerID   string    `json:"scheduler_id"`
	LastWindowEnd time.Time `json:"last_window_end"`
	Windows       int64     `json:"windows_emitted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	Load(ctx context.Context, schedulerID string) (*Checkpoint, error)

	// Save persists cp. A LastWindowEnd earlier than the stored one is
	// rejected with ErrRegression.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // local directory; when empty the object store is used
}

// NewManager returns a file-backed manager, or a no-op one when disabled.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return noopManager{}, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}
	log.Printf("[checkpoint] using directory %s", cfg.Dir)
	return &manager{blobs: fileBlobs{dir: cfg.Dir}}, nil
}

// NewStoreManager keeps checkpoints as objects under checkpoints/ so every
// replica sees the same scheduler position.
func NewStoreManager(store storage.Store) Manager {
	log.Printf("[checkpoint] using object store %s", store.URI("checkpoints/"))
	return &manager{blobs: storeBlobs{store: store}}
}

// blobs is the byte-level persistence a manager writes through.
type blobs interface {
	get(ctx context.Context, name string) ([]byte, error)
	put(ctx context.Context, name string, data []byte) error
}

type manager struct {
	blobs blobs
}

func objectName(schedulerID string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, schedulerID)
	return "checkpoint_" + safe + ".json"
}

func (m *manager) Load(ctx context.Context, schedulerID string) (*Checkpoint, error) {
	data, err := m.blobs.get(ctx, objectName(schedulerID))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", schedulerID, err)
	}
	return &cp, nil
}

func (m *manager) Save(ctx context.Context, cp *Checkpoint) error {
	prev, err := m.Load(ctx, cp.SchedulerID)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
	case err != nil:
		return err
	case cp.LastWindowEnd.Before(prev.LastWindowEnd):
		return fmt.Errorf("%w: %s %s < %s", ErrRegression, cp.SchedulerID,
			cp.LastWindowEnd.Format(time.RFC3339), prev.LastWindowEnd.Format(time.RFC3339))
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return m.blobs.put(ctx, objectName(cp.SchedulerID), data)
}

type fileBlobs struct {
	dir string
}

func (f fileBlobs) get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	return data, nil
}

// put writes through a temp file and rename.
func (f fileBlobs) put(_ context.Context, name string, data []byte) error {
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

type storeBlobs struct {
	store storage.Store
}

func (s storeBlobs) get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.store.Read(ctx, "checkpoints/"+name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	return data, err
}

func (s storeBlobs) put(ctx context.Context, name string, data []byte) error {
	return s.store.Write(ctx, "checkpoints/"+name, data, "application/json")
}

type noopManager struct{}

func (noopManager) Load(context.Context, string) (*Checkpoint, error) { return nil, ErrNoCheckpoint }
func (noopManager) Save(context.Context, *Checkpoint) error          { return nil }
