package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileBackup appends events to one JSON lines file per day.
type FileBackup struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./state/events"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

func (f *FileBackup) path(day time.Time) string {
	return filepath.Join(f.dir, fmt.Sprintf("events-%s.jsonl", day.UTC().Format("2006-01-02")))
}

// Save appends events to today's file.
func (f *FileBackup) Save(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(events[0].Timestamp)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}

	enc := json.NewEncoder(file)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			file.Close()
			return fmt.Errorf("write event: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close backup file: %w", err)
	}
	return nil
}

// FileSink writes chained events to local files only.
type FileSink struct {
	mu           sync.Mutex
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewFileSink creates a sink that writes to dir.
func NewFileSink(dir string) (*FileSink, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileSink{
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

func (s *FileSink) PublishBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	heads := s.chainTracker.Link(events)
	if err := s.backup.Save(events); err != nil {
		return err
	}
	if err := s.chainTracker.Commit(heads); err != nil {
		log.Printf("[events] warning: failed to update chain heads: %v", err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }
