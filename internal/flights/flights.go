// Package flights evaluates operational kill switches and feature flags.
package flights

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Flight names consulted by the router.
const (
	IngestionBlockedForAgentID      = "IngestionBlockedForAgentId"
	IngestionBlockedForAssetGroupID = "IngestionBlockedForAssetGroupId"
	RecoveryProcessingDisabled      = "IngestionRecoveryItemsProcessingDisabled"
	RepairProcessingDisabled        = "IngestionRepairItemsProcessingDisabled"
	PublishDroppedEventDisabled     = "CommandLifecycleEventPublishDroppedEventDisabled"
	PartitionSizeRebalanceEnabled   = "PartitionSizeMonikerRebalanceEnabled"
	WhatIfFilterAndRouteEnabled     = "WhatIfFilterAndRouteEnabled"
)

// Evaluator answers flight lookups.
type Evaluator interface {
	// IsEnabled reports whether a flight is globally on.
	IsEnabled(name string) bool

	// IsEnabledFor reports whether a flight is on for a specific key.
	IsEnabledFor(name, key string) bool
}

// IsAgentBlocked reports whether ingestion is blocked for an agent.
func IsAgentBlocked(e Evaluator, agentID string) bool {
	return e.IsEnabledFor(IngestionBlockedForAgentID, agentID)
}

// IsAssetGroupBlocked reports whether ingestion is blocked for an asset group.
func IsAssetGroupBlocked(e Evaluator, assetGroupID string) bool {
	return e.IsEnabledFor(IngestionBlockedForAssetGroupID, assetGroupID)
}

// IsBlocked reports whether ingestion is blocked for either identifier.
func IsBlocked(e Evaluator, agentID, assetGroupID string) bool {
	return IsAgentBlocked(e, agentID) || IsAssetGroupBlocked(e, assetGroupID)
}

// Flight is one entry in the flights file. A flight with no keys applies to
// everything; otherwise only to the listed keys ("*" matches any key).
type Flight struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys,omitempty"`
}

type document struct {
	Flights map[string]Flight `yaml:"flights"`
}

type state struct {
	flights map[string]Flight
	keys    map[string]map[string]struct{}
}

func newState(doc document) *state {
	st := &state{
		flights: doc.Flights,
		keys:    make(map[string]map[string]struct{}, len(doc.Flights)),
	}
	if st.flights == nil {
		st.flights = map[string]Flight{}
	}
	for name, f := range st.flights {
		set := make(map[string]struct{}, len(f.Keys))
		for _, k := range f.Keys {
			set[k] = struct{}{}
		}
		st.keys[name] = set
	}
	return st
}

func (s *state) isEnabled(name string) bool {
	return s.flights[name].Enabled
}

func (s *state) isEnabledFor(name, key string) bool {
	f, ok := s.flights[name]
	if !ok || !f.Enabled {
		return false
	}
	if len(f.Keys) == 0 {
		return true
	}
	keys := s.keys[name]
	if _, ok := keys["*"]; ok {
		return true
	}
	_, ok = keys[key]
	return ok
}

// Static is an in-memory evaluator.
type Static map[string]Flight

func (s Static) IsEnabled(name string) bool { return s[name].Enabled }

func (s Static) IsEnabledFor(name, key string) bool {
	return newState(document{Flights: s}).isEnabledFor(name, key)
}

// FileEvaluator serves flights from a YAML file and reloads it on change.
type FileEvaluator struct {
	path    string
	current atomic.Pointer[state]
	log     *slog.Logger
}

// NewFileEvaluator loads the flights file. A missing file yields an evaluator
// with every flight off.
func NewFileEvaluator(path string) (*FileEvaluator, error) {
	e := &FileEvaluator{
		path: path,
		log:  slog.With("component", "flights"),
	}
	e.current.Store(newState(document{}))

	if err := e.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return e, nil
}

func (e *FileEvaluator) IsEnabled(name string) bool {
	return e.current.Load().isEnabled(name)
}

func (e *FileEvaluator) IsEnabledFor(name, key string) bool {
	return e.current.Load().isEnabledFor(name, key)
}

func (e *FileEvaluator) reload() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse flights file %s: %w", e.path, err)
	}

	e.current.Store(newState(doc))
	e.log.Info("flights loaded", "path", e.path, "flights", len(doc.Flights))
	return nil
}

// Watch reloads the flights file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file are seen too.
// A reload that fails keeps the last good state.
func (e *FileEvaluator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(e.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(e.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := e.reload(); err != nil {
				e.log.Warn("flights reload failed, keeping previous state", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.log.Warn("flights watcher error", "error", err)
		}
	}
}
