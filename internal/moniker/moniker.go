// Package moniker assigns commands to physical queue shards ("monikers").
package moniker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// PreferredMoniker picks the shard for a (command, asset group) pair from a
// weighted list. The same inputs always produce the same shard. An empty list
// yields "".
func PreferredMoniker(id command.ID, assetGroupID string, weighted []string) string {
	if len(weighted) == 0 {
		return ""
	}
	h := xxhash.Sum64String(string(id)) ^ xxhash.Sum64String(assetGroupID)
	return weighted[h%uint64(len(weighted))]
}

// Shard is one configured queue shard.
type Shard struct {
	Moniker  string                   `yaml:"moniker"`
	Kind     command.QueueStorageKind `yaml:"kind"`
	Weight   int                      `yaml:"weight"`
	Disabled bool                     `yaml:"disabled"`
}

// ShardSource lists the configured shards.
type ShardSource interface {
	Shards(ctx context.Context) ([]Shard, error)
}

// StaticShards is a fixed shard list.
type StaticShards []Shard

func (s StaticShards) Shards(context.Context) ([]Shard, error) { return s, nil }

// FileShardSource reads shards from a YAML file on every call so weight and
// disable changes are picked up by the next refresh.
type FileShardSource struct {
	Path string
}

func (f FileShardSource) Shards(context.Context) ([]Shard, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read shards file: %w", err)
	}
	var doc struct {
		Shards []Shard `yaml:"shards"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse shards file %s: %w", f.Path, err)
	}
	return doc.Shards, nil
}

// BuildWeighted repeats every enabled shard of a kind weight times.
func BuildWeighted(shards []Shard, kind command.QueueStorageKind) []string {
	var out []string
	for _, s := range shards {
		if s.Kind != kind || s.Disabled {
			continue
		}
		for i := 0; i < s.Weight; i++ {
			out = append(out, s.Moniker)
		}
	}
	return out
}

// unweighted lists every enabled shard of a kind once.
func unweighted(shards []Shard, kind command.QueueStorageKind) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range shards {
		if s.Kind != kind || s.Disabled {
			continue
		}
		if _, dup := seen[s.Moniker]; !dup {
			seen[s.Moniker] = struct{}{}
			out = append(out, s.Moniker)
		}
	}
	return out
}

// Config tunes the Assignor caches.
type Config struct {
	RefreshInterval      time.Duration
	PartitionSizeRefresh time.Duration
	Rebalance            RebalanceConfig

	// Fallback is served, unweighted, when the shard source has never
	// loaded successfully.
	Fallback []Shard
}

type weightedState struct {
	weighted map[command.QueueStorageKind][]string
	all      map[command.QueueStorageKind][]string
	loadedAt time.Time
}

type sizeEntry struct {
	sizes     PartitionSizes
	fetchedAt time.Time
}

// Assignor serves weighted moniker lists. Lists are swapped atomically on
// refresh; readers holding a list never block on a refresh.
type Assignor struct {
	source ShardSource
	sizes  PartitionSizeSource
	cfg    Config
	now    func() time.Time
	log    *slog.Logger

	refreshMu sync.Mutex
	state     atomic.Pointer[weightedState]

	sizeRefreshMu sync.Mutex
	sizeMu        sync.RWMutex
	sizeCache     map[string]sizeEntry
}

// NewAssignor creates an assignor. sizes may be nil, which disables the
// partition-size path.
func NewAssignor(source ShardSource, sizes PartitionSizeSource, cfg Config) *Assignor {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.PartitionSizeRefresh <= 0 {
		cfg.PartitionSizeRefresh = 5 * time.Minute
	}
	cfg.Rebalance = cfg.Rebalance.withDefaults()

	return &Assignor{
		source:    source,
		sizes:     sizes,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.With("component", "moniker"),
		sizeCache: make(map[string]sizeEntry),
	}
}

// CurrentWeighted returns the weighted list for a storage kind. The returned
// slice is shared and must not be modified.
func (a *Assignor) CurrentWeighted(ctx context.Context, kind command.QueueStorageKind) []string {
	st := a.current(ctx)
	if st == nil {
		return nil
	}
	return st.weighted[kind]
}

// AllMonikers returns every configured shard of a kind, disabled ones
// included, sorted.
func (a *Assignor) AllMonikers(ctx context.Context, kind command.QueueStorageKind) []string {
	st := a.current(ctx)
	if st == nil {
		return nil
	}
	return st.all[kind]
}

func (a *Assignor) fresh(st *weightedState) bool {
	return st != nil && a.now().Sub(st.loadedAt) < a.cfg.RefreshInterval
}

func (a *Assignor) current(ctx context.Context) *weightedState {
	st := a.state.Load()
	if a.fresh(st) {
		return st
	}

	if st != nil {
		// Someone else is refreshing; serve what we have.
		if !a.refreshMu.TryLock() {
			return st
		}
	} else {
		a.refreshMu.Lock()
	}
	defer a.refreshMu.Unlock()

	if cur := a.state.Load(); a.fresh(cur) {
		return cur
	}

	next, err := a.load(ctx)
	if err != nil {
		if st == nil {
			if len(a.cfg.Fallback) == 0 {
				a.log.Error("moniker load failed and no fallback shards configured", "error", err)
				return nil
			}
			a.log.Warn("moniker load failed, serving unweighted fallback shards", "error", err)
			fb := a.build(a.cfg.Fallback, true)
			a.state.Store(fb)
			return fb
		}
		a.log.Warn("moniker refresh failed, serving previous list", "error", err)
		stale := *st
		stale.loadedAt = a.now()
		a.state.Store(&stale)
		return &stale
	}

	a.state.Store(next)
	return next
}

func (a *Assignor) load(ctx context.Context) (*weightedState, error) {
	shards, err := a.source.Shards(ctx)
	if err != nil {
		return nil, err
	}
	return a.build(shards, false), nil
}

// build indexes shards by kind. A kind whose enabled shards all carry zero
// weight, or any kind when flat is set, gets the unweighted list.
func (a *Assignor) build(shards []Shard, flat bool) *weightedState {
	st := &weightedState{
		weighted: make(map[command.QueueStorageKind][]string),
		all:      make(map[command.QueueStorageKind][]string),
		loadedAt: a.now(),
	}

	seen := make(map[command.QueueStorageKind]map[string]struct{})
	for _, s := range shards {
		if seen[s.Kind] == nil {
			seen[s.Kind] = make(map[string]struct{})
		}
		if _, dup := seen[s.Kind][s.Moniker]; !dup {
			seen[s.Kind][s.Moniker] = struct{}{}
			st.all[s.Kind] = append(st.all[s.Kind], s.Moniker)
		}
	}
	for kind := range st.all {
		sort.Strings(st.all[kind])
		if !flat {
			st.weighted[kind] = BuildWeighted(shards, kind)
		}
		if len(st.weighted[kind]) == 0 {
			st.weighted[kind] = unweighted(shards, kind)
		}
	}
	return st
}
