package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Provider serves snapshots by version.
type Provider interface {
	// Snapshot returns the snapshot pinned at version.
	Snapshot(ctx context.Context, version int64) (*Snapshot, error)

	// Current returns the newest snapshot.
	Current(ctx context.Context) (*Snapshot, error)

	// CurrentVersion returns the version of the newest snapshot.
	CurrentVersion(ctx context.Context) (int64, error)
}

var versionFile = regexp.MustCompile(`^v(\d+)\.ya?ml$`)

// FileProvider reads snapshots from <dir>/v<version>.yaml. Parsed snapshots
// are immutable and cached forever.
type FileProvider struct {
	dir   string
	log   *slog.Logger
	group singleflight.Group

	mu    sync.RWMutex
	cache map[int64]*Snapshot
}

// NewFileProvider creates a provider over a snapshot directory.
func NewFileProvider(dir string) (*FileProvider, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("snapshot dir %s: %w", dir, err)
	}
	return &FileProvider{
		dir:   dir,
		log:   slog.With("component", "snapshot"),
		cache: make(map[int64]*Snapshot),
	}, nil
}

func (p *FileProvider) Snapshot(ctx context.Context, version int64) (*Snapshot, error) {
	p.mu.RLock()
	s, ok := p.cache[version]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := p.group.Do(strconv.FormatInt(version, 10), func() (any, error) {
		return p.load(version)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (p *FileProvider) Current(ctx context.Context) (*Snapshot, error) {
	version, err := p.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return p.Snapshot(ctx, version)
}

func (p *FileProvider) CurrentVersion(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fmt.Errorf("read snapshot dir: %w", err)
	}

	var newest int64 = -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := versionFile.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if v > newest {
			newest = v
		}
	}

	if newest < 0 {
		return 0, fmt.Errorf("%w: no snapshots in %s", ErrVersionNotFound, p.dir)
	}
	return newest, nil
}

func (p *FileProvider) load(version int64) (*Snapshot, error) {
	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(p.dir, fmt.Sprintf("v%d%s", version, ext)))
		if err == nil {
			break
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
		}
		return nil, fmt.Errorf("read snapshot %d: %w", version, err)
	}

	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot %d: %w", version, err)
	}
	if s.Version != version {
		return nil, fmt.Errorf("%w: file v%d declares version %d", ErrInvalid, version, s.Version)
	}
	if err := s.init(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[version] = &s
	p.mu.Unlock()

	p.log.Info("snapshot loaded", "version", version, "agents", len(s.Agents))
	return &s, nil
}

// Static serves a fixed set of in-memory snapshots.
type Static struct {
	byVersion map[int64]*Snapshot
	current   int64
}

// NewStatic creates a provider whose current snapshot is the highest version.
func NewStatic(snapshots ...*Snapshot) *Static {
	st := &Static{byVersion: make(map[int64]*Snapshot, len(snapshots)), current: -1}
	for _, s := range snapshots {
		st.byVersion[s.Version] = s
		if s.Version > st.current {
			st.current = s.Version
		}
	}
	return st
}

func (st *Static) Snapshot(_ context.Context, version int64) (*Snapshot, error) {
	s, ok := st.byVersion[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return s, nil
}

func (st *Static) Current(ctx context.Context) (*Snapshot, error) {
	return st.Snapshot(ctx, st.current)
}

func (st *Static) CurrentVersion(_ context.Context) (int64, error) {
	if st.current < 0 {
		return 0, ErrVersionNotFound
	}
	return st.current, nil
}
