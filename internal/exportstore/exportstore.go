// Package exportstore provisions and cleans up the containers export
// commands write into. A container is a key prefix in the object store,
// marked by a small metadata object.
package exportstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/storage"
)

const (
	nameLengthLimit = 63
	stagingPrefix   = "exp-stg-"
	finalPrefix     = "exp-fin-"
	root            = "exports/"
	markerName      = ".container"
)

// Container is one provisioned export container.
type Container struct {
	Name string
	URI  string
}

type marker struct {
	CommandID command.ID `json:"command_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// Manager creates export containers on an object store.
type Manager struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
}

func New(store storage.Store) *Manager {
	return &Manager{
		store: store,
		log:   logging.Component("exportstore"),
		now:   time.Now,
	}
}

// ContainerName returns the stable container name for a tuple of ids.
func ContainerName(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "_")))
	return prefix + hex.EncodeToString(sum[:])[:nameLengthLimit-len(prefix)]
}

// StagingContainer returns the container one destination writes its part of
// an export into, creating it if needed.
func (m *Manager) StagingContainer(ctx context.Context, id command.ID, agentID, assetGroupID string) (Container, error) {
	return m.ensure(ctx, id, ContainerName(stagingPrefix, string(id), agentID, assetGroupID))
}

// StagingURI returns the URI of a destination's staging container without
// touching the store.
func (m *Manager) StagingURI(id command.ID, agentID, assetGroupID string) string {
	return m.store.URI(root + ContainerName(stagingPrefix, string(id), agentID, assetGroupID) + "/")
}

// StagingPath is the folder inside a staging container one destination
// writes to.
func StagingPath(agentID, assetGroupID string) string {
	return agentID + "/" + assetGroupID + "/"
}

// FinalContainer returns the container the completed export is assembled in.
func (m *Manager) FinalContainer(ctx context.Context, id command.ID) (Container, error) {
	return m.ensure(ctx, id, ContainerName(finalPrefix, string(id)))
}

func (m *Manager) ensure(ctx context.Context, id command.ID, name string) (Container, error) {
	c := Container{Name: name, URI: m.store.URI(root + name + "/")}
	key := root + name + "/" + markerName

	ok, err := m.store.Exists(ctx, key)
	if err != nil {
		return Container{}, fmt.Errorf("check container %s: %w", name, err)
	}
	if ok {
		return c, nil
	}

	data, err := json.Marshal(marker{CommandID: id, CreatedAt: m.now().UTC()})
	if err != nil {
		return Container{}, err
	}
	if err := m.store.Write(ctx, key, data, "application/json"); err != nil {
		return Container{}, fmt.Errorf("create container %s: %w", name, err)
	}
	m.log.Info("created export container", "container", name, "command_id", id)
	return c, nil
}

// IsManaged reports whether uri points at a container this manager owns.
func (m *Manager) IsManaged(uri string) bool {
	return uri != "" && strings.HasPrefix(uri, m.store.URI(root))
}

func (m *Manager) containerPrefix(uri string) (string, bool) {
	if !m.IsManaged(uri) {
		return "", false
	}
	name := strings.Trim(strings.TrimPrefix(uri, m.store.URI(root)), "/")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return root + name + "/", true
}

// Cleanup deletes a managed container. Containers owned by someone else and
// containers that are already gone are left alone.
func (m *Manager) Cleanup(ctx context.Context, uri string, id command.ID) error {
	prefix, ok := m.containerPrefix(uri)
	if !ok {
		return nil
	}
	n, err := m.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("cleanup container %s: %w", prefix, err)
	}
	m.log.Info("cleaned up export container", "container", prefix, "command_id", id, "objects", n)
	return nil
}

// CleanupOld deletes final containers created before now-maxAge and returns
// how many were removed. Failures on one container do not stop the sweep.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := m.store.List(ctx, root+finalPrefix)
	if err != nil {
		return 0, err
	}

	oldest := m.now().Add(-maxAge)
	removed := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+markerName) {
			continue
		}
		data, err := m.store.Read(ctx, key)
		if err != nil {
			m.log.Warn("read container marker", "key", key, "error", err)
			continue
		}
		var mk marker
		if err := json.Unmarshal(data, &mk); err != nil || !mk.CreatedAt.Before(oldest) {
			continue
		}
		prefix := strings.TrimSuffix(key, markerName)
		if _, err := m.store.DeletePrefix(ctx, prefix); err != nil {
			m.log.Error("delete old container", "container", prefix, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
