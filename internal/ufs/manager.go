package ufs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// Mount binds an under file system to a point in the worker's namespace.
type Mount struct {
	MountPoint string
	UFS        UnderFileSystem
	// Version is the mount table version at which this mount was installed.
	Version int64
}

// Manager is the mount table. Every change bumps the table version; a request carrying
// a version older than the mount it resolves to is rejected as stale.
type Manager struct {
	mu      sync.RWMutex
	mounts  map[string]*Mount
	version int64
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		mounts: make(map[string]*Mount),
		logger: logger.Named("ufs"),
	}
}

func cleanMountPoint(mp string) string {
	if mp == "" || mp == "/" {
		return "/"
	}
	return "/" + strings.Trim(mp, "/")
}

// Mount installs u at mountPoint, replacing any previous mount there, and returns the
// new table version.
func (m *Manager) Mount(mountPoint string, u UnderFileSystem) int64 {
	mountPoint = cleanMountPoint(mountPoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	m.mounts[mountPoint] = &Mount{MountPoint: mountPoint, UFS: u, Version: m.version}
	m.logger.Info("ufs mounted",
		zap.String("mount_point", mountPoint),
		zap.String("type", u.Type()),
		zap.Int64("version", m.version),
	)
	return m.version
}

// Unmount removes a mount and returns the new table version.
func (m *Manager) Unmount(mountPoint string) (int64, error) {
	mountPoint = cleanMountPoint(mountPoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mounts[mountPoint]; !ok {
		return 0, fmt.Errorf("%w: nothing mounted at %s", types.ErrInvalidWorkerState, mountPoint)
	}
	delete(m.mounts, mountPoint)
	m.version++
	m.logger.Info("ufs unmounted", zap.String("mount_point", mountPoint), zap.Int64("version", m.version))
	return m.version, nil
}

// Version is the current mount table version.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Resolve finds the mount serving path and returns it with path made relative to the
// mount root. An empty mountPoint selects the longest mount point prefixing path.
func (m *Manager) Resolve(mountPoint, path string, version int64) (*Mount, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mnt *Mount
	if mountPoint != "" {
		mnt = m.mounts[cleanMountPoint(mountPoint)]
	} else {
		for mp, candidate := range m.mounts {
			if !underMountPoint(path, mp) {
				continue
			}
			if mnt == nil || len(mp) > len(mnt.MountPoint) {
				mnt = candidate
			}
		}
	}
	if mnt == nil {
		return nil, "", fmt.Errorf("%w: no mount for %s", types.ErrInvalidWorkerState, path)
	}
	if version < mnt.Version || version > m.version {
		return nil, "", fmt.Errorf("%w: request version %d, %s mounted at version %d (table at %d)",
			types.ErrStaleMountTable, version, mnt.MountPoint, mnt.Version, m.version)
	}
	return mnt, relativeTo(path, mnt.MountPoint), nil
}

func underMountPoint(path, mp string) bool {
	if mp == "/" {
		return true
	}
	return path == mp || strings.HasPrefix(path, mp+"/")
}

func relativeTo(path, mp string) string {
	if mp != "/" {
		path = strings.TrimPrefix(path, mp)
	}
	return strings.TrimPrefix(path, "/")
}

// MountPoints lists the current mount points in order.
func (m *Manager) MountPoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.mounts))
	for mp := range m.mounts {
		out = append(out, mp)
	}
	sort.Strings(out)
	return out
}

// Pingers exposes each mount for readiness checks.
func (m *Manager) Pingers() map[string]metrics.ContextPinger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]metrics.ContextPinger, len(m.mounts))
	for mp, mnt := range m.mounts {
		out[mp] = mnt.UFS
	}
	return out
}
