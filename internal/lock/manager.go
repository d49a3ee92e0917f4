// Package lock grants per-block shared and exclusive locks with bounded waits.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Mode is the access mode of a block lock.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// writeWeight is the semaphore weight of an exclusive holder. Every reader takes a
// weight of one, so a writer can only be granted once all readers have left.
const writeWeight = 1 << 30

func (m Mode) weight() int64 {
	if m == Write {
		return writeWeight
	}
	return 1
}

type blockLock struct {
	sem  *semaphore.Weighted
	refs int // holders plus waiters
	held int
}

// Record describes a granted lock.
type Record struct {
	LockID    int64
	SessionID int64
	BlockID   int64
	Mode      Mode
}

// Manager hands out block-scoped locks. Its own mutex only guards bookkeeping and is
// never held while a caller waits for a block.
type Manager struct {
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int64
	blocks   map[int64]*blockLock
	locks    map[int64]Record
	sessions map[int64]map[int64]struct{}
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("lock"),
		blocks:   make(map[int64]*blockLock),
		locks:    make(map[int64]Record),
		sessions: make(map[int64]map[int64]struct{}),
	}
}

func (m *Manager) acquireEntry(blockID int64) *blockLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.blocks[blockID]
	if !ok {
		bl = &blockLock{sem: semaphore.NewWeighted(writeWeight)}
		m.blocks[blockID] = bl
	}
	bl.refs++
	return bl
}

// dropEntryLocked must be called with m.mu held.
func (m *Manager) dropEntryLocked(blockID int64, bl *blockLock) {
	bl.refs--
	if bl.refs == 0 {
		delete(m.blocks, blockID)
	}
}

func (m *Manager) grant(sessionID, blockID int64, mode Mode, bl *blockLock) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	bl.held++
	m.locks[id] = Record{LockID: id, SessionID: sessionID, BlockID: blockID, Mode: mode}
	ids, ok := m.sessions[sessionID]
	if !ok {
		ids = make(map[int64]struct{})
		m.sessions[sessionID] = ids
	}
	ids[id] = struct{}{}
	return id
}

// Lock blocks until the lock is granted or timeout elapses. A timeout of zero or less
// means a single non-blocking attempt.
func (m *Manager) Lock(ctx context.Context, sessionID, blockID int64, mode Mode, timeout time.Duration) (int64, error) {
	start := time.Now()
	bl := m.acquireEntry(blockID)

	var err error
	if timeout <= 0 {
		if !bl.sem.TryAcquire(mode.weight()) {
			err = context.DeadlineExceeded
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err = bl.sem.Acquire(waitCtx, mode.weight())
		cancel()
	}
	metrics.LockWait.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		m.mu.Lock()
		m.dropEntryLocked(blockID, bl)
		m.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.LockTimeouts.WithLabelValues(mode.String()).Inc()
			return 0, fmt.Errorf("%w: %s lock on block %d not acquired within %s",
				types.ErrDeadlineExceeded, mode, blockID, timeout)
		}
		return 0, fmt.Errorf("acquiring %s lock on block %d: %w", mode, blockID, err)
	}

	id := m.grant(sessionID, blockID, mode, bl)
	m.logger.Debug("lock granted",
		zap.Int64("lock_id", id),
		zap.Int64("session_id", sessionID),
		zap.Int64("block_id", blockID),
		zap.Stringer("mode", mode),
	)
	return id, nil
}

// TryLock attempts to take the lock without waiting.
func (m *Manager) TryLock(sessionID, blockID int64, mode Mode) (int64, bool) {
	bl := m.acquireEntry(blockID)
	if !bl.sem.TryAcquire(mode.weight()) {
		m.mu.Lock()
		m.dropEntryLocked(blockID, bl)
		m.mu.Unlock()
		return 0, false
	}
	return m.grant(sessionID, blockID, mode, bl), true
}

// Unlock releases a granted lock. Releasing an unknown or already released lock is an
// error.
func (m *Manager) Unlock(lockID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.locks[lockID]
	if !ok {
		return fmt.Errorf("%w: lock %d is not held", types.ErrInvalidWorkerState, lockID)
	}
	m.releaseLocked(rec)
	return nil
}

func (m *Manager) releaseLocked(rec Record) {
	delete(m.locks, rec.LockID)
	if ids, ok := m.sessions[rec.SessionID]; ok {
		delete(ids, rec.LockID)
		if len(ids) == 0 {
			delete(m.sessions, rec.SessionID)
		}
	}
	bl := m.blocks[rec.BlockID]
	bl.held--
	bl.sem.Release(rec.Mode.weight())
	m.dropEntryLocked(rec.BlockID, bl)
}

// UnlockSession releases every lock held by a session and returns how many were held.
func (m *Manager) UnlockSession(sessionID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.sessions[sessionID]
	n := 0
	for id := range ids {
		if rec, ok := m.locks[id]; ok {
			m.releaseLocked(rec)
			n++
		}
	}
	if n > 0 {
		m.logger.Warn("released leaked session locks",
			zap.Int64("session_id", sessionID), zap.Int("count", n))
	}
	return n
}

// IsLocked reports whether any lock is currently granted on the block.
func (m *Manager) IsLocked(blockID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.blocks[blockID]
	return ok && bl.held > 0
}

// Lookup returns the record of a granted lock.
func (m *Manager) Lookup(lockID int64) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.locks[lockID]
	return rec, ok
}

// LockedBlocks returns the ids of blocks with at least one granted lock.
func (m *Manager) LockedBlocks() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.blocks))
	for id, bl := range m.blocks {
		if bl.held > 0 {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
