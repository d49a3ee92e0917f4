// Package store implements the tiered block store: block lifecycle, space management
// and local reads and writes across the storage topology.
package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/allocator"
	"github.com/gftdcojp/tiered-block-worker/internal/evictor"
	"github.com/gftdcojp/tiered-block-worker/internal/lock"
	"github.com/gftdcojp/tiered-block-worker/internal/meta"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// Config holds dependencies for the block store.
type Config struct {
	Topology    *tier.Topology
	Allocator   allocator.Allocator
	Evictor     *evictor.Evictor
	Journal     meta.Journal
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// TieredBlockStore is the single entry point for block lifecycle operations. It has no
// store-wide mutex: blocks are serialized by the lock manager and capacity by each
// storage dir.
type TieredBlockStore struct {
	topo        *tier.Topology
	alloc       allocator.Allocator
	evictor     *evictor.Evictor
	journal     meta.Journal
	locks       *lock.Manager
	registry    *meta.Registry
	report      *reportAccumulator
	lockTimeout time.Duration
	logger      *zap.Logger

	// pinned is replaced wholesale under pinMu. Readers load it without locking.
	pinMu  sync.Mutex
	pinned atomic.Pointer[map[int64]struct{}]
}

// New creates the store, purges temporary data left by a previous process and reloads
// committed blocks from the journal.
func New(ctx context.Context, cfg Config) (*TieredBlockStore, error) {
	if cfg.Journal == nil {
		cfg.Journal = meta.NewMemoryJournal()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	s := &TieredBlockStore{
		topo:        cfg.Topology,
		alloc:       cfg.Allocator,
		evictor:     cfg.Evictor,
		journal:     cfg.Journal,
		locks:       lock.NewManager(cfg.Logger),
		registry:    meta.NewRegistry(),
		report:      newReportAccumulator(),
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger.Named("store"),
	}
	empty := make(map[int64]struct{})
	s.pinned.Store(&empty)

	if err := s.purgeTempDirs(); err != nil {
		return nil, err
	}
	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	for _, st := range s.topo.Tiers() {
		s.refreshTierGauges(st)
	}
	return s, nil
}

func (s *TieredBlockStore) purgeTempDirs() error {
	for _, d := range s.topo.AllDirs() {
		if err := os.RemoveAll(d.TempDir()); err != nil {
			return fmt.Errorf("purging temp dir %s: %w", d.TempDir(), err)
		}
		if err := os.MkdirAll(d.TempDir(), 0755); err != nil {
			return fmt.Errorf("creating temp dir %s: %w", d.TempDir(), err)
		}
	}
	return nil
}

func (s *TieredBlockStore) recover(ctx context.Context) error {
	records, err := s.journal.ListBlocks(ctx)
	if err != nil {
		return fmt.Errorf("listing journaled blocks: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CommittedAt.Before(records[j].CommittedAt) })

	restored := 0
	for _, rec := range records {
		if reason := s.restoreRecord(rec); reason != "" {
			s.logger.Warn("dropping journaled block",
				zap.Int64("block_id", rec.BlockID),
				zap.Stringer("location", rec.Location()),
				zap.String("reason", reason),
			)
			if err := s.journal.DeleteBlock(ctx, rec.BlockID); err != nil {
				return fmt.Errorf("dropping journaled block %d: %w", rec.BlockID, err)
			}
			continue
		}
		restored++
	}

	pinned, err := s.journal.LoadPinned(ctx)
	if err != nil {
		return fmt.Errorf("loading pinned blocks: %w", err)
	}
	s.setPinned(pinned)

	s.logger.Info("block store recovered",
		zap.Int("blocks", restored),
		zap.Int("dropped", len(records)-restored),
		zap.Int("pinned", len(pinned)),
	)
	return nil
}

func (s *TieredBlockStore) restoreRecord(rec meta.BlockRecord) string {
	dir, ok := s.topo.Dir(rec.Location())
	if !ok {
		return "storage dir no longer configured"
	}
	info, err := os.Stat(dir.BlockPath(rec.BlockID))
	if err != nil {
		return "block file missing"
	}
	if info.Size() != rec.Size {
		return "block file size mismatch"
	}
	if !dir.Reserve(rec.BlockID, rec.Size) {
		return "storage dir over capacity"
	}
	bm := meta.BlockMeta{
		BlockID:     rec.BlockID,
		Size:        rec.Size,
		Dir:         dir,
		CommittedBy: rec.CommittedBy,
		CommittedAt: rec.CommittedAt,
	}
	if err := s.registry.Restore(bm); err != nil {
		dir.Unreserve(rec.BlockID, rec.Size)
		return err.Error()
	}
	s.evictor.Policy().OnCommit(rec.BlockID)
	return ""
}

// Topology returns the storage hierarchy the store manages.
func (s *TieredBlockStore) Topology() *tier.Topology { return s.topo }

// LockTimeout is the bound applied to lock waits by default.
func (s *TieredBlockStore) LockTimeout() time.Duration { return s.lockTimeout }

// HasBlockMeta reports whether the block is committed locally.
func (s *TieredBlockStore) HasBlockMeta(blockID int64) bool {
	return s.registry.HasBlock(blockID)
}

// BlockMeta returns the meta of a committed block.
func (s *TieredBlockStore) BlockMeta(blockID int64) (meta.BlockMeta, error) {
	return s.registry.Block(blockID)
}

// TempBlockMeta returns the meta of a temporary block owned by sessionID.
func (s *TieredBlockStore) TempBlockMeta(sessionID, blockID int64) (meta.TempBlockMeta, error) {
	return s.registry.TempBlock(sessionID, blockID)
}

// Blocks lists every committed block.
func (s *TieredBlockStore) Blocks() []meta.BlockMeta {
	return s.registry.Blocks()
}

// BlocksInDir lists the committed blocks of a dir.
func (s *TieredBlockStore) BlocksInDir(dir *tier.StorageDir) []meta.BlockMeta {
	return s.registry.BlocksInDir(dir)
}

// IsLocked reports whether any session holds a lock on the block.
func (s *TieredBlockStore) IsLocked(blockID int64) bool {
	return s.locks.IsLocked(blockID)
}

// IsPinned reports whether the block is on the current pin list.
func (s *TieredBlockStore) IsPinned(blockID int64) bool {
	_, ok := (*s.pinned.Load())[blockID]
	return ok
}

func (s *TieredBlockStore) setPinned(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.pinned.Store(&set)
}

// UpdatePinnedBlocks replaces the pin list. The last writer wins.
func (s *TieredBlockStore) UpdatePinnedBlocks(ctx context.Context, ids []int64) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	s.replacePinnedLocked(ctx, ids)
}

// pin adds one block to the pin list. Concurrent calls never drop each other's ids.
func (s *TieredBlockStore) pin(ctx context.Context, blockID int64) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.IsPinned(blockID) {
		return
	}
	s.replacePinnedLocked(ctx, append(s.PinnedBlocks(), blockID))
}

// replacePinnedLocked requires pinMu so the journal sees pin lists in the same order
// as readers do.
func (s *TieredBlockStore) replacePinnedLocked(ctx context.Context, ids []int64) {
	s.setPinned(ids)
	if err := s.journal.SavePinned(ctx, ids); err != nil {
		s.logger.Warn("failed to persist pin list", zap.Error(err), zap.Int("pinned", len(ids)))
	}
	s.logger.Debug("pin list updated", zap.Int("pinned", len(ids)))
}

// PinnedBlocks returns the current pin list in ascending order.
func (s *TieredBlockStore) PinnedBlocks() []int64 {
	set := *s.pinned.Load()
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Report drains the changes accumulated since the previous call.
func (s *TieredBlockStore) Report() types.BlockHeartbeatReport {
	return s.report.drain()
}

// RestoreReport merges back a report that could not be delivered.
func (s *TieredBlockStore) RestoreReport(report types.BlockHeartbeatReport) {
	s.report.restore(report)
}

// StoreMeta summarizes capacity and usage without listing blocks.
func (s *TieredBlockStore) StoreMeta() types.BlockStoreMeta {
	m := types.BlockStoreMeta{
		TierOrder:            s.topo.TierAliases(),
		CapacityBytesOnTiers: make(map[string]int64),
		UsedBytesOnTiers:     make(map[string]int64),
		NumberOfBlocks:       s.registry.NumBlocks(),
	}
	for _, st := range s.topo.Tiers() {
		for _, d := range st.Dirs() {
			capacity, used := d.CapacityBytes(), d.CommittedBytes()
			m.CapacityBytes += capacity
			m.UsedBytes += used
			m.CapacityBytesOnTiers[st.Alias()] += capacity
			m.UsedBytesOnTiers[st.Alias()] += used
			m.Dirs = append(m.Dirs, types.DirMeta{
				Location:      d.Location(),
				Path:          d.Path(),
				CapacityBytes: capacity,
				UsedBytes:     used,
			})
		}
	}
	return m
}

// StoreMetaFull is StoreMeta plus the committed block ids per tier and per dir.
func (s *TieredBlockStore) StoreMetaFull() types.BlockStoreMeta {
	m := s.StoreMeta()
	m.BlockList = make(map[string][]int64)
	m.BlockListByLocation = make(map[types.BlockStoreLocation][]int64)
	for _, alias := range m.TierOrder {
		m.BlockList[alias] = []int64{}
	}
	blocks := s.registry.Blocks()
	for _, bm := range blocks {
		loc := bm.Location()
		m.BlockList[loc.TierAlias] = append(m.BlockList[loc.TierAlias], bm.BlockID)
		m.BlockListByLocation[loc] = append(m.BlockListByLocation[loc], bm.BlockID)
	}
	m.NumberOfBlocks = len(blocks)
	return m
}

// CleanupSession aborts the session's temporary blocks and releases its locks.
func (s *TieredBlockStore) CleanupSession(ctx context.Context, sessionID int64) {
	for _, tb := range s.registry.TempBlocksOfSession(sessionID) {
		if err := s.AbortBlock(ctx, sessionID, tb.BlockID); err != nil {
			s.logger.Warn("failed to abort block during session cleanup",
				zap.Error(err), zap.Int64("session_id", sessionID), zap.Int64("block_id", tb.BlockID))
		}
	}
	s.locks.UnlockSession(sessionID)
}

func (s *TieredBlockStore) refreshTierGauges(st *tier.StorageTier) {
	metrics.TierCapacityBytes.WithLabelValues(st.Alias()).Set(float64(st.CapacityBytes()))
	metrics.TierUsedBytes.WithLabelValues(st.Alias()).Set(float64(st.CommittedBytes()))
}
