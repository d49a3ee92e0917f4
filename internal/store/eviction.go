package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/tiered-block-worker/internal/evictor"
	"github.com/gftdcojp/tiered-block-worker/internal/lock"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// maxEvictionRounds bounds how often a plan is recomputed when victims changed state
// between planning and execution.
const maxEvictionRounds = 3

// allocateSpace reserves size bytes for blockID in a dir matching constraint. When no
// dir has room it evicts from the first candidate that can be freed and allocates once
// more. No block lock is held while evicting.
func (s *TieredBlockStore) allocateSpace(ctx context.Context, blockID, size int64, constraint types.BlockStoreLocation) (*tier.StorageDir, error) {
	candidates := s.topo.Dirs(constraint)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no storage dir matches %s", types.ErrInvalidWorkerState, constraint)
	}
	if dir := s.alloc.Allocate(blockID, size, constraint); dir != nil {
		return dir, nil
	}

	var lastErr error
	for _, dir := range candidates {
		if dir.CapacityBytes() < size {
			continue
		}
		if err := s.freeSpaceInDir(ctx, dir, size); err != nil {
			lastErr = err
			continue
		}
		if dir := s.alloc.Allocate(blockID, size, constraint); dir != nil {
			return dir, nil
		}
		break
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %d bytes for block %d in %s", types.ErrWorkerOutOfSpace, size, blockID, constraint)
	}
	if !errors.Is(lastErr, types.ErrWorkerOutOfSpace) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("allocating %d bytes for block %d in %s: %w", size, blockID, constraint, lastErr)
}

// freeSpaceInDir runs eviction plans against dir until bytes are available or the
// candidates run out.
func (s *TieredBlockStore) freeSpaceInDir(ctx context.Context, dir *tier.StorageDir, bytes int64) error {
	for round := 0; round < maxEvictionRounds; round++ {
		if dir.AvailableBytes() >= bytes {
			return nil
		}
		plan, err := s.evictor.FreeSpace(dir, bytes, s)
		if err != nil {
			return err
		}
		evicted := 0
		for _, v := range plan.Victims {
			if dir.AvailableBytes() >= bytes {
				break
			}
			if s.evictVictim(ctx, v) {
				evicted++
			}
		}
		s.logger.Debug("eviction plan executed",
			zap.Stringer("dir", dir.Location()),
			zap.Int("round", round),
			zap.Int("planned", len(plan.Victims)),
			zap.Int("evicted", evicted),
			zap.Int64("available", dir.AvailableBytes()),
		)
	}
	if dir.AvailableBytes() >= bytes {
		return nil
	}
	return fmt.Errorf("%w: could not free %d bytes in %s after %d rounds",
		types.ErrWorkerOutOfSpace, bytes, dir.Location(), maxEvictionRounds)
}

// evictVictim re-validates a planned victim under its write lock and acts on it.
// Victims whose state changed since planning are skipped.
func (s *TieredBlockStore) evictVictim(ctx context.Context, v evictor.Victim) bool {
	id := v.Block.BlockID
	lockID, ok := s.locks.TryLock(types.MigrateDataSessionID, id, lock.Write)
	if !ok {
		metrics.EvictionSkips.WithLabelValues("locked").Inc()
		return false
	}
	defer s.locks.Unlock(lockID)

	if s.IsPinned(id) {
		metrics.EvictionSkips.WithLabelValues("pinned").Inc()
		return false
	}
	bm, err := s.registry.Block(id)
	if err != nil || bm.Dir != v.Block.Dir {
		metrics.EvictionSkips.WithLabelValues("changed").Inc()
		return false
	}

	tierAlias := bm.Dir.Tier().Alias()
	if v.Action == evictor.MoveToLowerTier && v.Dest != nil && v.Dest.Reserve(id, bm.Size) {
		_, err := s.moveLocked(ctx, bm, v.Dest)
		if err == nil {
			metrics.Evictions.WithLabelValues(tierAlias, v.Action.String()).Inc()
			return true
		}
		v.Dest.Unreserve(id, bm.Size)
		s.logger.Warn("eviction move failed, removing instead",
			zap.Error(err), zap.Int64("block_id", id))
	}

	if err := s.removeLocked(ctx, bm); err != nil {
		s.logger.Warn("eviction remove failed", zap.Error(err), zap.Int64("block_id", id))
		return false
	}
	metrics.Evictions.WithLabelValues(tierAlias, evictor.Remove.String()).Inc()
	return true
}
