package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/lock"
	"github.com/gftdcojp/tiered-block-worker/internal/meta"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// CreateOptions controls where a new block is placed.
type CreateOptions struct {
	// Location constrains placement. The zero value is not a wildcard; use
	// types.AnyTier() for no constraint.
	Location     types.BlockStoreLocation
	InitialBytes int64
}

// CreateBlock registers a temporary block owned by sessionID and reserves its initial
// space, evicting committed blocks if needed.
func (s *TieredBlockStore) CreateBlock(ctx context.Context, sessionID, blockID int64, opts CreateOptions) (tb meta.TempBlockMeta, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("create", start, err) }()

	if opts.InitialBytes < 0 {
		return meta.TempBlockMeta{}, fmt.Errorf("%w: negative initial size %d", types.ErrInvalidWorkerState, opts.InitialBytes)
	}
	// The claim keeps a duplicate create from evicting or reserving under the id of a
	// block that already exists.
	if err := s.registry.Claim(sessionID, blockID); err != nil {
		return meta.TempBlockMeta{}, err
	}
	dir, err := s.allocateSpace(ctx, blockID, opts.InitialBytes, opts.Location)
	if err != nil {
		s.registry.Unclaim(sessionID, blockID)
		return meta.TempBlockMeta{}, err
	}
	tb, err = s.registry.RegisterTemp(sessionID, blockID, dir, opts.InitialBytes)
	if err != nil {
		s.registry.Unclaim(sessionID, blockID)
		dir.Unreserve(blockID, opts.InitialBytes)
		return meta.TempBlockMeta{}, err
	}
	if err := os.MkdirAll(filepath.Dir(tb.Path()), 0755); err != nil {
		s.registry.Abort(sessionID, blockID)
		return meta.TempBlockMeta{}, types.IOFailure("creating temp block dir", err)
	}

	s.logger.Debug("temporary block created",
		zap.Int64("session_id", sessionID),
		zap.Int64("block_id", blockID),
		zap.Stringer("location", dir.Location()),
		zap.Int64("initial_bytes", opts.InitialBytes),
	)
	s.refreshTierGauges(dir.Tier())
	return tb, nil
}

// CreateBlockWriter opens the temporary block of sessionID for appending.
func (s *TieredBlockStore) CreateBlockWriter(sessionID, blockID int64) (*BlockWriter, error) {
	tb, err := s.registry.TempBlock(sessionID, blockID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(tb.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, types.IOFailure(fmt.Sprintf("opening temp block %d", blockID), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, types.IOFailure(fmt.Sprintf("stat temp block %d", blockID), err)
	}
	return &BlockWriter{sessionID: sessionID, blockID: blockID, file: f, position: info.Size()}, nil
}

// RequestSpace grows the reservation of a temporary block within its current dir.
func (s *TieredBlockStore) RequestSpace(ctx context.Context, sessionID, blockID, additionalBytes int64) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("request_space", start, err) }()

	tb, err := s.registry.TempBlock(sessionID, blockID)
	if err != nil {
		return err
	}
	if additionalBytes <= 0 {
		return nil
	}
	if _, err := s.allocateSpace(ctx, blockID, additionalBytes, tb.Dir.Location()); err != nil {
		return err
	}
	if _, err := s.registry.GrowTemp(sessionID, blockID, additionalBytes); err != nil {
		tb.Dir.Unreserve(blockID, additionalBytes)
		return err
	}
	s.refreshTierGauges(tb.Dir.Tier())
	return nil
}

// CommitBlock makes a temporary block visible to every session. A retry by the
// committing session succeeds without effect.
func (s *TieredBlockStore) CommitBlock(ctx context.Context, sessionID, blockID int64, pinOnCreate bool) (bm meta.BlockMeta, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("commit", start, err) }()

	lockID, err := s.locks.Lock(ctx, sessionID, blockID, lock.Write, s.lockTimeout)
	if err != nil {
		return meta.BlockMeta{}, err
	}
	defer s.locks.Unlock(lockID)

	if existing, err := s.registry.Block(blockID); err == nil {
		if existing.CommittedBy != sessionID {
			return meta.BlockMeta{}, fmt.Errorf("%w: block %d was committed by session %d",
				types.ErrBlockAlreadyExists, blockID, existing.CommittedBy)
		}
		if pinOnCreate {
			s.pin(ctx, blockID)
		}
		return existing, nil
	}

	tb, err := s.registry.TempBlock(sessionID, blockID)
	if err != nil {
		return meta.BlockMeta{}, err
	}

	size, err := ensureFile(tb.Path())
	if err != nil {
		return meta.BlockMeta{}, types.IOFailure(fmt.Sprintf("reading temp block %d", blockID), err)
	}
	if size != tb.Size {
		// Reconcile the reservation with what was actually written.
		if !tb.Dir.Resize(blockID, size) {
			return meta.BlockMeta{}, fmt.Errorf("%w: block %d wrote %d bytes but only %d were reserved",
				types.ErrWorkerOutOfSpace, blockID, size, tb.Size)
		}
	}

	rec := meta.BlockMeta{BlockID: blockID, Size: size, Dir: tb.Dir, CommittedBy: sessionID, CommittedAt: time.Now()}.Record()
	if err := s.journal.RecordBlock(ctx, rec); err != nil {
		return meta.BlockMeta{}, types.IOFailure(fmt.Sprintf("journaling block %d", blockID), err)
	}
	if err := os.Rename(tb.Path(), tb.CommitPath()); err != nil {
		s.journal.DeleteBlock(ctx, blockID)
		return meta.BlockMeta{}, types.IOFailure(fmt.Sprintf("committing block %d", blockID), err)
	}
	bm, err = s.registry.Commit(sessionID, blockID, size)
	if err != nil {
		s.undoCommit(ctx, tb)
		return meta.BlockMeta{}, err
	}

	s.evictor.Policy().OnCommit(blockID)
	s.report.addBlock(bm.Location(), blockID)
	if pinOnCreate {
		s.pin(ctx, blockID)
	}
	s.refreshTierGauges(bm.Dir.Tier())

	s.logger.Info("block committed",
		zap.Int64("session_id", sessionID),
		zap.Int64("block_id", blockID),
		zap.Int64("size", size),
		zap.Stringer("location", bm.Location()),
	)
	return bm, nil
}

// undoCommit reverts the journal record and the rename of a commit the registry
// refused.
func (s *TieredBlockStore) undoCommit(ctx context.Context, tb meta.TempBlockMeta) {
	if err := s.journal.DeleteBlock(ctx, tb.BlockID); err != nil {
		s.logger.Warn("failed to drop journal record of refused commit",
			zap.Error(err), zap.Int64("block_id", tb.BlockID))
	}
	if err := os.Remove(tb.CommitPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete block file of refused commit",
			zap.Error(err), zap.Int64("block_id", tb.BlockID))
	}
}

// ensureFile returns the size of path, creating it empty if nothing was written.
func ensureFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.Size(), nil
	}
	if !os.IsNotExist(err) {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	return 0, f.Close()
}

// AbortBlock discards a temporary block and releases its space.
func (s *TieredBlockStore) AbortBlock(ctx context.Context, sessionID, blockID int64) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("abort", start, err) }()

	tb, err := s.registry.Abort(sessionID, blockID)
	if err != nil {
		return err
	}
	s.refreshTierGauges(tb.Dir.Tier())
	if err := os.Remove(tb.Path()); err != nil && !os.IsNotExist(err) {
		return types.IOFailure(fmt.Sprintf("deleting temp block %d", blockID), err)
	}
	s.logger.Debug("temporary block aborted",
		zap.Int64("session_id", sessionID), zap.Int64("block_id", blockID))
	return nil
}

// RemoveBlock deletes a committed block, waiting at most the store's lock timeout for
// readers to leave.
func (s *TieredBlockStore) RemoveBlock(ctx context.Context, sessionID, blockID int64) error {
	return s.RemoveBlockWithTimeout(ctx, sessionID, blockID, s.lockTimeout)
}

// RemoveBlockWithTimeout is RemoveBlock with an explicit bound on the lock wait.
func (s *TieredBlockStore) RemoveBlockWithTimeout(ctx context.Context, sessionID, blockID int64, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("remove", start, err) }()

	lockID, err := s.locks.Lock(ctx, sessionID, blockID, lock.Write, timeout)
	if err != nil {
		return err
	}
	defer s.locks.Unlock(lockID)

	bm, err := s.registry.Block(blockID)
	if err != nil {
		return err
	}
	return s.removeLocked(ctx, bm)
}

// removeLocked requires the block's write lock.
func (s *TieredBlockStore) removeLocked(ctx context.Context, bm meta.BlockMeta) error {
	if err := os.Remove(bm.Path()); err != nil && !os.IsNotExist(err) {
		return types.IOFailure(fmt.Sprintf("deleting block %d", bm.BlockID), err)
	}
	if _, err := s.registry.Remove(bm.BlockID); err != nil {
		return err
	}
	if err := s.journal.DeleteBlock(ctx, bm.BlockID); err != nil {
		s.logger.Warn("failed to journal block removal", zap.Error(err), zap.Int64("block_id", bm.BlockID))
	}
	s.evictor.Policy().OnRemove(bm.BlockID)
	s.report.removeBlock(bm.BlockID)
	s.refreshTierGauges(bm.Dir.Tier())

	s.logger.Info("block removed",
		zap.Int64("block_id", bm.BlockID),
		zap.Stringer("location", bm.Location()),
	)
	return nil
}

// MoveBlock relocates a committed block into a dir matching dest, evicting at the
// destination if needed. A block already within dest is left in place.
func (s *TieredBlockStore) MoveBlock(ctx context.Context, sessionID, blockID int64, dest types.BlockStoreLocation) (bm meta.BlockMeta, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("move", start, err) }()

	lockID, err := s.locks.Lock(ctx, sessionID, blockID, lock.Write, s.lockTimeout)
	if err != nil {
		return meta.BlockMeta{}, err
	}
	defer s.locks.Unlock(lockID)

	bm, err = s.registry.Block(blockID)
	if err != nil {
		return meta.BlockMeta{}, err
	}
	if bm.Location().BelongsTo(dest) {
		return bm, nil
	}

	dir, err := s.allocateSpace(ctx, blockID, bm.Size, dest)
	if err != nil {
		return meta.BlockMeta{}, err
	}
	moved, err := s.moveLocked(ctx, bm, dir)
	if err != nil {
		dir.Unreserve(blockID, bm.Size)
		return meta.BlockMeta{}, err
	}
	return moved, nil
}

// moveLocked requires the block's write lock and a reservation in dest.
func (s *TieredBlockStore) moveLocked(ctx context.Context, bm meta.BlockMeta, dest *tier.StorageDir) (meta.BlockMeta, error) {
	if err := moveFile(bm.Path(), dest.BlockPath(bm.BlockID)); err != nil {
		return meta.BlockMeta{}, types.IOFailure(fmt.Sprintf("moving block %d to %s", bm.BlockID, dest.Location()), err)
	}
	moved, err := s.registry.Move(bm.BlockID, dest)
	if err != nil {
		return meta.BlockMeta{}, err
	}
	if err := s.journal.RecordBlock(ctx, moved.Record()); err != nil {
		s.logger.Warn("failed to journal block move", zap.Error(err), zap.Int64("block_id", bm.BlockID))
	}
	s.report.addBlock(dest.Location(), bm.BlockID)
	s.refreshTierGauges(bm.Dir.Tier())
	s.refreshTierGauges(dest.Tier())

	s.logger.Info("block moved",
		zap.Int64("block_id", bm.BlockID),
		zap.Stringer("from", bm.Location()),
		zap.Stringer("to", dest.Location()),
	)
	return moved, nil
}

// CreateLocalBlockReader opens a committed block for reading at offset. The returned
// reader holds a read lock until it is closed.
func (s *TieredBlockStore) CreateLocalBlockReader(ctx context.Context, sessionID, blockID, offset int64) (r *BlockReader, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("open_reader", start, err) }()

	lockID, err := s.locks.Lock(ctx, sessionID, blockID, lock.Read, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	unlock := func() error { return s.locks.Unlock(lockID) }

	bm, err := s.registry.Block(blockID)
	if err != nil {
		unlock()
		return nil, err
	}
	if offset < 0 || offset > bm.Size {
		unlock()
		return nil, fmt.Errorf("%w: offset %d outside block %d of length %d",
			types.ErrInvalidWorkerState, offset, blockID, bm.Size)
	}
	f, err := os.Open(bm.Path())
	if err != nil {
		unlock()
		return nil, types.IOFailure(fmt.Sprintf("opening block %d", blockID), err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		unlock()
		return nil, types.IOFailure(fmt.Sprintf("seeking block %d", blockID), err)
	}

	s.evictor.Policy().OnAccess(blockID)
	return &BlockReader{blockID: blockID, length: bm.Size, file: f, unlock: unlock}, nil
}

// FreeSpace makes at least bytes available in the dir at loc by evicting committed
// blocks.
func (s *TieredBlockStore) FreeSpace(ctx context.Context, bytes int64, loc types.BlockStoreLocation) error {
	dir, ok := s.topo.Dir(loc)
	if !ok {
		return fmt.Errorf("%w: unknown storage dir %s", types.ErrInvalidWorkerState, loc)
	}
	return s.freeSpaceInDir(ctx, dir, bytes)
}
