// Package worker is the block worker's public operation surface. It combines the
// tiered block store, the UFS pass-through reader and the master clients.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/master"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/store"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"github.com/gftdcojp/tiered-block-worker/internal/ufs"
	"go.uber.org/zap"
)

// AnyTierOrdinal lets CreateBlock place the block in any tier.
const AnyTierOrdinal = -1

// Config holds the collaborators of a BlockWorker.
type Config struct {
	Store            *store.TieredBlockStore
	UFS              *ufs.BlockStore
	BlockMaster      master.BlockMasterClient
	FileSystemMaster master.FileSystemMasterClient
	// Settings is the configuration the worker was started with.
	Settings *config.Config
	Logger   *zap.Logger
}

// BlockWorker serves block requests from clients and the masters.
type BlockWorker struct {
	store       *store.TieredBlockStore
	ufs         *ufs.BlockStore
	blockMaster master.BlockMasterClient
	fsMaster    master.FileSystemMasterClient
	settings    *config.Config
	logger      *zap.Logger

	workerID atomic.Int64
	cache    *cacheManager
}

func New(cfg Config) *BlockWorker {
	if cfg.Settings == nil {
		cfg.Settings = config.DefaultConfig()
	}
	if cfg.BlockMaster == nil || cfg.FileSystemMaster == nil {
		standalone := master.NewStandalone(1)
		if cfg.BlockMaster == nil {
			cfg.BlockMaster = standalone
		}
		if cfg.FileSystemMaster == nil {
			cfg.FileSystemMaster = standalone
		}
	}
	w := &BlockWorker{
		store:       cfg.Store,
		ufs:         cfg.UFS,
		blockMaster: cfg.BlockMaster,
		fsMaster:    cfg.FileSystemMaster,
		settings:    cfg.Settings,
		logger:      cfg.Logger.Named("worker"),
	}
	w.cache = newCacheManager(w, cfg.Settings.UFS.CacheWorkers)
	return w
}

// Close stops accepting asynchronous cache requests and waits for the running ones.
func (w *BlockWorker) Close() error {
	return w.cache.close()
}

// BlockReader is a reader over a block, either local or from the under file system.
type BlockReader interface {
	io.ReadCloser
	Length() int64
	BlockID() int64
}

func (w *BlockWorker) placement(tierOrdinal int, medium string) (types.BlockStoreLocation, error) {
	loc := types.AnyTier()
	if tierOrdinal != AnyTierOrdinal {
		st, err := w.store.Topology().TierByOrdinal(tierOrdinal)
		if err != nil {
			return loc, fmt.Errorf("%w: %v", types.ErrInvalidWorkerState, err)
		}
		loc.TierAlias = st.Alias()
	}
	if medium != "" {
		if !w.store.Topology().HasMedium(medium) {
			return loc, fmt.Errorf("%w: no storage dir with medium %q", types.ErrInvalidWorkerState, medium)
		}
		loc.MediumType = medium
	}
	return loc, nil
}

// CreateBlock reserves a temporary block and returns the path its writer appends to.
func (w *BlockWorker) CreateBlock(ctx context.Context, sessionID, blockID int64, tierOrdinal int, medium string, initialBytes int64) (string, error) {
	loc, err := w.placement(tierOrdinal, medium)
	if err != nil {
		return "", err
	}
	tb, err := w.store.CreateBlock(ctx, sessionID, blockID, store.CreateOptions{Location: loc, InitialBytes: initialBytes})
	if err != nil {
		return "", err
	}
	return tb.Path(), nil
}

func (w *BlockWorker) CreateBlockWriter(sessionID, blockID int64) (*store.BlockWriter, error) {
	return w.store.CreateBlockWriter(sessionID, blockID)
}

// CreateBlockReader reads the block locally when it is cached and from the under file
// system otherwise. A local reader holds a read lock until closed.
func (w *BlockWorker) CreateBlockReader(ctx context.Context, sessionID, blockID, offset int64, positionShort bool, opts types.OpenUfsBlockOptions) (BlockReader, error) {
	if w.store.HasBlockMeta(blockID) {
		r, err := w.store.CreateLocalBlockReader(ctx, sessionID, blockID, offset)
		if err == nil {
			return r, nil
		}
		// The block may have been evicted between the check and the open.
		if !errors.Is(err, types.ErrBlockDoesNotExist) || opts.IsEmpty() {
			return nil, err
		}
	}
	if opts.IsEmpty() {
		return nil, fmt.Errorf("%w: block %d is not cached and has no ufs path", types.ErrBlockDoesNotExist, blockID)
	}
	r, err := w.CreateUfsBlockReader(ctx, sessionID, blockID, offset, positionShort, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateUfsBlockReader always reads through to the under file system.
func (w *BlockWorker) CreateUfsBlockReader(ctx context.Context, sessionID, blockID, offset int64, positionShort bool, opts types.OpenUfsBlockOptions) (*ufs.BlockReader, error) {
	return w.ufs.CreateBlockReader(ctx, sessionID, blockID, offset, positionShort, opts)
}

func (w *BlockWorker) AbortBlock(ctx context.Context, sessionID, blockID int64) error {
	return w.store.AbortBlock(ctx, sessionID, blockID)
}

// CommitBlock commits locally and then tells the block master. A retry after a failed
// notification commits nothing new and notifies again.
func (w *BlockWorker) CommitBlock(ctx context.Context, sessionID, blockID int64, pinOnCreate bool) error {
	bm, err := w.store.CommitBlock(ctx, sessionID, blockID, pinOnCreate)
	if err != nil {
		return err
	}
	loc := bm.Location()
	req := master.CommitBlockRequest{
		WorkerID:        w.workerID.Load(),
		UsedBytesOnTier: w.store.StoreMeta().UsedBytesOnTiers[loc.TierAlias],
		TierAlias:       loc.TierAlias,
		MediumType:      loc.MediumType,
		BlockID:         blockID,
		Length:          bm.Size,
	}
	if err := w.blockMaster.CommitBlock(ctx, req); err != nil {
		return fmt.Errorf("notifying master of block %d: %w", blockID, err)
	}
	return nil
}

// CommitBlockInUfs records a block that a client persisted directly to the under file
// system. Nothing is cached locally.
func (w *BlockWorker) CommitBlockInUfs(ctx context.Context, blockID, length int64) error {
	return w.blockMaster.CommitBlockInUfs(ctx, blockID, length)
}

func (w *BlockWorker) RequestSpace(ctx context.Context, sessionID, blockID, additionalBytes int64) error {
	return w.store.RequestSpace(ctx, sessionID, blockID, additionalBytes)
}

func (w *BlockWorker) RemoveBlock(ctx context.Context, sessionID, blockID int64) error {
	return w.store.RemoveBlock(ctx, sessionID, blockID)
}

// MoveBlock moves a committed block to any dir of the tier with the given alias.
func (w *BlockWorker) MoveBlock(ctx context.Context, sessionID, blockID int64, tierAlias string) error {
	if _, ok := w.store.Topology().Tier(tierAlias); !ok {
		return fmt.Errorf("%w: unknown tier %q", types.ErrInvalidWorkerState, tierAlias)
	}
	_, err := w.store.MoveBlock(ctx, sessionID, blockID, types.AnyDirInTier(tierAlias))
	return err
}

// MoveBlockToMedium moves a committed block to any dir labelled with medium.
func (w *BlockWorker) MoveBlockToMedium(ctx context.Context, sessionID, blockID int64, medium string) error {
	if !w.store.Topology().HasMedium(medium) {
		return fmt.Errorf("%w: no storage dir with medium %q", types.ErrInvalidWorkerState, medium)
	}
	_, err := w.store.MoveBlock(ctx, sessionID, blockID, types.AnyDirInAnyTierWithMedium(medium))
	return err
}

func (w *BlockWorker) HasBlockMeta(blockID int64) bool {
	return w.store.HasBlockMeta(blockID)
}

// BlockInfo describes a committed block for operators.
type BlockInfo struct {
	BlockID     int64                    `json:"block_id"`
	Size        int64                    `json:"size"`
	Location    types.BlockStoreLocation `json:"location"`
	Path        string                   `json:"path"`
	Pinned      bool                     `json:"pinned"`
	Locked      bool                     `json:"locked"`
	CommittedAt time.Time                `json:"committed_at"`
}

func (w *BlockWorker) GetBlockInfo(blockID int64) (BlockInfo, error) {
	bm, err := w.store.BlockMeta(blockID)
	if err != nil {
		return BlockInfo{}, err
	}
	return BlockInfo{
		BlockID:     bm.BlockID,
		Size:        bm.Size,
		Location:    bm.Location(),
		Path:        bm.Path(),
		Pinned:      w.store.IsPinned(blockID),
		Locked:      w.store.IsLocked(blockID),
		CommittedAt: bm.CommittedAt,
	}, nil
}

// GetReport drains the block changes since the previous report.
func (w *BlockWorker) GetReport() types.BlockHeartbeatReport {
	return w.store.Report()
}

func (w *BlockWorker) GetStoreMeta() types.BlockStoreMeta {
	return w.store.StoreMeta()
}

func (w *BlockWorker) GetStoreMetaFull() types.BlockStoreMeta {
	return w.store.StoreMetaFull()
}

// UpdatePinList replaces the set of blocks that must not be evicted.
func (w *BlockWorker) UpdatePinList(ctx context.Context, blockIDs []int64) {
	w.store.UpdatePinnedBlocks(ctx, blockIDs)
}

func (w *BlockWorker) GetFileInfo(ctx context.Context, fileID int64) (master.FileInfo, error) {
	return w.fsMaster.GetFileInfo(ctx, fileID)
}

// GetWorkerID returns the id assigned at registration, or 0 before that.
func (w *BlockWorker) GetWorkerID() int64 {
	return w.workerID.Load()
}

// GetWhiteList returns the path prefixes this worker caches.
func (w *BlockWorker) GetWhiteList() []string {
	return append([]string(nil), w.settings.Worker.Whitelist...)
}

// ClearMetrics resets the worker's counters and histograms.
func (w *BlockWorker) ClearMetrics() {
	metrics.Reset()
	w.logger.Info("metrics cleared")
}

// CleanupSession releases everything a session left behind: temporary blocks, block
// locks and open UFS readers.
func (w *BlockWorker) CleanupSession(ctx context.Context, sessionID int64) {
	w.store.CleanupSession(ctx, sessionID)
	if n := w.ufs.CloseSession(sessionID); n > 0 {
		w.logger.Debug("closed leaked ufs readers", zap.Int64("session_id", sessionID), zap.Int("readers", n))
	}
}
