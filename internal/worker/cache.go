package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/store"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CacheRequest asks the worker to load a block from the under file system.
type CacheRequest struct {
	BlockID int64                     `json:"block_id"`
	Options types.OpenUfsBlockOptions `json:"options"`
	// Async returns as soon as the request is queued. Queued requests that do not fit
	// the worker pool are dropped.
	Async bool `json:"async"`
	Pin   bool `json:"pin"`
}

type cacheManager struct {
	w      *BlockWorker
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	flight singleflight.Group

	closeOnce sync.Once
	closed    chan struct{}
}

func newCacheManager(w *BlockWorker, workers int) *cacheManager {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(workers)
	return &cacheManager{
		w:      w,
		logger: w.logger.Named("cache"),
		ctx:    ctx,
		cancel: cancel,
		group:  g,
		closed: make(chan struct{}),
	}
}

// close rejects new asynchronous requests and waits for queued ones to finish.
func (c *cacheManager) close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	err := c.group.Wait()
	c.cancel()
	return err
}

// Cache populates a block from the under file system. Blocks already cached are left
// alone and concurrent requests for one block share a single load.
func (w *BlockWorker) Cache(ctx context.Context, req CacheRequest) error {
	mode := "sync"
	if req.Async {
		mode = "async"
	}
	if w.store.HasBlockMeta(req.BlockID) {
		metrics.CacheRequests.WithLabelValues(mode, "cached").Inc()
		return nil
	}
	if !w.whitelisted(req.Options.UnderFileSystemPath) {
		metrics.CacheRequests.WithLabelValues(mode, "rejected").Inc()
		return fmt.Errorf("%w: %s is not on the cache whitelist", types.ErrInvalidWorkerState, req.Options.UnderFileSystemPath)
	}
	if req.Options.MountTableVersion == 0 {
		req.Options.MountTableVersion = w.ufs.Mounts().Version()
	}

	if !req.Async {
		err := w.cache.load(ctx, req)
		metrics.CacheRequests.WithLabelValues(mode, statusOf(err)).Inc()
		return err
	}

	select {
	case <-w.cache.closed:
		metrics.CacheRequests.WithLabelValues(mode, "dropped").Inc()
		return nil
	default:
	}
	accepted := w.cache.group.TryGo(func() error {
		err := w.cache.load(w.cache.ctx, req)
		metrics.CacheRequests.WithLabelValues(mode, statusOf(err)).Inc()
		if err != nil {
			w.cache.logger.Warn("async cache failed", zap.Error(err), zap.Int64("block_id", req.BlockID))
		}
		return nil
	})
	if !accepted {
		metrics.CacheRequests.WithLabelValues(mode, "dropped").Inc()
		w.cache.logger.Warn("cache pool full, dropping request",
			zap.Int64("block_id", req.BlockID),
			zap.String("ufs_path", req.Options.UnderFileSystemPath),
		)
	}
	return nil
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (w *BlockWorker) whitelisted(path string) bool {
	for _, prefix := range w.settings.Worker.Whitelist {
		if prefix == "/" || path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func (c *cacheManager) load(ctx context.Context, req CacheRequest) error {
	_, err, _ := c.flight.Do(strconv.FormatInt(req.BlockID, 10), func() (any, error) {
		return nil, c.copyBlock(ctx, req)
	})
	return err
}

// copyBlock streams the block from the under file system into a temporary block and
// commits it, aborting the temporary block on any failure.
func (c *cacheManager) copyBlock(ctx context.Context, req CacheRequest) error {
	w := c.w
	if w.store.HasBlockMeta(req.BlockID) {
		return nil
	}
	session := types.CacheSessionID

	r, err := w.ufs.CreateBlockReader(ctx, session, req.BlockID, 0, true, req.Options)
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = w.store.CreateBlock(ctx, session, req.BlockID, store.CreateOptions{
		Location:     types.AnyTier(),
		InitialBytes: req.Options.BlockSize,
	})
	if errors.Is(err, types.ErrBlockAlreadyExists) {
		c.logger.Debug("block is being written by another session", zap.Int64("block_id", req.BlockID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.fill(session, req.BlockID, r); err != nil {
		if abortErr := w.store.AbortBlock(ctx, session, req.BlockID); abortErr != nil {
			c.logger.Warn("failed to abort cache block", zap.Error(abortErr), zap.Int64("block_id", req.BlockID))
		}
		return err
	}
	if err := w.CommitBlock(ctx, session, req.BlockID, req.Pin); err != nil {
		if !w.store.HasBlockMeta(req.BlockID) {
			w.store.AbortBlock(ctx, session, req.BlockID)
		}
		return err
	}

	c.logger.Info("block cached from ufs",
		zap.Int64("block_id", req.BlockID),
		zap.String("ufs_path", req.Options.UnderFileSystemPath),
	)
	return nil
}

func (c *cacheManager) fill(session, blockID int64, r io.Reader) error {
	bw, err := c.w.store.CreateBlockWriter(session, blockID)
	if err != nil {
		return err
	}
	if _, err := io.Copy(bw, r); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}
