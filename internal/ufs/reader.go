package ufs

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// BlockStore opens pass-through readers against mounted under file systems. Readers
// for the same (path, mount table version) are admitted up to the ceiling carried by
// the request; beyond it CreateBlockReader fails fast with ErrUfsReadConcurrency.
type BlockStore struct {
	mounts *Manager
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[types.UfsReadKey]int
	sessions map[int64]map[*BlockReader]struct{}
}

func NewBlockStore(mounts *Manager, logger *zap.Logger) *BlockStore {
	return &BlockStore{
		mounts:   mounts,
		logger:   logger.Named("ufs_reader"),
		inflight: make(map[types.UfsReadKey]int),
		sessions: make(map[int64]map[*BlockReader]struct{}),
	}
}

// Mounts returns the mount table readers resolve against.
func (s *BlockStore) Mounts() *Manager { return s.mounts }

func (s *BlockStore) acquire(key types.UfsReadKey, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 && s.inflight[key] >= max {
		return false
	}
	s.inflight[key]++
	return true
}

func (s *BlockStore) release(key types.UfsReadKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] <= 1 {
		delete(s.inflight, key)
		return
	}
	s.inflight[key]--
}

// Inflight reports how many readers are open for key.
func (s *BlockStore) Inflight(key types.UfsReadKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[key]
}

// CreateBlockReader opens blockID from the under file system described by opts,
// starting offset bytes into the block. positionShort marks a short positioned read
// whose data should not be cached.
func (s *BlockStore) CreateBlockReader(ctx context.Context, sessionID, blockID, offset int64, positionShort bool, opts types.OpenUfsBlockOptions) (*BlockReader, error) {
	if opts.IsEmpty() {
		return nil, fmt.Errorf("%w: block %d has no ufs path", types.ErrBlockDoesNotExist, blockID)
	}
	if opts.MountTableVersion == 0 {
		// Zero means the caller did not pin a mount table, so the current one applies.
		opts.MountTableVersion = s.mounts.Version()
	}
	if offset < 0 || offset > opts.BlockSize {
		return nil, fmt.Errorf("%w: offset %d outside block %d of length %d",
			types.ErrInvalidWorkerState, offset, blockID, opts.BlockSize)
	}

	key := opts.ConcurrencyKey()
	if !s.acquire(key, opts.MaxUfsReadConcurrency) {
		metrics.UfsReadsRejected.WithLabelValues(opts.MountPoint).Inc()
		return nil, fmt.Errorf("%w: %d readers open for %s", types.ErrUfsReadConcurrency,
			opts.MaxUfsReadConcurrency, opts.UnderFileSystemPath)
	}

	mnt, rel, err := s.mounts.Resolve(opts.MountPoint, opts.UnderFileSystemPath, opts.MountTableVersion)
	if err != nil {
		s.release(key)
		return nil, err
	}
	body, err := mnt.UFS.Open(ctx, rel, opts.Offset+offset)
	if err != nil {
		s.release(key)
		return nil, types.IOFailure(fmt.Sprintf("opening %s for block %d", opts.UnderFileSystemPath, blockID), err)
	}

	r := &BlockReader{
		store:         s,
		key:           key,
		sessionID:     sessionID,
		blockID:       blockID,
		mountPoint:    mnt.MountPoint,
		positionShort: positionShort,
		length:        opts.BlockSize - offset,
		body:          body,
		r:             io.LimitReader(body, opts.BlockSize-offset),
	}
	s.track(r)
	metrics.UfsReadersOpen.WithLabelValues(mnt.MountPoint).Inc()

	s.logger.Debug("ufs block reader opened",
		zap.Int64("session_id", sessionID),
		zap.Int64("block_id", blockID),
		zap.String("ufs_path", opts.UnderFileSystemPath),
		zap.Int64("offset", opts.Offset+offset),
	)
	return r, nil
}

func (s *BlockStore) track(r *BlockReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	readers, ok := s.sessions[r.sessionID]
	if !ok {
		readers = make(map[*BlockReader]struct{})
		s.sessions[r.sessionID] = readers
	}
	readers[r] = struct{}{}
}

func (s *BlockStore) untrack(r *BlockReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	readers := s.sessions[r.sessionID]
	delete(readers, r)
	if len(readers) == 0 {
		delete(s.sessions, r.sessionID)
	}
}

// CloseSession closes every reader the session left open and returns how many.
func (s *BlockStore) CloseSession(sessionID int64) int {
	s.mu.Lock()
	readers := make([]*BlockReader, 0, len(s.sessions[sessionID]))
	for r := range s.sessions[sessionID] {
		readers = append(readers, r)
	}
	s.mu.Unlock()

	for _, r := range readers {
		if err := r.Close(); err != nil {
			s.logger.Warn("closing leaked ufs reader", zap.Error(err),
				zap.Int64("session_id", sessionID), zap.Int64("block_id", r.blockID))
		}
	}
	return len(readers)
}

// BlockReader streams a block range from the under file system. Close releases its
// admission slot exactly once.
type BlockReader struct {
	store         *BlockStore
	key           types.UfsReadKey
	sessionID     int64
	blockID       int64
	mountPoint    string
	positionShort bool
	length        int64
	body          io.ReadCloser
	r             io.Reader

	once     sync.Once
	closeErr error
}

func (r *BlockReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		metrics.UfsBytesRead.WithLabelValues(r.mountPoint).Add(float64(n))
	}
	if err != nil && err != io.EOF {
		return n, types.IOFailure(fmt.Sprintf("reading block %d from ufs", r.blockID), err)
	}
	return n, err
}

// Length is the number of bytes between the read offset and the end of the block.
func (r *BlockReader) Length() int64 { return r.length }

func (r *BlockReader) BlockID() int64 { return r.blockID }

func (r *BlockReader) PositionShort() bool { return r.positionShort }

func (r *BlockReader) Close() error {
	r.once.Do(func() {
		if err := r.body.Close(); err != nil {
			r.closeErr = types.IOFailure(fmt.Sprintf("closing ufs reader for block %d", r.blockID), err)
		}
		r.store.release(r.key)
		r.store.untrack(r)
		metrics.UfsReadersOpen.WithLabelValues(r.mountPoint).Dec()
	})
	return r.closeErr
}
