package meta

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// TempBlockMeta describes a block being written by a session.
type TempBlockMeta struct {
	SessionID int64
	BlockID   int64
	Size      int64
	Dir       *tier.StorageDir
}

// Path is where the session writes the block.
func (t TempBlockMeta) Path() string { return t.Dir.TempBlockPath(t.SessionID, t.BlockID) }

// CommitPath is where the block will live once committed.
func (t TempBlockMeta) CommitPath() string { return t.Dir.BlockPath(t.BlockID) }

func (t TempBlockMeta) Location() types.BlockStoreLocation { return t.Dir.Location() }

// BlockMeta describes a committed block. Its size never changes after commit.
type BlockMeta struct {
	BlockID     int64
	Size        int64
	Dir         *tier.StorageDir
	CommittedBy int64
	CommittedAt time.Time
}

func (b BlockMeta) Path() string                       { return b.Dir.BlockPath(b.BlockID) }
func (b BlockMeta) Location() types.BlockStoreLocation { return b.Dir.Location() }

// Record converts the meta into its journal form.
func (b BlockMeta) Record() BlockRecord {
	loc := b.Location()
	return BlockRecord{
		BlockID:     b.BlockID,
		Size:        b.Size,
		TierAlias:   loc.TierAlias,
		Dir:         loc.Dir,
		MediumType:  loc.MediumType,
		CommittedBy: b.CommittedBy,
		CommittedAt: b.CommittedAt,
	}
}

// Registry tracks temporary and committed blocks. All mutations go through its
// transition methods, each of which is atomic with respect to the others. A block id
// is never temporary and committed at the same time.
//
// Space accounting is shared with the storage dirs: reservations are made by the
// allocator before a block is registered, and the registry releases them when a block
// leaves a dir.
type Registry struct {
	mu        sync.RWMutex
	temp      map[int64]*TempBlockMeta
	committed map[int64]*BlockMeta
	// claimed maps ids a session is allocating space for to that session.
	claimed map[int64]int64
}

func NewRegistry() *Registry {
	return &Registry{
		temp:      make(map[int64]*TempBlockMeta),
		committed: make(map[int64]*BlockMeta),
		claimed:   make(map[int64]int64),
	}
}

func (r *Registry) existsLocked(blockID int64) error {
	if tb, ok := r.temp[blockID]; ok {
		return fmt.Errorf("%w: block %d is temporary in session %d", types.ErrBlockAlreadyExists, blockID, tb.SessionID)
	}
	if _, ok := r.committed[blockID]; ok {
		return fmt.Errorf("%w: block %d is committed", types.ErrBlockAlreadyExists, blockID)
	}
	if owner, ok := r.claimed[blockID]; ok {
		return fmt.Errorf("%w: block %d is being created by session %d", types.ErrBlockAlreadyExists, blockID, owner)
	}
	return nil
}

// Claim reserves blockID for a create by sessionID before any space is allocated for
// it. It fails if the id is temporary, committed or already claimed. RegisterTemp by
// the same session consumes the claim.
func (r *Registry) Claim(sessionID, blockID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.existsLocked(blockID); err != nil {
		return err
	}
	r.claimed[blockID] = sessionID
	return nil
}

// Unclaim drops a claim made by sessionID that will not be registered.
func (r *Registry) Unclaim(sessionID, blockID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claimed[blockID]; ok && owner == sessionID {
		delete(r.claimed, blockID)
	}
}

// ownedTempLocked must be called with r.mu held.
func (r *Registry) ownedTempLocked(sessionID, blockID int64) (*TempBlockMeta, error) {
	tb, ok := r.temp[blockID]
	if !ok {
		if _, committed := r.committed[blockID]; committed {
			return nil, fmt.Errorf("%w: block %d is already committed", types.ErrBlockDoesNotExist, blockID)
		}
		return nil, fmt.Errorf("%w: temporary block %d", types.ErrBlockDoesNotExist, blockID)
	}
	if tb.SessionID != sessionID {
		return nil, fmt.Errorf("%w: block %d is owned by session %d, not %d",
			types.ErrInvalidWorkerState, blockID, tb.SessionID, sessionID)
	}
	return tb, nil
}

// RegisterTemp records a new temporary block owned by sessionID.
func (r *Registry) RegisterTemp(sessionID, blockID int64, dir *tier.StorageDir, size int64) (TempBlockMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claimed[blockID]; ok && owner == sessionID {
		delete(r.claimed, blockID)
	}
	if err := r.existsLocked(blockID); err != nil {
		return TempBlockMeta{}, err
	}
	tb := &TempBlockMeta{SessionID: sessionID, BlockID: blockID, Size: size, Dir: dir}
	r.temp[blockID] = tb
	return *tb, nil
}

// GrowTemp records that a temporary block's reservation grew by n bytes.
func (r *Registry) GrowTemp(sessionID, blockID, n int64) (TempBlockMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tb, err := r.ownedTempLocked(sessionID, blockID)
	if err != nil {
		return TempBlockMeta{}, err
	}
	tb.Size += n
	return *tb, nil
}

// Commit turns a temporary block into a committed block of the given size. Committing
// again from the same session returns the existing meta.
func (r *Registry) Commit(sessionID, blockID, size int64) (BlockMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bm, ok := r.committed[blockID]; ok {
		if bm.CommittedBy == sessionID {
			return *bm, nil
		}
		return BlockMeta{}, fmt.Errorf("%w: block %d was committed by session %d",
			types.ErrBlockAlreadyExists, blockID, bm.CommittedBy)
	}
	tb, err := r.ownedTempLocked(sessionID, blockID)
	if err != nil {
		return BlockMeta{}, err
	}
	bm := &BlockMeta{
		BlockID:     blockID,
		Size:        size,
		Dir:         tb.Dir,
		CommittedBy: sessionID,
		CommittedAt: time.Now(),
	}
	delete(r.temp, blockID)
	r.committed[blockID] = bm
	return *bm, nil
}

// Abort discards a temporary block and releases its reservation.
func (r *Registry) Abort(sessionID, blockID int64) (TempBlockMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tb, err := r.ownedTempLocked(sessionID, blockID)
	if err != nil {
		return TempBlockMeta{}, err
	}
	delete(r.temp, blockID)
	tb.Dir.Release(blockID)
	return *tb, nil
}

// Remove drops a committed block and releases its space.
func (r *Registry) Remove(blockID int64) (BlockMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bm, err := r.committedLocked(blockID)
	if err != nil {
		return BlockMeta{}, err
	}
	delete(r.committed, blockID)
	bm.Dir.Release(blockID)
	return *bm, nil
}

// Move relocates a committed block to newDir. The caller must already hold a
// reservation for the block in newDir; the old dir's accounting is released.
func (r *Registry) Move(blockID int64, newDir *tier.StorageDir) (BlockMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bm, err := r.committedLocked(blockID)
	if err != nil {
		return BlockMeta{}, err
	}
	if bm.Dir == newDir {
		return *bm, nil
	}
	old := bm.Dir
	moved := *bm
	moved.Dir = newDir
	r.committed[blockID] = &moved
	old.Release(blockID)
	return moved, nil
}

func (r *Registry) committedLocked(blockID int64) (*BlockMeta, error) {
	bm, ok := r.committed[blockID]
	if !ok {
		if tb, temp := r.temp[blockID]; temp {
			return nil, fmt.Errorf("%w: block %d is still temporary in session %d",
				types.ErrInvalidWorkerState, blockID, tb.SessionID)
		}
		return nil, fmt.Errorf("%w: block %d", types.ErrBlockDoesNotExist, blockID)
	}
	return bm, nil
}

// Restore inserts a committed block recovered from the journal. The caller reserves
// its space first.
func (r *Registry) Restore(bm BlockMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.existsLocked(bm.BlockID); err != nil {
		return err
	}
	r.committed[bm.BlockID] = &bm
	return nil
}

// Block returns the committed block with the given id.
func (r *Registry) Block(blockID int64) (BlockMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bm, err := r.committedLocked(blockID)
	if err != nil {
		return BlockMeta{}, err
	}
	return *bm, nil
}

// HasBlock reports whether blockID is committed.
func (r *Registry) HasBlock(blockID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.committed[blockID]
	return ok
}

// TempBlock returns the temporary block owned by sessionID.
func (r *Registry) TempBlock(sessionID, blockID int64) (TempBlockMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tb, err := r.ownedTempLocked(sessionID, blockID)
	if err != nil {
		return TempBlockMeta{}, err
	}
	return *tb, nil
}

// TempBlocksOfSession lists every temporary block owned by a session.
func (r *Registry) TempBlocksOfSession(sessionID int64) []TempBlockMeta {
	r.mu.RLock()
	var result []TempBlockMeta
	for _, tb := range r.temp {
		if tb.SessionID == sessionID {
			result = append(result, *tb)
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].BlockID < result[j].BlockID })
	return result
}

// Blocks lists every committed block ordered by id.
func (r *Registry) Blocks() []BlockMeta {
	r.mu.RLock()
	result := make([]BlockMeta, 0, len(r.committed))
	for _, bm := range r.committed {
		result = append(result, *bm)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].BlockID < result[j].BlockID })
	return result
}

// BlocksInDir lists committed blocks stored in dir.
func (r *Registry) BlocksInDir(dir *tier.StorageDir) []BlockMeta {
	r.mu.RLock()
	var result []BlockMeta
	for _, bm := range r.committed {
		if bm.Dir == dir {
			result = append(result, *bm)
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].BlockID < result[j].BlockID })
	return result
}

// NumBlocks returns the number of committed blocks.
func (r *Registry) NumBlocks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.committed)
}
