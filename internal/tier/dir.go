package tier

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// TempDirName holds uncommitted block files inside every storage dir.
const TempDirName = ".tmp_blocks"

// tempSubDirs bounds the number of entries per temp directory.
const tempSubDirs = 1024

// StorageDir is a single directory with its own byte quota. Every block it holds,
// temporary or committed, is accounted for in committed bytes from the moment space
// is reserved.
type StorageDir struct {
	tier     *StorageTier
	index    int
	path     string
	medium   string
	capacity int64

	mu        sync.Mutex
	committed int64
	blocks    map[int64]int64 // blockID -> accounted bytes
}

func newStorageDir(t *StorageTier, index int, path, medium string, capacity int64) *StorageDir {
	return &StorageDir{
		tier:     t,
		index:    index,
		path:     path,
		medium:   medium,
		capacity: capacity,
		blocks:   make(map[int64]int64),
	}
}

func (d *StorageDir) Tier() *StorageTier { return d.tier }
func (d *StorageDir) Index() int         { return d.index }
func (d *StorageDir) Path() string       { return d.path }
func (d *StorageDir) MediumType() string { return d.medium }
func (d *StorageDir) CapacityBytes() int64 {
	return d.capacity
}

func (d *StorageDir) Location() types.BlockStoreLocation {
	return types.NewLocation(d.tier.alias, d.index, d.medium)
}

func (d *StorageDir) String() string {
	return fmt.Sprintf("%s (%s)", d.Location(), d.path)
}

func (d *StorageDir) CommittedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

func (d *StorageDir) AvailableBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - d.committed
}

// Reserve adds n bytes to the block's accounting if the dir has room. It is the only
// way bytes are added, so concurrent reservations can never over-commit the dir.
func (d *StorageDir) Reserve(blockID, n int64) bool {
	if n < 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity-d.committed < n {
		return false
	}
	d.committed += n
	d.blocks[blockID] += n
	return true
}

// Resize sets the block's accounted bytes to n. Shrinking always succeeds; growing
// succeeds only if the extra bytes fit.
func (d *StorageDir) Resize(blockID, n int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.blocks[blockID]
	if !ok {
		return false
	}
	delta := n - cur
	if delta > 0 && d.capacity-d.committed < delta {
		return false
	}
	d.committed += delta
	d.blocks[blockID] = n
	return true
}

// Unreserve takes back n bytes of an earlier Reserve for blockID. The block is dropped
// from the dir once nothing is accounted for it.
func (d *StorageDir) Unreserve(blockID, n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.blocks[blockID]
	if !ok {
		return
	}
	if n > cur {
		n = cur
	}
	d.committed -= n
	if cur == n {
		delete(d.blocks, blockID)
		return
	}
	d.blocks[blockID] = cur - n
}

// Release drops the block from the dir and returns the bytes freed.
func (d *StorageDir) Release(blockID int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.blocks[blockID]
	if !ok {
		return 0
	}
	d.committed -= n
	delete(d.blocks, blockID)
	return n
}

// Holds reports whether the dir accounts for blockID.
func (d *StorageDir) Holds(blockID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocks[blockID]
	return ok
}

// AccountedBytes returns the bytes held for blockID.
func (d *StorageDir) AccountedBytes(blockID int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[blockID]
}

// BlockIDs returns the ids of every block (temporary and committed) in the dir.
func (d *StorageDir) BlockIDs() []int64 {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.blocks))
	for id := range d.blocks {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BlockPath is where a committed block lives.
func (d *StorageDir) BlockPath(blockID int64) string {
	return filepath.Join(d.path, strconv.FormatInt(blockID, 10))
}

// TempBlockPath is where a session writes an uncommitted block.
func (d *StorageDir) TempBlockPath(sessionID, blockID int64) string {
	sub := sessionID % tempSubDirs
	if sub < 0 {
		sub = -sub
	}
	return filepath.Join(d.path, TempDirName, strconv.FormatInt(sub, 10),
		fmt.Sprintf("%d-%d", sessionID, blockID))
}

// TempDir returns the root of the dir's temp area.
func (d *StorageDir) TempDir() string {
	return filepath.Join(d.path, TempDirName)
}
