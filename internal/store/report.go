package store

import (
	"sort"
	"sync"

	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// reportAccumulator collects block changes between two heartbeats.
type reportAccumulator struct {
	mu      sync.Mutex
	added   map[int64]types.BlockStoreLocation
	removed map[int64]struct{}
}

func newReportAccumulator() *reportAccumulator {
	return &reportAccumulator{
		added:   make(map[int64]types.BlockStoreLocation),
		removed: make(map[int64]struct{}),
	}
}

// addBlock records a commit or a move. A moved block is reported at its new location.
func (r *reportAccumulator) addBlock(loc types.BlockStoreLocation, blockID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.removed, blockID)
	r.added[blockID] = loc
}

func (r *reportAccumulator) removeBlock(blockID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.added, blockID)
	r.removed[blockID] = struct{}{}
}

// drain returns the accumulated changes and resets the accumulator.
func (r *reportAccumulator) drain() types.BlockHeartbeatReport {
	r.mu.Lock()
	added, removed := r.added, r.removed
	r.added = make(map[int64]types.BlockStoreLocation)
	r.removed = make(map[int64]struct{})
	r.mu.Unlock()

	report := types.BlockHeartbeatReport{
		AddedBlocks:   make(map[types.BlockStoreLocation][]int64),
		RemovedBlocks: make([]int64, 0, len(removed)),
	}
	for id, loc := range added {
		report.AddedBlocks[loc] = append(report.AddedBlocks[loc], id)
	}
	for loc := range report.AddedBlocks {
		ids := report.AddedBlocks[loc]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	for id := range removed {
		report.RemovedBlocks = append(report.RemovedBlocks, id)
	}
	sort.Slice(report.RemovedBlocks, func(i, j int) bool { return report.RemovedBlocks[i] < report.RemovedBlocks[j] })
	return report
}

// restore merges an undelivered report back. Changes recorded since the drain win.
func (r *reportAccumulator) restore(report types.BlockHeartbeatReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for loc, ids := range report.AddedBlocks {
		for _, id := range ids {
			_, addedSince := r.added[id]
			_, removedSince := r.removed[id]
			if !addedSince && !removedSince {
				r.added[id] = loc
			}
		}
	}
	for _, id := range report.RemovedBlocks {
		if _, addedSince := r.added[id]; !addedSince {
			r.removed[id] = struct{}{}
		}
	}
}
