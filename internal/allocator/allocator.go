// Package allocator picks storage dirs for new and growing blocks.
package allocator

import (
	"fmt"
	"sort"

	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// Allocator chooses a dir matching constraint and reserves size bytes in it for
// blockID. It returns nil when no candidate has room; the reservation is made
// atomically with the choice.
type Allocator interface {
	Allocate(blockID, size int64, constraint types.BlockStoreLocation) *tier.StorageDir
}

// New returns the allocator registered under name.
func New(name string, topo *tier.Topology) (Allocator, error) {
	switch name {
	case "", "greedy":
		return &Greedy{topo: topo}, nil
	case "max_free":
		return &MaxFree{topo: topo}, nil
	default:
		return nil, fmt.Errorf("unknown allocator %q", name)
	}
}

// Greedy takes the first dir with enough room, scanning tiers fastest first.
type Greedy struct {
	topo *tier.Topology
}

func NewGreedy(topo *tier.Topology) *Greedy { return &Greedy{topo: topo} }

func (g *Greedy) Allocate(blockID, size int64, constraint types.BlockStoreLocation) *tier.StorageDir {
	for _, d := range g.topo.Dirs(constraint) {
		if d.Reserve(blockID, size) {
			return d
		}
	}
	return nil
}

// MaxFree takes the candidate dir with the most available bytes.
type MaxFree struct {
	topo *tier.Topology
}

func NewMaxFree(topo *tier.Topology) *MaxFree { return &MaxFree{topo: topo} }

func (m *MaxFree) Allocate(blockID, size int64, constraint types.BlockStoreLocation) *tier.StorageDir {
	dirs := m.topo.Dirs(constraint)
	avail := make(map[*tier.StorageDir]int64, len(dirs))
	for _, d := range dirs {
		avail[d] = d.AvailableBytes()
	}
	sort.SliceStable(dirs, func(i, j int) bool { return avail[dirs[i]] > avail[dirs[j]] })
	// Availability may shift between the snapshot and the reservation, so fall back
	// to the next candidate instead of failing.
	for _, d := range dirs {
		if avail[d] < size {
			break
		}
		if d.Reserve(blockID, size) {
			return d
		}
	}
	return nil
}
