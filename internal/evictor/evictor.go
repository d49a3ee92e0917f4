// Package evictor plans which committed blocks to remove or demote to make room in a
// storage dir.
package evictor

import (
	"fmt"

	"github.com/gftdcojp/tiered-block-worker/internal/meta"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// Action is what happens to an eviction victim.
type Action int

const (
	Remove Action = iota
	MoveToLowerTier
)

func (a Action) String() string {
	if a == MoveToLowerTier {
		return "move_to_lower_tier"
	}
	return "remove"
}

// Victim is one step of an eviction plan.
type Victim struct {
	Block  meta.BlockMeta
	Action Action
	// Dest is the dir chosen for MoveToLowerTier. It is only a hint: space is
	// reserved when the plan is executed.
	Dest *tier.StorageDir
}

// Plan lists victims in the order they should be evicted.
type Plan struct {
	Target  *tier.StorageDir
	Bytes   int64
	Victims []Victim
}

// Freed is the number of bytes the plan releases from the target dir.
func (p *Plan) Freed() int64 {
	var n int64
	for _, v := range p.Victims {
		n += v.Block.Size
	}
	return n
}

// View is the store state the evictor plans against. It may be stale by the time the
// plan runs, so the executor re-validates every victim.
type View interface {
	BlocksInDir(dir *tier.StorageDir) []meta.BlockMeta
	IsPinned(blockID int64) bool
	IsLocked(blockID int64) bool
}

// Evictor selects victims according to its policy.
type Evictor struct {
	topo   *tier.Topology
	policy Policy
	logger *zap.Logger
}

func New(topo *tier.Topology, policy Policy, logger *zap.Logger) *Evictor {
	return &Evictor{topo: topo, policy: policy, logger: logger.Named("evictor")}
}

func (e *Evictor) Policy() Policy { return e.policy }

// FreeSpace plans the eviction of enough committed, unpinned, unlocked blocks from
// target so that it has at least bytes available. It fails with ErrWorkerOutOfSpace
// without selecting anything when the candidates cannot cover the shortfall.
func (e *Evictor) FreeSpace(target *tier.StorageDir, bytes int64, view View) (*Plan, error) {
	plan := &Plan{Target: target, Bytes: bytes}
	need := bytes - target.AvailableBytes()
	if need <= 0 {
		return plan, nil
	}
	if bytes > target.CapacityBytes() {
		return nil, fmt.Errorf("%w: %d bytes requested in %s with capacity %d",
			types.ErrWorkerOutOfSpace, bytes, target.Location(), target.CapacityBytes())
	}

	blocks := view.BlocksInDir(target)
	inDir := make(map[int64]meta.BlockMeta, len(blocks))
	for _, bm := range blocks {
		inDir[bm.BlockID] = bm
	}

	// Policy order first, then anything the policy has not seen.
	order := make([]int64, 0, len(inDir))
	seen := make(map[int64]bool, len(inDir))
	for _, id := range e.policy.Candidates() {
		if _, ok := inDir[id]; ok {
			order = append(order, id)
			seen[id] = true
		}
	}
	for _, bm := range blocks {
		if !seen[bm.BlockID] {
			order = append(order, bm.BlockID)
		}
	}

	lower, hasLower := e.topo.NextTier(target.Tier().Alias())
	pending := make(map[*tier.StorageDir]int64)

	var freed int64
	for _, id := range order {
		if freed >= need {
			break
		}
		if view.IsPinned(id) || view.IsLocked(id) {
			continue
		}
		bm := inDir[id]
		victim := Victim{Block: bm, Action: Remove}
		if hasLower {
			for _, d := range lower.Dirs() {
				if d.AvailableBytes()-pending[d] >= bm.Size {
					victim.Action = MoveToLowerTier
					victim.Dest = d
					pending[d] += bm.Size
					break
				}
			}
		}
		plan.Victims = append(plan.Victims, victim)
		freed += bm.Size
	}

	if freed < need {
		return nil, fmt.Errorf("%w: only %d of %d bytes evictable in %s",
			types.ErrWorkerOutOfSpace, freed, need, target.Location())
	}

	e.logger.Debug("eviction planned",
		zap.Stringer("dir", target.Location()),
		zap.Int64("bytes", bytes),
		zap.Int64("shortfall", need),
		zap.Int("victims", len(plan.Victims)),
	)
	return plan, nil
}
