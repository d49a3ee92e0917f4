package evictor

import (
	"fmt"
	"sync"
)

// Policy orders committed blocks for eviction. Implementations are safe for
// concurrent use.
type Policy interface {
	// OnCommit starts tracking a block. Committing a tracked block counts as an access.
	OnCommit(blockID int64)
	// OnAccess records a read of the block.
	OnAccess(blockID int64)
	// OnRemove stops tracking the block.
	OnRemove(blockID int64)
	// Candidates returns tracked blocks, the first to be evicted first.
	Candidates() []int64
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", "lru":
		return NewLRUPolicy(), nil
	case "fifo":
		return NewFIFOPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown evictor %q", name)
	}
}

// queuePolicy keeps blocks in a doubly linked list ordered from oldest to newest.
// LRU moves a block to the newest end on every access; FIFO only on insertion.
type queuePolicy struct {
	touchOnAccess bool

	mu       sync.Mutex
	head     queueElement
	elements map[int64]*queueElement
}

type queueElement struct {
	older   *queueElement
	newer   *queueElement
	blockID int64
}

// NewLRUPolicy evicts the least recently used block first.
func NewLRUPolicy() Policy {
	return newQueuePolicy(true)
}

// NewFIFOPolicy evicts the oldest committed block first, ignoring reads.
func NewFIFOPolicy() Policy {
	return newQueuePolicy(false)
}

func newQueuePolicy(touchOnAccess bool) *queuePolicy {
	p := &queuePolicy{
		touchOnAccess: touchOnAccess,
		elements:      make(map[int64]*queueElement),
	}
	p.head.older = &p.head
	p.head.newer = &p.head
	return p
}

func (p *queuePolicy) pushNewest(e *queueElement) {
	e.older = p.head.older
	e.newer = &p.head
	e.older.newer = e
	e.newer.older = e
}

func (e *queueElement) unlink() {
	e.older.newer = e.newer
	e.newer.older = e.older
	e.older = nil
	e.newer = nil
}

func (p *queuePolicy) OnCommit(blockID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.elements[blockID]; ok {
		e.unlink()
		p.pushNewest(e)
		return
	}
	e := &queueElement{blockID: blockID}
	p.pushNewest(e)
	p.elements[blockID] = e
}

func (p *queuePolicy) OnAccess(blockID int64) {
	if !p.touchOnAccess {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.elements[blockID]; ok {
		e.unlink()
		p.pushNewest(e)
	}
}

func (p *queuePolicy) OnRemove(blockID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.elements[blockID]; ok {
		e.unlink()
		delete(p.elements, blockID)
	}
}

func (p *queuePolicy) Candidates() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.elements))
	for e := p.head.newer; e != &p.head; e = e.newer {
		ids = append(ids, e.blockID)
	}
	return ids
}
