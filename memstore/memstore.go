// Package memstore keeps a B-tree page tree in heap memory. It backs
// tests and embedding callers that build an index once and scan it, and
// it can mutate the tree underneath running scans the way a concurrent
// writer would: splitting pages, deleting them, rewiring sibling links.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"btscan"
)

// Store is an in-memory btscan.PageStore. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	pages map[btscan.BlockNumber]*page
	root  btscan.BlockNumber
	next  uint64
}

func New() *Store {
	return &Store{
		pages: make(map[btscan.BlockNumber]*page),
		next:  1,
	}
}

// page implements btscan.Page. The latch orders readers and writers; the
// dead-bit mutex lets concurrent read-locked scans set killed hints
// without racing each other.
type page struct {
	latch sync.RWMutex
	pins  atomic.Int32
	lsn   btscan.LSN

	level      int
	prev, next btscan.BlockNumber
	deleted    bool
	halfDead   bool
	incomplete bool

	tuples  []btscan.Tuple
	highKey *btscan.Tuple

	deadMu sync.Mutex
	dead   []bool
}

func (p *page) IsLeaf() bool                 { return p.level == 0 }
func (p *page) Level() int                   { return p.level }
func (p *page) NextBlock() btscan.BlockNumber { return p.next }
func (p *page) PrevBlock() btscan.BlockNumber { return p.prev }
func (p *page) IsRightmost() bool            { return p.next == btscan.InvalidBlock }
func (p *page) IsLeftmost() bool             { return p.prev == btscan.InvalidBlock }
func (p *page) IsIgnorable() bool            { return p.deleted || p.halfDead }
func (p *page) HasIncompleteSplit() bool     { return p.incomplete }
func (p *page) NumTuples() int               { return len(p.tuples) }
func (p *page) Tuple(off int) btscan.Tuple   { return p.tuples[off] }

func (p *page) HighKey() (btscan.Tuple, bool) {
	if p.highKey == nil {
		return btscan.Tuple{}, false
	}
	return *p.highKey, true
}

func (p *page) IsDead(off int) bool {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	return off < len(p.dead) && p.dead[off]
}

func (p *page) MarkDead(off int) {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	if len(p.dead) < len(p.tuples) {
		grown := make([]bool, len(p.tuples))
		copy(grown, p.dead)
		p.dead = grown
	}
	if off < len(p.dead) {
		p.dead[off] = true
	}
}

// ref is a pinned, possibly locked page handle.
type ref struct {
	store  *Store
	block  btscan.BlockNumber
	page   *page
	locked bool
	mode   btscan.LockMode
}

func (r *ref) Block() btscan.BlockNumber { return r.block }
func (r *ref) Page() btscan.Page         { return r.page }
func (r *ref) LSN() btscan.LSN           { return r.page.lsn }

func (r *ref) Lock(ctx context.Context, mode btscan.LockMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == btscan.LockWrite {
		r.page.latch.Lock()
	} else {
		r.page.latch.RLock()
	}
	r.locked = true
	r.mode = mode
	return nil
}

func (r *ref) Unlock() {
	if !r.locked {
		return
	}
	if r.mode == btscan.LockWrite {
		r.page.latch.Unlock()
	} else {
		r.page.latch.RUnlock()
	}
	r.locked = false
}

func (r *ref) Unpin() {
	r.page.pins.Add(-1)
}

func (r *ref) Release() {
	r.Unlock()
	r.Unpin()
}

// Root returns the read-locked root. A write-mode call on an empty store
// materializes an empty leaf root first.
func (s *Store) Root(ctx context.Context, mode btscan.LockMode) (btscan.PageRef, error) {
	s.mu.Lock()
	if s.root == btscan.InvalidBlock {
		if mode == btscan.LockRead {
			s.mu.Unlock()
			return nil, nil
		}
		blk := s.alloc()
		s.pages[blk] = &page{}
		s.root = blk
	}
	root := s.root
	s.mu.Unlock()

	return s.Page(ctx, root, btscan.LockRead)
}

// Page pins and locks an arbitrary block.
func (s *Store) Page(ctx context.Context, block btscan.BlockNumber, mode btscan.LockMode) (btscan.PageRef, error) {
	s.mu.RLock()
	p, ok := s.pages[block]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: no such block %d", block)
	}

	p.pins.Add(1)
	r := &ref{store: s, block: block, page: p}
	if err := r.Lock(ctx, mode); err != nil {
		r.Unpin()
		return nil, err
	}
	return r, nil
}

// Step releases from, then acquires block. Never holds both.
func (s *Store) Step(ctx context.Context, from btscan.PageRef, block btscan.BlockNumber, mode btscan.LockMode) (btscan.PageRef, error) {
	from.Release()
	return s.Page(ctx, block, mode)
}

// RootBlock returns the current root block, InvalidBlock when empty.
func (s *Store) RootBlock() btscan.BlockNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// PinCount reports a block's live pins, for leak checks in tests.
func (s *Store) PinCount(block btscan.BlockNumber) int {
	s.mu.RLock()
	p, ok := s.pages[block]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(p.pins.Load())
}

// NumPages reports how many pages the store holds.
func (s *Store) NumPages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Blocks returns every block number in the store, unordered.
func (s *Store) Blocks() []btscan.BlockNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]btscan.BlockNumber, 0, len(s.pages))
	for blk := range s.pages {
		out = append(out, blk)
	}
	return out
}

// alloc hands out the next block number. Callers hold mu.
func (s *Store) alloc() btscan.BlockNumber {
	blk := btscan.BlockNumber(s.next)
	s.next++
	return blk
}

func (s *Store) get(block btscan.BlockNumber) (*page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[block]
	if !ok {
		return nil, fmt.Errorf("memstore: no such block %d", block)
	}
	return p, nil
}
