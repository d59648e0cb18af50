package memstore

import (
	"bytes"
	"errors"
	"fmt"

	"btscan"
)

var (
	ErrNoRows     = errors.New("memstore: no rows to build from")
	ErrBadFanout  = errors.New("memstore: fanout must be at least 2")
	ErrNotLeaf    = errors.New("memstore: block is not a leaf")
	ErrBadSplitAt = errors.New("memstore: split point out of range")
)

// child pairs a block with the separator pivot that introduces it to its
// parent. The leftmost child of any page needs none: its downlink becomes
// the negative-infinity pivot.
type child struct {
	block btscan.BlockNumber
	sep   btscan.Tuple
}

// separator builds the pivot introducing a page that starts with first.
// When the page before it ends on the same key the boundary falls inside
// a run, and the pivot keeps first's row locator so descents for that
// key stay left of it. Key equality here is byte equality, which is all
// the fixtures this store backs require.
func separator(first btscan.Tuple, prevLast *btscan.Tuple) btscan.Tuple {
	sep := btscan.PivotTuple(btscan.InvalidBlock, first.Attrs...)
	if prevLast != nil && sameKey(prevLast.Attrs, first.Attrs) {
		sep.Heap = firstLocator(first)
	}
	return sep
}

func sameKey(a, b []btscan.Datum) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Null != b[i].Null || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func firstLocator(t btscan.Tuple) btscan.TID {
	if t.Kind == btscan.TuplePosting {
		return t.Posting[0]
	}
	return t.Heap
}

// linkLevel wires sibling links and high keys across one level. Page i's
// high key is the separator of page i+1. Callers hold mu.
func (s *Store) linkLevel(level []child) {
	for i, c := range level {
		p := s.pages[c.block]
		if i > 0 {
			p.prev = level[i-1].block
		}
		if i < len(level)-1 {
			p.next = level[i+1].block
			hk := level[i+1].sep
			p.highKey = &hk
		}
	}
}

// Build constructs a tree bottom-up from leaf tuples already in key
// order. Leaves take up to leafCap tuples, internal pages up to
// branchCap downlinks. Build replaces whatever the store held.
func (s *Store) Build(rows []btscan.Tuple, leafCap, branchCap int) error {
	if len(rows) == 0 {
		return ErrNoRows
	}
	if leafCap < 2 || branchCap < 2 {
		return ErrBadFanout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[btscan.BlockNumber]*page)
	s.root = btscan.InvalidBlock
	s.next = 1

	var level []child
	for lo := 0; lo < len(rows); lo += leafCap {
		hi := lo + leafCap
		if hi > len(rows) {
			hi = len(rows)
		}
		blk := s.alloc()
		p := &page{tuples: append([]btscan.Tuple(nil), rows[lo:hi]...)}
		s.pages[blk] = p
		var prevLast *btscan.Tuple
		if lo > 0 {
			prevLast = &rows[lo-1]
		}
		level = append(level, child{block: blk, sep: separator(rows[lo], prevLast)})
	}
	s.linkLevel(level)

	for len(level) > 1 {
		var parents []child
		lvl := s.pages[level[0].block].level + 1
		for lo := 0; lo < len(level); lo += branchCap {
			hi := lo + branchCap
			if hi > len(level) {
				hi = len(level)
			}
			blk := s.alloc()
			p := &page{level: lvl}
			for i := lo; i < hi; i++ {
				t := btscan.PivotTuple(level[i].block)
				if i > lo {
					t = level[i].sep
					t.Down = level[i].block
				}
				p.tuples = append(p.tuples, t)
			}
			s.pages[blk] = p
			parents = append(parents, child{block: blk, sep: level[lo].sep})
		}
		s.linkLevel(parents)
		level = parents
	}

	s.root = level[0].block
	return nil
}

// SplitLeaf splits a leaf at tuple offset at, moving tuples[at:] onto a
// fresh right sibling, exactly as a concurrent writer would: sibling
// links rewired, high keys adjusted, stamps bumped. The parent is left
// untouched, so until a descent completes the split (or forever, for
// read-only tests) the new page is reachable only through the right-link.
// Returns the new block.
func (s *Store) SplitLeaf(block btscan.BlockNumber, at int) (btscan.BlockNumber, error) {
	left, err := s.get(block)
	if err != nil {
		return 0, err
	}

	left.latch.Lock()
	defer left.latch.Unlock()
	if !left.IsLeaf() {
		return 0, ErrNotLeaf
	}
	if at <= 0 || at >= len(left.tuples) {
		return 0, ErrBadSplitAt
	}

	s.mu.Lock()
	rblk := s.alloc()
	right := &page{
		prev:    block,
		next:    left.next,
		highKey: left.highKey,
		tuples:  append([]btscan.Tuple(nil), left.tuples[at:]...),
	}
	left.deadMu.Lock()
	if len(left.dead) > at {
		right.dead = append([]bool(nil), left.dead[at:]...)
		left.dead = left.dead[:at]
	}
	left.deadMu.Unlock()
	s.pages[rblk] = right
	oldNext := left.next
	s.mu.Unlock()

	hk := separator(right.tuples[0], &left.tuples[at-1])
	left.highKey = &hk
	left.tuples = left.tuples[:at]
	left.next = rblk
	left.incomplete = true
	left.lsn++
	right.lsn = left.lsn

	if oldNext != btscan.InvalidBlock {
		if p, err := s.get(oldNext); err == nil {
			p.latch.Lock()
			p.prev = rblk
			p.lsn++
			p.latch.Unlock()
		}
	}
	return rblk, nil
}

// CompleteSplit clears a page's incomplete-split flag without touching
// the parent, for tests that only care about the flag.
func (s *Store) CompleteSplit(block btscan.BlockNumber) error {
	p, err := s.get(block)
	if err != nil {
		return err
	}
	p.latch.Lock()
	p.incomplete = false
	p.latch.Unlock()
	return nil
}

// DeletePage marks a page deleted and splices it out of its level's
// sibling chain. The deleted page keeps its own links so scans caught on
// it can still escape along them.
func (s *Store) DeletePage(block btscan.BlockNumber) error {
	p, err := s.get(block)
	if err != nil {
		return err
	}

	p.latch.Lock()
	p.deleted = true
	p.lsn++
	prev, next := p.prev, p.next
	p.latch.Unlock()

	if prev != btscan.InvalidBlock {
		if lp, err := s.get(prev); err == nil {
			lp.latch.Lock()
			lp.next = next
			lp.lsn++
			lp.latch.Unlock()
		}
	}
	if next != btscan.InvalidBlock {
		if np, err := s.get(next); err == nil {
			np.latch.Lock()
			np.prev = prev
			np.lsn++
			np.latch.Unlock()
		}
	}
	return nil
}

// SetPrev rewrites a page's left-link, for corruption tests.
func (s *Store) SetPrev(block, prev btscan.BlockNumber) error {
	p, err := s.get(block)
	if err != nil {
		return err
	}
	p.latch.Lock()
	p.prev = prev
	p.latch.Unlock()
	return nil
}

// SetHalfDead flips a page's half-dead flag.
func (s *Store) SetHalfDead(block btscan.BlockNumber, v bool) error {
	p, err := s.get(block)
	if err != nil {
		return err
	}
	p.latch.Lock()
	p.halfDead = v
	p.latch.Unlock()
	return nil
}

// Leaves returns the leaf chain left to right, for test assertions.
func (s *Store) Leaves() ([]btscan.BlockNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blk := s.root
	if blk == btscan.InvalidBlock {
		return nil, nil
	}
	for {
		p, ok := s.pages[blk]
		if !ok {
			return nil, fmt.Errorf("memstore: no such block %d", blk)
		}
		if p.IsLeaf() {
			break
		}
		blk = p.tuples[0].Down
	}
	var out []btscan.BlockNumber
	for blk != btscan.InvalidBlock {
		out = append(out, blk)
		p, ok := s.pages[blk]
		if !ok {
			return nil, fmt.Errorf("memstore: no such block %d", blk)
		}
		blk = p.next
	}
	return out, nil
}
