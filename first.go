package btscan

import (
	"context"
	"fmt"
)

// chooseStartKeys selects the boundary the first descent aims at. It
// consumes scan keys attribute by attribute: equalities extend the
// boundary to the next attribute, one direction-matching inequality (or a
// row comparison's member list) finishes it, and an unusable inequality
// still contributes a synthesized non-NULL boundary when the column's
// NULL range sits at the start edge of the scan, so the descent skips
// it. When the NULLs sit at the far edge the attribute stays unbound: a
// boundary there would start the scan past all the data. ok=false means
// nothing constrains the start and the scan begins at the index
// endpoint.
func (s *Scan) chooseStartKeys(dir Direction) (bounds []Bound, strat CompareOp, ok bool) {
	curattr := 0
	i := 0
	for {
		var eqKey, ineqKey *scanQual
		impliesNN := false
		for i < len(s.quals) && s.quals[i].Attr == curattr {
			q := s.quals[i]
			i++
			if len(q.Row) > 0 {
				if rowUsable(q.Op, dir) {
					ineqKey = q
				} else {
					impliesNN = true
				}
				continue
			}
			switch q.Op {
			case OpEqual, OpIsNull:
				eqKey = q
			case OpLess, OpLessEqual:
				if dir == Backward {
					ineqKey = q
				} else {
					impliesNN = true
				}
			case OpGreater, OpGreaterEqual:
				if dir == Forward {
					ineqKey = q
				} else {
					impliesNN = true
				}
			case OpIsNotNull:
				impliesNN = true
			}
		}

		switch {
		case eqKey != nil:
			bounds = append(bounds, eqBound(eqKey))
			strat = eqKey.Op
			if eqKey.arr != nil {
				strat = OpEqual
			}
			curattr++
			if i < len(s.quals) && s.quals[i].Attr == curattr {
				continue
			}
			return bounds, strat, len(bounds) > 0
		case ineqKey != nil:
			if len(ineqKey.Row) > 0 {
				// Row members cover consecutive attributes; each one
				// tightens the boundary, and the last decides strictness.
				for _, m := range ineqKey.Row {
					bounds = append(bounds, Bound{Value: m.Value})
					strat = m.Op
				}
				return bounds, strat, true
			}
			bounds = append(bounds, Bound{Value: ineqKey.Value})
			return bounds, ineqKey.Op, true
		case impliesNN && s.idx.schema[curattr].NullsFirst == (dir == Forward):
			bounds = append(bounds, Bound{NotNull: true})
			return bounds, OpIsNotNull, true
		default:
			return bounds, strat, len(bounds) > 0
		}
	}
}

func rowUsable(headOp CompareOp, dir Direction) bool {
	switch headOp {
	case OpLess, OpLessEqual:
		return dir == Backward
	case OpGreater, OpGreaterEqual:
		return dir == Forward
	}
	return false
}

func eqBound(q *scanQual) Bound {
	if q.Op == OpIsNull {
		return Bound{Null: true}
	}
	if q.arr != nil {
		return Bound{Value: q.arr.current()}
	}
	return Bound{Value: q.Value}
}

// translateStrategy maps the final boundary operator to descent mode:
// whether the boundary sits after equal keys (nextkey) and whether the
// leaf position steps back one tuple (goback). Equality-class boundaries
// land on the near edge of the matching range for the scan direction.
func translateStrategy(strat CompareOp, dir Direction) (nextkey, goback bool) {
	switch strat {
	case OpLess:
		return false, true
	case OpLessEqual:
		return true, true
	case OpGreater:
		return true, false
	case OpGreaterEqual:
		return false, false
	default: // OpEqual, OpIsNull, OpIsNotNull
		if dir == Backward {
			return true, true
		}
		return false, false
	}
}

// firstInternal runs one primitive index scan: descend, position, read
// the landing page. Parallel scans first ask the coordinator whether to
// descend or to join the scan at a page another worker already lined up.
func (s *Scan) firstInternal(ctx context.Context, dir Direction) (bool, error) {
	if s.coord != nil {
		res, err := s.coord.Seize(ctx)
		if err != nil {
			return false, err
		}
		if res.Done {
			s.pos.invalidate()
			return false, nil
		}
		if !res.First {
			s.initMoreFlags(dir)
			return s.readNextPage(ctx, res.Block, res.LastBlock, dir, true)
		}
		if res.ArrayElems != nil {
			// A peer advanced the array keys before scheduling this
			// descent; catch this worker's cursors up to match.
			s.setArrayElems(res.ArrayElems)
		}
	}

	return s.descend(ctx, dir)
}

// descend performs the root-to-leaf positioning of one primitive scan.
// Parallel callers must already hold the advance.
func (s *Scan) descend(ctx context.Context, dir Direction) (bool, error) {
	s.idx.metrics.incPrimScans()

	bounds, strat, haveBounds := s.chooseStartKeys(dir)
	if !haveBounds {
		return s.endpoint(ctx, dir)
	}
	nextkey, goback := translateStrategy(strat, dir)
	key := &SearchKey{Bounds: bounds, Nextkey: nextkey, Backward: goback}

	_, ref, err := s.idx.Search(ctx, key, LockRead)
	if err != nil {
		return false, err
	}
	if ref == nil {
		// Empty index. Under serializable isolation the emptiness itself
		// is an observation to lock, and the lock may race an insert, so
		// look once more behind it.
		if s.idx.predLock != nil {
			s.idx.predLock.LockRelation()
			_, ref, err = s.idx.Search(ctx, key, LockRead)
			if err != nil {
				return false, err
			}
		}
		if ref == nil {
			s.pos.invalidate()
			if s.coord != nil && !s.needPrimScan {
				s.coord.MarkDone()
			}
			return false, nil
		}
	}
	if s.idx.predLock != nil {
		s.idx.predLock.LockPage(ref.Block())
	}

	start := s.idx.binarySearch(ref.Page(), key)
	s.initMoreFlags(dir)
	return s.readFirstPage(ctx, ref, start, dir)
}

// endpoint starts an unbounded scan at the far edge of the index: the
// leftmost leaf going forward, the rightmost going backward.
func (s *Scan) endpoint(ctx context.Context, dir Direction) (bool, error) {
	ref, err := s.idx.store.Root(ctx, LockRead)
	if err != nil {
		return false, err
	}
	if ref == nil {
		if s.idx.predLock != nil {
			s.idx.predLock.LockRelation()
			ref, err = s.idx.store.Root(ctx, LockRead)
			if err != nil {
				return false, err
			}
		}
		if ref == nil {
			s.pos.invalidate()
			if s.coord != nil && !s.needPrimScan {
				s.coord.MarkDone()
			}
			return false, nil
		}
	}

	for {
		page := ref.Page()
		if page.IsIgnorable() || (dir == Backward && !page.IsRightmost()) {
			if page.IsRightmost() {
				block := ref.Block()
				ref.Release()
				return false, fmt.Errorf("%w: rightmost block %d is ignorable",
					ErrCorrupted, block)
			}
			ref, err = s.idx.store.Step(ctx, ref, page.NextBlock(), LockRead)
			if err != nil {
				return false, err
			}
			continue
		}
		if page.IsLeaf() {
			break
		}
		off := 0
		if dir == Backward {
			off = page.NumTuples() - 1
		}
		down := page.Tuple(off).Down
		if err := ctx.Err(); err != nil {
			ref.Release()
			return false, err
		}
		ref, err = s.idx.store.Step(ctx, ref, down, LockRead)
		if err != nil {
			return false, err
		}
	}

	if s.idx.predLock != nil {
		s.idx.predLock.LockPage(ref.Block())
	}
	start := 0
	if dir == Backward {
		start = ref.Page().NumTuples() - 1
	}
	s.initMoreFlags(dir)
	return s.readFirstPage(ctx, ref, start, dir)
}

// readFirstPage buffers the landing page of a primitive scan and, when it
// holds nothing, hands off to the page-stepping loop.
func (s *Scan) readFirstPage(ctx context.Context, ref PageRef, start int, dir Direction) (bool, error) {
	s.killed = s.killed[:0]

	found := s.readPage(ref, dir, start)

	if s.coord != nil {
		next := s.pos.next
		if dir == Backward {
			next = s.pos.prev
		}
		s.coord.Release(next, s.pos.block)
	}

	if !found {
		lastcurr := ref.Block()
		ref.Release()
		s.pos.buf = nil
		blk := s.pos.next
		if dir == Backward {
			blk = s.pos.prev
		}
		return s.readNextPage(ctx, blk, lastcurr, dir, false)
	}

	s.dropLock(ref)
	s.pos.itemIndex = 0
	return true, nil
}
