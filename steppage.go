package btscan

import (
	"context"
	"fmt"
)

// stepPage leaves the buffered page in dir. Killed-tuple hints flush onto
// the page first, while the scan still knows how to find it.
func (s *Scan) stepPage(ctx context.Context, dir Direction) (bool, error) {
	if len(s.killed) > 0 {
		s.killItems(ctx)
	}
	if s.pos.buf != nil {
		s.pos.buf.Unpin()
		s.pos.buf = nil
	}

	lastcurr := s.pos.block
	blkno := s.pos.next
	if dir == Backward {
		blkno = s.pos.prev
	}
	return s.readNextPage(ctx, blkno, lastcurr, dir, false)
}

// readNextPage walks sibling links in dir until a page yields matches or
// the walk runs out of index. blkno is the candidate page and lastcurr
// the page the scan just left, which backward walks need to pin down the
// true left neighbor under concurrent splits. seized marks a page handed
// over by the parallel coordinator, already accounted for.
func (s *Scan) readNextPage(ctx context.Context, blkno, lastcurr BlockNumber, dir Direction, seized bool) (bool, error) {
	for {
		if dir == Forward {
			if !s.pos.moreRight || blkno == InvalidBlock {
				return s.endScan()
			}
		} else {
			if !s.pos.moreLeft || blkno == InvalidBlock {
				return s.endScan()
			}
		}

		if s.coord != nil && !seized {
			res, err := s.coord.Seize(ctx)
			if err != nil {
				return false, err
			}
			if res.Done {
				s.pos.invalidate()
				return false, nil
			}
			if res.First {
				// A worker scheduled a new primitive scan and this one
				// drew the descent.
				if res.ArrayElems != nil {
					s.setArrayElems(res.ArrayElems)
				}
				return s.descend(ctx, dir)
			}
			blkno, lastcurr = res.Block, res.LastBlock
			if blkno == InvalidBlock {
				return s.endScan()
			}
		}
		seized = false

		if err := ctx.Err(); err != nil {
			return false, err
		}

		var ref PageRef
		var err error
		if dir == Forward {
			ref, err = s.idx.store.Page(ctx, blkno, LockRead)
		} else {
			ref, err = s.idx.lockAndValidateLeft(ctx, blkno, lastcurr)
			if err == nil && ref == nil {
				// No left sibling: the walk hit the leftmost page.
				return s.endScan()
			}
		}
		if err != nil {
			return false, err
		}

		page := ref.Page()
		if page.IsIgnorable() {
			nb := page.NextBlock()
			if dir == Backward {
				nb = page.PrevBlock()
			}
			if s.coord != nil {
				s.coord.Release(nb, ref.Block())
			}
			lastcurr = ref.Block()
			ref.Release()
			blkno = nb
			continue
		}

		if s.idx.predLock != nil {
			s.idx.predLock.LockPage(ref.Block())
		}

		// Arriving on a fresh page reopens the trailing direction: a
		// direction change can now walk back over it.
		if dir == Forward {
			s.pos.moreLeft = true
		} else {
			s.pos.moreRight = true
		}

		start := 0
		if dir == Backward {
			start = page.NumTuples() - 1
		}
		found := s.readPage(ref, dir, start)

		if s.coord != nil {
			next := s.pos.next
			if dir == Backward {
				next = s.pos.prev
			}
			s.coord.Release(next, s.pos.block)
		}

		if found {
			s.dropLock(ref)
			s.pos.itemIndex = 0
			return true, nil
		}

		lastcurr = ref.Block()
		ref.Release()
		blkno = s.pos.next
		if dir == Backward {
			blkno = s.pos.prev
		}
	}
}

// endScan retires the current position. The coordinator hears "done" only
// when no primitive scan restart is pending.
func (s *Scan) endScan() (bool, error) {
	s.pos.invalidate()
	if s.coord != nil && !s.needPrimScan {
		s.coord.MarkDone()
	}
	return false, nil
}

// lockAndValidateLeft finds and read-locks the true left sibling of
// lastcurr, starting from the stale candidate blkno. Splits between
// reading the left-link and locking the candidate can push any number of
// new pages in between, so the candidate's right-link chain is walked a
// bounded number of hops looking for lastcurr before giving up and
// rereading lastcurr's left-link. A deleted lastcurr restarts the hunt
// from its first live right neighbor.
//
// Returns (nil, nil) when lastcurr turns out to be leftmost.
func (idx *Index) lockAndValidateLeft(ctx context.Context, blkno, lastcurr BlockNumber) (PageRef, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		orig := blkno
		ref, err := idx.store.Page(ctx, blkno, LockRead)
		if err != nil {
			return nil, err
		}

		for hops := 0; ; hops++ {
			page := ref.Page()
			if !page.IsIgnorable() && page.NextBlock() == lastcurr {
				return ref, nil
			}
			if page.IsRightmost() || hops >= idx.leftHopLimit {
				break
			}
			ref, err = idx.store.Step(ctx, ref, page.NextBlock(), LockRead)
			if err != nil {
				return nil, err
			}
		}

		// The candidate chain never reached lastcurr. Ask lastcurr
		// itself where its left neighbor is now.
		idx.metrics.incLeftRestarts()
		ref, err = idx.store.Step(ctx, ref, lastcurr, LockRead)
		if err != nil {
			return nil, err
		}

		restarted := false
		page := ref.Page()
		for page.IsIgnorable() {
			// lastcurr was deleted out from under the scan. Resume from
			// its first live right neighbor, whose left-link is current.
			if page.IsRightmost() {
				block := ref.Block()
				ref.Release()
				return nil, fmt.Errorf("%w: no live page right of deleted block %d",
					ErrCorrupted, block)
			}
			restarted = true
			ref, err = idx.store.Step(ctx, ref, page.NextBlock(), LockRead)
			if err != nil {
				return nil, err
			}
			page = ref.Page()
		}
		if restarted {
			lastcurr = ref.Block()
			idx.log.Info("backward scan restarting from live neighbor", "block", lastcurr)
		}

		if page.IsLeftmost() {
			ref.Release()
			return nil, nil
		}
		blkno = page.PrevBlock()
		ref.Release()

		if !restarted && blkno == orig {
			return nil, fmt.Errorf("%w: left-link of block %d leads back to block %d",
				ErrCorrupted, lastcurr, blkno)
		}
	}
}

// killItems flushes batched killed-tuple hints onto their page. The page
// is revalidated first: if the pin was dropped and the page has since
// split or recycled (stamp mismatch), the hints are discarded rather than
// risk marking the wrong tuples. Posting tuples go dead only when every
// one of their row locators was killed.
func (s *Scan) killItems(ctx context.Context) {
	killed := s.killed
	s.killed = s.killed[:0]
	if !s.pos.valid || len(killed) == 0 {
		return
	}

	droppedPin := s.pos.buf == nil
	var ref PageRef
	if droppedPin {
		var err error
		ref, err = s.idx.store.Page(ctx, s.pos.block, LockRead)
		if err != nil {
			return
		}
		if ref.LSN() != s.pos.lsn {
			ref.Release()
			return
		}
	} else {
		ref = s.pos.buf
		if err := ref.Lock(ctx, LockRead); err != nil {
			return
		}
	}

	dead := make(map[TID]bool, len(killed))
	for _, tid := range killed {
		dead[tid] = true
	}

	page := ref.Page()
	marked := 0
	for off := 0; off < page.NumTuples(); off++ {
		if page.IsDead(off) {
			continue
		}
		tup := page.Tuple(off)
		switch tup.Kind {
		case TuplePlain:
			if dead[tup.Heap] {
				page.MarkDead(off)
				marked++
			}
		case TuplePosting:
			all := true
			for _, tid := range tup.Posting {
				if !dead[tid] {
					all = false
					break
				}
			}
			if all {
				page.MarkDead(off)
				marked++
			}
		}
	}
	s.idx.metrics.addTuplesKilled(marked)

	if droppedPin {
		ref.Release()
	} else {
		ref.Unlock()
	}
}
