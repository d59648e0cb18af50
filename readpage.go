package btscan

// readPage buffers every tuple on ref's page that matches the scan keys,
// reading offsets from start toward the far edge for dir. It captures the
// page's identity and sibling links into pos first, so the caller can
// step off the page after the lock drops no matter what the page held.
//
// Returns whether anything matched. A required-key failure clears the
// more flag for dir: the walk must not continue past this page. On
// forward scans the high key gets the same treatment after the last
// tuple, catching pages whose data all precedes the keys' range while the
// right sibling starts beyond it.
func (s *Scan) readPage(ref PageRef, dir Direction, start int) bool {
	page := ref.Page()
	s.pos.valid = true
	s.pos.block = ref.Block()
	s.pos.next = page.NextBlock()
	s.pos.prev = page.PrevBlock()
	s.pos.dir = dir
	s.pos.items = s.pos.items[:0]
	s.pos.itemIndex = -1

	s.idx.metrics.incPagesRead()

	maxoff := page.NumTuples() - 1
	cont := true

	if dir == Forward {
		// With array keys the high key can prove the whole page sits
		// behind the current element before any tuple is visited; the walk
		// then moves right without reading it.
		if len(s.arrays) > 0 && !page.IsRightmost() {
			if hk, ok := page.HighKey(); ok && s.pageBehindArrays(hk) {
				return false
			}
		}

		off := start
		if off < 0 {
			off = 0
		}
		for ; off <= maxoff; off++ {
			if s.ignoreKilled && page.IsDead(off) {
				continue
			}
			match, c := s.checkKeys(page.Tuple(off), dir)
			if match {
				s.saveItem(page.Tuple(off), off)
			}
			if !c {
				cont = false
				break
			}
		}

		if cont && !page.IsRightmost() {
			if hk, ok := page.HighKey(); ok {
				if _, c := s.checkKeys(hk, dir); !c {
					cont = false
				}
			}
		}
		if !cont {
			s.pos.moreRight = false
		}
	} else {
		off := start
		if off > maxoff {
			off = maxoff
		}
		for ; off >= 0; off-- {
			dead := page.IsDead(off)
			// The lowest offset still goes through the keys even when
			// dead: its verdict decides whether the walk continues left.
			if s.ignoreKilled && dead && off > 0 {
				continue
			}
			tup := page.Tuple(off)
			match, c := s.checkKeys(tup, dir)
			if match && !(s.ignoreKilled && dead) {
				s.saveItem(tup, off)
			}
			if !c {
				cont = false
				break
			}
		}
		if !cont {
			s.pos.moreLeft = false
		}
	}

	if s.needPrimScan && s.coord != nil {
		s.coord.SchedulePrimitiveScanRestart(s.pos.block, s.arrayElems())
	}
	return len(s.pos.items) > 0
}

// pageBehindArrays reports whether every tuple on a page bounded by high
// key hk sorts strictly before the scan's current boundary keys. The
// boundary is rebuilt from the live array cursors, so a page left behind
// by earlier primitive scans is recognized without per-tuple checks.
func (s *Scan) pageBehindArrays(hk Tuple) bool {
	bounds, _, ok := s.chooseStartKeys(Forward)
	if !ok {
		return false
	}
	// Backward makes full attribute equality against the pivot read as
	// "within", so a page whose high key equals the boundary still gets
	// read.
	key := &SearchKey{Bounds: bounds, Backward: true}
	return s.idx.compareTuple(key, hk) > 0
}
