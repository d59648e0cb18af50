package btscan

import "context"

// scanItem is one result row held in the page buffer. Items sit in
// emission order for the direction the page was read in.
type scanItem struct {
	tid   TID
	off   int
	tuple *Tuple
}

// scanPos is everything a scan knows about its current page. The page's
// matching tuples are buffered in items so the page lock drops before the
// caller consumes anything; block, links, and lsn let the scan leave and
// later revalidate the page.
type scanPos struct {
	valid bool
	buf   PageRef // pinned, unlocked; nil when pins are dropped too
	block BlockNumber
	prev  BlockNumber
	next  BlockNumber
	lsn   LSN

	dir       Direction
	items     []scanItem
	itemIndex int

	// moreLeft and moreRight gate stepping off either edge of the
	// buffered page. A required-key failure clears the flag for the
	// direction being read.
	moreLeft  bool
	moreRight bool
}

func (p *scanPos) invalidate() {
	if p.buf != nil {
		p.buf.Unpin()
	}
	p.buf = nil
	p.valid = false
	p.items = p.items[:0]
}

func (p *scanPos) clone() scanPos {
	c := *p
	c.buf = nil
	c.items = make([]scanItem, len(p.items))
	copy(c.items, p.items)
	return c
}

// scanOptions configures one Scan.
type scanOptions struct {
	coord         ParallelCoordinator
	needTuples    bool
	includeKilled bool
}

// ScanOption configures a scan using the functional options pattern.
type ScanOption func(*scanOptions)

// WithParallel attaches the scan to a coordinator shared by the workers
// of one logical scan. Parallel scans run forward only.
func WithParallel(c ParallelCoordinator) ScanOption {
	return func(o *scanOptions) {
		o.coord = c
	}
}

// WithNeedTuples makes Item return the matched index tuple alongside the
// row locator, for index-only reads.
func WithNeedTuples() ScanOption {
	return func(o *scanOptions) {
		o.needTuples = true
	}
}

// WithIncludeKilled disables killed-tuple skipping, which consistency
// checkers want.
func WithIncludeKilled() ScanOption {
	return func(o *scanOptions) {
		o.includeKilled = true
	}
}

// Scan is a cursor over one index. It is single-goroutine; run parallel
// workers as one Scan each over a shared ParallelCoordinator.
type Scan struct {
	idx *Index

	quals  []*scanQual
	arrays []*arrayState
	qualOK bool

	coord        ParallelCoordinator
	needTuples   bool
	ignoreKilled bool
	needPrimScan bool

	pos      scanPos
	markPos  scanPos
	haveMark bool
	killed   []TID
}

// NewScan opens a cursor. Position it with First.
func (idx *Index) NewScan(options ...ScanOption) *Scan {
	var opts scanOptions
	for _, o := range options {
		o(&opts)
	}
	return &Scan{
		idx:          idx,
		coord:        opts.coord,
		needTuples:   opts.needTuples,
		ignoreKilled: !opts.includeKilled,
	}
}

// First positions the scan on the first matching row in dir and reports
// whether one exists. Calling First again rescans from scratch with the
// new keys; pending killed-tuple hints are flushed first.
func (s *Scan) First(ctx context.Context, keys []ScanKey, dir Direction) (bool, error) {
	if s.coord != nil && dir == Backward {
		return false, ErrBackwardParallel
	}
	if len(s.killed) > 0 && s.pos.valid {
		s.killItems(ctx)
	}
	s.pos.invalidate()
	s.haveMark = false
	s.needPrimScan = false

	quals, arrays, ok, err := s.idx.preprocess(keys)
	if err != nil {
		return false, err
	}
	s.quals, s.arrays, s.qualOK = quals, arrays, ok
	if !s.qualOK {
		// Contradictory qualifier: provably empty without touching a
		// single page.
		if s.coord != nil {
			s.coord.MarkDone()
		}
		return false, nil
	}
	for _, a := range s.arrays {
		a.start(dir)
	}

	found, err := s.runPrimitive(ctx, dir)
	if err != nil && s.coord != nil {
		// A worker dying mid-advance would wedge its peers.
		s.coord.MarkDone()
	}
	return found, err
}

// runPrimitive executes primitive index scans until one produces a row or
// no further primitive scan is scheduled.
func (s *Scan) runPrimitive(ctx context.Context, dir Direction) (bool, error) {
	for {
		found, err := s.firstInternal(ctx, dir)
		if found || err != nil {
			return found, err
		}
		if !s.needPrimScan {
			return false, nil
		}
		s.needPrimScan = false
	}
}

// Next advances one row in dir and reports whether one exists. dir may
// differ from the direction of the previous call; the scan walks back
// over its buffered page and then steps the other way.
func (s *Scan) Next(ctx context.Context, dir Direction) (bool, error) {
	if s.coord != nil && dir == Backward {
		return false, ErrBackwardParallel
	}
	if !s.pos.valid {
		return false, nil
	}

	if dir == s.pos.dir {
		s.pos.itemIndex++
	} else {
		s.pos.itemIndex--
	}
	if s.pos.itemIndex >= 0 && s.pos.itemIndex < len(s.pos.items) {
		return true, nil
	}

	found, err := s.stepPage(ctx, dir)
	if err == nil && !found && s.needPrimScan {
		s.needPrimScan = false
		found, err = s.runPrimitive(ctx, dir)
	}
	if err != nil && s.coord != nil {
		s.coord.MarkDone()
	}
	return found, err
}

// Item returns the current row locator and, under WithNeedTuples, the
// matched index tuple. Rows expanded from one posting tuple share a
// single tuple value.
func (s *Scan) Item() (TID, *Tuple) {
	if !s.pos.valid || s.pos.itemIndex < 0 || s.pos.itemIndex >= len(s.pos.items) {
		return TID{}, nil
	}
	it := s.pos.items[s.pos.itemIndex]
	return it.tid, it.tuple
}

// Mark remembers the current position for Restore. Only one mark exists
// at a time.
func (s *Scan) Mark() {
	if !s.pos.valid {
		s.haveMark = false
		return
	}
	s.markPos = s.pos.clone()
	s.haveMark = true
}

// Restore rewinds to the marked position. The restored page is held by
// identity and stamp rather than pin, so continuing the scan revalidates
// it like any unpinned page. Reports false when no mark exists.
func (s *Scan) Restore(ctx context.Context) (bool, error) {
	if !s.haveMark {
		return false, nil
	}
	if len(s.killed) > 0 && s.pos.valid {
		s.killItems(ctx)
	}
	s.pos.invalidate()
	s.pos = s.markPos.clone()
	return true, nil
}

// KillCurrent hints that the current row is dead to every transaction.
// Hints batch up and flush onto the page when the scan leaves it.
func (s *Scan) KillCurrent() {
	if !s.pos.valid || s.pos.itemIndex < 0 || s.pos.itemIndex >= len(s.pos.items) {
		return
	}
	s.killed = append(s.killed, s.pos.items[s.pos.itemIndex].tid)
}

// Close flushes pending killed-tuple hints and releases the scan's page.
// The scan can be reused with First.
func (s *Scan) Close(ctx context.Context) {
	if len(s.killed) > 0 && s.pos.valid {
		s.killItems(ctx)
	}
	s.pos.invalidate()
	s.haveMark = false
}

func (s *Scan) initMoreFlags(dir Direction) {
	if dir == Forward {
		s.pos.moreLeft = false
		s.pos.moreRight = true
	} else {
		s.pos.moreLeft = true
		s.pos.moreRight = false
	}
}

// dropLock releases the page lock once its matches are buffered, keeping
// the pin unless the index is configured to drop it. The stamp taken
// here lets killed-tuple flushing detect movement when the pin is gone.
func (s *Scan) dropLock(ref PageRef) {
	s.pos.lsn = ref.LSN()
	ref.Unlock()
	if s.idx.dropPin {
		ref.Unpin()
		s.pos.buf = nil
	} else {
		s.pos.buf = ref
	}
}

// arrayElems snapshots the "= any" element cursors for the parallel
// coordinator.
func (s *Scan) arrayElems() []int {
	out := make([]int, len(s.arrays))
	for i, a := range s.arrays {
		out[i] = a.cur
	}
	return out
}

func (s *Scan) setArrayElems(elems []int) {
	for i, a := range s.arrays {
		if i < len(elems) {
			a.cur = elems[i]
		}
	}
}

// saveItem buffers one matching tuple, expanding posting lists into one
// item per row locator in ascending locator order.
func (s *Scan) saveItem(tup Tuple, off int) {
	var shared *Tuple
	if s.needTuples {
		t := tup
		shared = &t
	}
	if tup.Kind == TuplePosting {
		for _, tid := range tup.Posting {
			s.pos.items = append(s.pos.items, scanItem{tid: tid, off: off, tuple: shared})
		}
		return
	}
	s.pos.items = append(s.pos.items, scanItem{tid: tup.Heap, off: off, tuple: shared})
}
