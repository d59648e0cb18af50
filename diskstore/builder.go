package diskstore

import (
	"fmt"
	"os"

	"btscan"
)

const defaultMaxPosting = 64

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	maxPosting int
}

// BuilderOption configures builder options using the functional options
// pattern.
type BuilderOption func(*BuilderOptions)

// WithMaxPosting caps how many row locators merge into one posting
// tuple.
func WithMaxPosting(n int) BuilderOption {
	return func(o *BuilderOptions) {
		if n > 1 {
			o.maxPosting = n
		}
	}
}

// Builder writes a page file bottom-up from rows added in ascending key
// order. Rows sharing a key merge into posting tuples. Leaves stream to
// disk as they fill; one separator per page is all that stays in memory
// until Finish builds the internal levels.
type Builder struct {
	file   *os.File
	schema btscan.Schema
	opts   BuilderOptions

	groupAttrs []btscan.Datum
	groupTIDs  []btscan.TID

	leafTuples []btscan.Tuple
	leafSize   int
	leafSep    btscan.Tuple
	prevLeaf   btscan.BlockNumber

	entries   []builderEntry // level-0 children, in order
	nextBlock btscan.BlockNumber
	rows      uint64
	done      bool
}

// builderEntry pairs a written page with the separator pivot introducing
// it to its parent.
type builderEntry struct {
	block btscan.BlockNumber
	sep   btscan.Tuple
}

// NewBuilder creates the page file at path, truncating any existing
// file.
func NewBuilder(path string, schema btscan.Schema, options ...BuilderOption) (*Builder, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("diskstore: empty schema")
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	opts := BuilderOptions{maxPosting: defaultMaxPosting}
	for _, o := range options {
		o(&opts)
	}
	return &Builder{
		file:      file,
		schema:    schema,
		opts:      opts,
		nextBlock: 1,
	}, nil
}

// Add appends one row. Keys must arrive in ascending order, and row
// locators within one key in ascending order too.
func (b *Builder) Add(attrs []btscan.Datum, tid btscan.TID) error {
	if b.done {
		return ErrClosed
	}
	if len(attrs) != len(b.schema) {
		return fmt.Errorf("diskstore: row has %d attributes, schema has %d",
			len(attrs), len(b.schema))
	}

	if b.groupAttrs != nil {
		switch c := b.compareRows(attrs, b.groupAttrs); {
		case c < 0:
			return ErrKeysUnsorted
		case c == 0:
			if tid.Compare(b.groupTIDs[len(b.groupTIDs)-1]) <= 0 {
				return ErrKeysUnsorted
			}
			b.groupTIDs = append(b.groupTIDs, tid)
			if len(b.groupTIDs) >= b.opts.maxPosting {
				if err := b.flushGroup(); err != nil {
					return err
				}
			}
			b.rows++
			return nil
		default:
			if err := b.flushGroup(); err != nil {
				return err
			}
		}
	}

	b.groupAttrs = append([]btscan.Datum(nil), attrs...)
	b.groupTIDs = append([]btscan.TID(nil), tid)
	b.rows++
	return nil
}

// Finish flushes everything, writes the internal levels and the meta
// block, and closes the file. Returns the root block.
func (b *Builder) Finish() (btscan.BlockNumber, error) {
	if b.done {
		return 0, ErrClosed
	}
	b.done = true
	defer b.file.Close()

	if b.rows == 0 {
		return 0, ErrEmptyBuilder
	}
	if err := b.flushGroup(); err != nil {
		return 0, err
	}
	if err := b.closeLeaf(nil); err != nil {
		return 0, err
	}

	level := b.entries
	lvl := 0
	for len(level) > 1 {
		lvl++
		parents, err := b.writeInternalLevel(level, lvl)
		if err != nil {
			return 0, err
		}
		level = parents
	}
	root := level[0].block

	if _, err := b.file.WriteAt(encodeMeta(root, uint64(b.nextBlock)), 0); err != nil {
		return 0, err
	}
	if err := b.file.Sync(); err != nil {
		return 0, err
	}
	return root, nil
}

// Close aborts an unfinished build.
func (b *Builder) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.file.Close()
}

func (b *Builder) compareRows(a, c []btscan.Datum) int {
	for i, col := range b.schema {
		av, cv := a[i], c[i]
		if av.Null || cv.Null {
			if av.Null && cv.Null {
				continue
			}
			if av.Null == col.NullsFirst {
				return -1
			}
			return 1
		}
		if r := col.Comparer.Compare(av.Value, cv.Value); r != 0 {
			return r
		}
	}
	return 0
}

// flushGroup turns the pending equal-key rows into a leaf tuple and
// places it.
func (b *Builder) flushGroup() error {
	if b.groupAttrs == nil {
		return nil
	}
	var t btscan.Tuple
	if len(b.groupTIDs) == 1 {
		t = btscan.PlainTuple(b.groupTIDs[0], b.groupAttrs...)
	} else {
		t = btscan.PostingTuple(b.groupTIDs, b.groupAttrs...)
	}
	b.groupAttrs = nil
	b.groupTIDs = nil
	return b.placeLeaf(t)
}

// placeLeaf adds t to the open leaf, closing the leaf first when t plus
// the high key it would force no longer fit.
func (b *Builder) placeLeaf(t btscan.Tuple) error {
	enc := encodeTuple(t)
	sep := b.separator(t)
	sepEnc := encodeTuple(sep)
	need := 2 + len(enc)
	if need+len(sepEnc) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPageOverflow, len(enc))
	}

	if len(b.leafTuples) > 0 && b.leafSize+need+len(sepEnc) > maxPayload {
		if err := b.closeLeaf(&sep); err != nil {
			return err
		}
	}
	if len(b.leafTuples) == 0 {
		b.leafSep = sep
	}
	b.leafTuples = append(b.leafTuples, t)
	b.leafSize += need
	return nil
}

// separator builds the pivot that would introduce a leaf starting at t.
// When the open leaf ends on t's key the boundary falls inside a run of
// equal keys, and the pivot keeps t's first row locator so descents for
// that key stay left of it.
func (b *Builder) separator(t btscan.Tuple) btscan.Tuple {
	sep := btscan.PivotTuple(btscan.InvalidBlock, t.Attrs...)
	if n := len(b.leafTuples); n > 0 && b.compareRows(t.Attrs, b.leafTuples[n-1].Attrs) == 0 {
		if t.Kind == btscan.TuplePosting {
			sep.Heap = t.Posting[0]
		} else {
			sep.Heap = t.Heap
		}
	}
	return sep
}

// closeLeaf writes the open leaf. hk is the separator for the next leaf,
// nil for the rightmost.
func (b *Builder) closeLeaf(hk *btscan.Tuple) error {
	blk := b.nextBlock
	b.nextBlock++

	img := &pageImage{
		flags:  flagLeaf,
		prev:   b.prevLeaf,
		lsn:    1,
		tuples: b.leafTuples,
	}
	if hk != nil {
		// Leaves are allocated consecutively, so the next leaf is the
		// next block.
		img.next = blk + 1
		img.highKey = hk
	}

	if err := b.writePage(blk, img); err != nil {
		return err
	}

	b.entries = append(b.entries, builderEntry{block: blk, sep: b.leafSep})
	b.prevLeaf = blk
	b.leafTuples = nil
	b.leafSize = 0
	b.leafSep = btscan.Tuple{}
	return nil
}

// writeInternalLevel packs one level of downlinks into parent pages.
// Separator pivots propagate upward whole, retained locators included,
// so a boundary inside a run of equal keys stays correct at every level.
func (b *Builder) writeInternalLevel(level []builderEntry, lvl int) ([]builderEntry, error) {
	var parents []builderEntry
	var tuples []btscan.Tuple
	var size int
	var sep btscan.Tuple
	var prev btscan.BlockNumber

	flush := func(hk *btscan.Tuple) error {
		blk := b.nextBlock
		b.nextBlock++
		img := &pageImage{
			level:  lvl,
			prev:   prev,
			lsn:    1,
			tuples: tuples,
		}
		if hk != nil {
			img.next = blk + 1
			img.highKey = hk
		}
		if err := b.writePage(blk, img); err != nil {
			return err
		}
		parents = append(parents, builderEntry{block: blk, sep: sep})
		prev = blk
		tuples = nil
		size = 0
		sep = btscan.Tuple{}
		return nil
	}

	for _, e := range level {
		var t btscan.Tuple
		if len(tuples) == 0 {
			// The leftmost downlink of every internal page is the
			// negative-infinity pivot; its key is never consulted.
			t = btscan.PivotTuple(e.block)
		} else {
			t = e.sep
			t.Down = e.block
		}
		enc := encodeTuple(t)
		sepEnc := encodeTuple(e.sep)
		need := 2 + len(enc)

		if len(tuples) > 0 && size+need+len(sepEnc) > maxPayload {
			hk := e.sep
			if err := flush(&hk); err != nil {
				return nil, err
			}
			t = btscan.PivotTuple(e.block)
			enc = encodeTuple(t)
			need = 2 + len(enc)
		}
		if len(tuples) == 0 {
			sep = e.sep
		}
		tuples = append(tuples, t)
		size += need
	}
	if err := flush(nil); err != nil {
		return nil, err
	}
	return parents, nil
}

func (b *Builder) writePage(blk btscan.BlockNumber, img *pageImage) error {
	buf, err := encodePage(img)
	if err != nil {
		return err
	}
	_, err = b.file.WriteAt(buf, int64(blk)*PageSize)
	return err
}
