package btscan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePage is a hand-built page for exercising comparison and binary
// search without a store.
type fakePage struct {
	leaf       bool
	level      int
	prev, next BlockNumber
	ignorable  bool
	incomplete bool
	tuples     []Tuple
	highKey    *Tuple
	dead       []bool
}

func (p *fakePage) IsLeaf() bool              { return p.leaf }
func (p *fakePage) Level() int                { return p.level }
func (p *fakePage) NextBlock() BlockNumber    { return p.next }
func (p *fakePage) PrevBlock() BlockNumber    { return p.prev }
func (p *fakePage) IsRightmost() bool         { return p.next == InvalidBlock }
func (p *fakePage) IsLeftmost() bool          { return p.prev == InvalidBlock }
func (p *fakePage) IsIgnorable() bool         { return p.ignorable }
func (p *fakePage) HasIncompleteSplit() bool  { return p.incomplete }
func (p *fakePage) NumTuples() int            { return len(p.tuples) }
func (p *fakePage) Tuple(off int) Tuple       { return p.tuples[off] }
func (p *fakePage) IsDead(off int) bool       { return off < len(p.dead) && p.dead[off] }
func (p *fakePage) MarkDead(off int) {
	for len(p.dead) < len(p.tuples) {
		p.dead = append(p.dead, false)
	}
	p.dead[off] = true
}

func (p *fakePage) HighKey() (Tuple, bool) {
	if p.highKey == nil {
		return Tuple{}, false
	}
	return *p.highKey, true
}

// nopStore satisfies PageStore for tests that never touch pages.
type nopStore struct{}

func (nopStore) Root(context.Context, LockMode) (PageRef, error) {
	return nil, errors.New("nop store")
}

func (nopStore) Page(context.Context, BlockNumber, LockMode) (PageRef, error) {
	return nil, errors.New("nop store")
}

func (nopStore) Step(context.Context, PageRef, BlockNumber, LockMode) (PageRef, error) {
	return nil, errors.New("nop store")
}

func testIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(nopStore{}, Schema{{Comparer: BytesComparer}})
	require.NoError(t, err)
	return idx
}

func d(s string) Datum {
	return Datum{Value: []byte(s)}
}

func vkey(vals ...string) *SearchKey {
	k := &SearchKey{}
	for _, v := range vals {
		k.Bounds = append(k.Bounds, Bound{Value: []byte(v)})
	}
	return k
}

func TestCompareNegativeInfinity(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	page := &fakePage{
		level: 1,
		tuples: []Tuple{
			PivotTuple(2, d("zzz")), // attrs of offset 0 must never be consulted
			PivotTuple(3, d("mmm")),
		},
	}

	assert.Equal(t, 1, idx.compare(vkey("aaa"), page, 0))
	assert.Equal(t, 1, idx.compare(vkey(""), page, 0))
	assert.Negative(t, idx.compare(vkey("aaa"), page, 1))
}

func TestCompareTruncatedPivot(t *testing.T) {
	t.Parallel()

	idx, err := New(nopStore{}, Schema{
		{Comparer: BytesComparer},
		{Comparer: BytesComparer},
	})
	require.NoError(t, err)

	// Pivot truncated to one attribute: absent attributes read as minus
	// infinity.
	pivot := PivotTuple(7, d("mid"))

	assert.Equal(t, 1, idx.compareTuple(vkey("mid", "aaa"), pivot))
	assert.Equal(t, -1, idx.compareTuple(vkey("aaa", "zzz"), pivot))
	assert.Equal(t, 1, idx.compareTuple(vkey("zzz"), pivot))
}

func TestCompareNullOrdering(t *testing.T) {
	t.Parallel()

	nullsLast, err := New(nopStore{}, Schema{{Comparer: BytesComparer}})
	require.NoError(t, err)
	nullsFirst, err := New(nopStore{}, Schema{{Comparer: BytesComparer, NullsFirst: true}})
	require.NoError(t, err)

	nullTuple := PlainTuple(TID{Block: 1, Pos: 1}, Datum{Null: true})
	key := vkey("kkk")
	key.ScanTID = &TID{Block: 1, Pos: 1}

	// Nulls last: every value sorts before NULL.
	assert.Equal(t, -1, nullsLast.compareTuple(key, nullTuple))
	// Nulls first: every value sorts after NULL.
	assert.Equal(t, 1, nullsFirst.compareTuple(key, nullTuple))

	nullBound := &SearchKey{Bounds: []Bound{{Null: true}}}
	assert.Equal(t, 0, nullsLast.compareTuple(nullBound, nullTuple))
	assert.Equal(t, 0, nullsFirst.compareTuple(nullBound, nullTuple))

	notNullBound := &SearchKey{Bounds: []Bound{{NotNull: true}}}
	valTuple := PlainTuple(TID{Block: 1, Pos: 2}, d("kkk"))
	// The synthesized bound sorts between the NULL range and the values.
	assert.Equal(t, 1, nullsLast.compareTuple(notNullBound, valTuple))
	assert.Equal(t, -1, nullsLast.compareTuple(notNullBound, nullTuple))
	assert.Equal(t, -1, nullsFirst.compareTuple(notNullBound, valTuple))
	assert.Equal(t, 1, nullsFirst.compareTuple(notNullBound, nullTuple))
}

func TestCompareScanTID(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	posting := PostingTuple([]TID{{Block: 5, Pos: 1}, {Block: 5, Pos: 9}, {Block: 6, Pos: 2}}, d("kkk"))

	within := vkey("kkk")
	within.ScanTID = &TID{Block: 5, Pos: 9}
	assert.Equal(t, 0, idx.compareTuple(within, posting))

	below := vkey("kkk")
	below.ScanTID = &TID{Block: 4, Pos: 9}
	assert.Equal(t, -1, idx.compareTuple(below, posting))

	above := vkey("kkk")
	above.ScanTID = &TID{Block: 6, Pos: 3}
	assert.Equal(t, 1, idx.compareTuple(above, posting))

	// Any real TID sorts after a pivot's truncated locator.
	pivot := PivotTuple(9, d("kkk"))
	assert.Equal(t, 1, idx.compareTuple(within, pivot))
}

func TestCompareRetainedPivotLocator(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)

	// A separator splitting a run of equal keys keeps the locator of the
	// first tuple to its right.
	retained := PivotTuple(9, d("kkk"))
	retained.Heap = TID{Block: 4, Pos: 3}
	truncated := PivotTuple(9, d("kkk"))

	// A locator-less key matching every attribute sorts after a truncated
	// pivot, but not after one holding a locator: the run continues to the
	// pivot's left and the descent must go there.
	bare := vkey("kkk")
	assert.Equal(t, 1, idx.compareTuple(bare, truncated))
	assert.Equal(t, 0, idx.compareTuple(bare, retained))

	back := vkey("kkk")
	back.Backward = true
	assert.Equal(t, 0, idx.compareTuple(back, retained))

	// With a locator the pivot's retained one orders like a row's.
	below := vkey("kkk")
	below.ScanTID = &TID{Block: 4, Pos: 2}
	assert.Equal(t, -1, idx.compareTuple(below, retained))

	above := vkey("kkk")
	above.ScanTID = &TID{Block: 4, Pos: 4}
	assert.Equal(t, 1, idx.compareTuple(above, retained))

	equal := vkey("kkk")
	equal.ScanTID = &TID{Block: 4, Pos: 3}
	assert.Equal(t, 0, idx.compareTuple(equal, retained))
}

func leafPage(keys ...string) *fakePage {
	p := &fakePage{leaf: true}
	for i, k := range keys {
		p.tuples = append(p.tuples, PlainTuple(TID{Block: 1, Pos: uint16(i + 1)}, d(k)))
	}
	return p
}

func TestBinarySearchLeaf(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	page := leafPage("10", "20", "30", "40")

	// Plain boundary: first tuple at or past the key.
	assert.Equal(t, 2, idx.binarySearch(page, vkey("25")))
	assert.Equal(t, 1, idx.binarySearch(page, vkey("20")))
	assert.Equal(t, 0, idx.binarySearch(page, vkey("05")))
	assert.Equal(t, 4, idx.binarySearch(page, vkey("99")))

	// Nextkey: first tuple strictly past the key.
	nk := vkey("20")
	nk.Nextkey = true
	assert.Equal(t, 2, idx.binarySearch(page, nk))

	// Backward boundary for "<= 25": one left of the first tuple > 25,
	// which is the tuple 20.
	back := vkey("25")
	back.Nextkey = true
	back.Backward = true
	assert.Equal(t, 1, idx.binarySearch(page, back))

	// Backward off the front of the page.
	front := vkey("05")
	front.Backward = true
	assert.Equal(t, -1, idx.binarySearch(page, front))
}

func TestBinarySearchEmptyLeaf(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	hk := PivotTuple(InvalidBlock, d("50"))
	page := &fakePage{leaf: true, next: 9, highKey: &hk}

	assert.Equal(t, 0, idx.binarySearch(page, vkey("10")))

	back := vkey("10")
	back.Backward = true
	assert.Equal(t, -1, idx.binarySearch(page, back))
}

func TestBinarySearchInternal(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	page := &fakePage{
		level: 1,
		tuples: []Tuple{
			PivotTuple(10),          // negative infinity
			PivotTuple(11, d("20")), // children: [min,20) [20,40) [40,max)
			PivotTuple(12, d("40")),
		},
	}

	// Last downlink whose separator sorts before the key.
	assert.Equal(t, 0, idx.binarySearch(page, vkey("10")))
	assert.Equal(t, 1, idx.binarySearch(page, vkey("20")))
	assert.Equal(t, 1, idx.binarySearch(page, vkey("30")))
	assert.Equal(t, 2, idx.binarySearch(page, vkey("99")))

	// Nextkey sends keys equal to a separator into the right child.
	nk := vkey("20")
	nk.Nextkey = true
	assert.Equal(t, 1, idx.binarySearch(page, nk))
}

func TestBinarySearchInsert(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	page := leafPage("10", "20", "20", "30")
	page.tuples[1] = PlainTuple(TID{Block: 2, Pos: 1}, d("20"))
	page.tuples[2] = PlainTuple(TID{Block: 2, Pos: 5}, d("20"))

	st := &InsertState{Key: vkey("20")}
	st.Key.ScanTID = &TID{Block: 2, Pos: 3}
	off, err := idx.BinarySearchInsert(page, st)
	require.NoError(t, err)
	assert.Equal(t, 2, off)
	assert.Equal(t, -1, st.PostingOff)
	assert.True(t, st.BoundsValid)

	// Cached bounds reused on the second search of the same page.
	off2, err := idx.BinarySearchInsert(page, st)
	require.NoError(t, err)
	assert.Equal(t, off, off2)
}

func TestBinarySearchInsertPosting(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	page := &fakePage{leaf: true, tuples: []Tuple{
		PlainTuple(TID{Block: 1, Pos: 1}, d("10")),
		PostingTuple([]TID{{Block: 3, Pos: 1}, {Block: 3, Pos: 7}}, d("20")),
		PlainTuple(TID{Block: 5, Pos: 1}, d("30")),
	}}

	st := &InsertState{Key: vkey("20")}
	st.Key.ScanTID = &TID{Block: 3, Pos: 4}
	off, err := idx.BinarySearchInsert(page, st)
	require.NoError(t, err)
	assert.Equal(t, 1, off)
	assert.Equal(t, 1, st.PostingOff)

	// An exact locator match is never legal.
	dup := &InsertState{Key: vkey("20")}
	dup.Key.ScanTID = &TID{Block: 3, Pos: 7}
	_, err = idx.BinarySearchInsert(page, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestBinarySearchInsertDuplicatePostingMatch(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	// Two posting tuples whose locator ranges overlap: structurally
	// impossible in a healthy index.
	page := &fakePage{leaf: true, tuples: []Tuple{
		PostingTuple([]TID{{Block: 3, Pos: 1}, {Block: 3, Pos: 9}}, d("20")),
		PostingTuple([]TID{{Block: 3, Pos: 2}, {Block: 3, Pos: 8}}, d("20")),
	}}

	st := &InsertState{Key: vkey("20")}
	st.Key.ScanTID = &TID{Block: 3, Pos: 4}
	_, err := idx.BinarySearchInsert(page, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}
