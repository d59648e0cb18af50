package btscan

import "fmt"

// BlockNumber identifies a page within the index. Block 0 is reserved as
// the invalid sentinel, which also serves as the "none" value for sibling
// links on the leftmost and rightmost pages of a level.
type BlockNumber uint64

const InvalidBlock BlockNumber = 0

// LSN is a page's modification stamp. Stores bump it on every structural
// change (split, deletion) so scans can detect that a page moved under
// them while unpinned.
type LSN uint64

// TID locates a row in the underlying table. TIDs order by block first,
// then by position within the block.
type TID struct {
	Block uint64
	Pos   uint16
}

func (t TID) Compare(o TID) int {
	if t.Block != o.Block {
		if t.Block < o.Block {
			return -1
		}
		return 1
	}
	if t.Pos != o.Pos {
		if t.Pos < o.Pos {
			return -1
		}
		return 1
	}
	return 0
}

func (t TID) String() string {
	return fmt.Sprintf("(%d,%d)", t.Block, t.Pos)
}

// Direction selects scan order. Forward walks keys ascending, Backward
// descending.
type Direction int8

const (
	Backward Direction = -1
	Forward  Direction = 1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// TupleKind discriminates the three tuple shapes a page can hold.
type TupleKind uint8

const (
	// TuplePlain is a leaf tuple carrying one row locator.
	TuplePlain TupleKind = iota
	// TuplePivot is an internal tuple carrying a downlink, or a page high
	// key. Pivots may be truncated: trailing attributes absent entirely.
	TuplePivot
	// TuplePosting is a leaf tuple carrying several row locators that all
	// share one key, sorted ascending.
	TuplePosting
)

// Datum is one attribute value. Null datums carry no bytes.
type Datum struct {
	Value []byte
	Null  bool
}

// Tuple is an index tuple. Which locator field is meaningful depends on
// Kind; Attrs holds the key attributes that are present (pivots may hold
// fewer than the schema defines).
//
// A pivot normally has its row locator truncated away, but one whose
// boundary falls inside a run of equal keys keeps the locator of the
// first tuple to its right, so descents for that key stay left of it.
// The zero TID means truncated: real locators have Pos >= 1.
type Tuple struct {
	Kind    TupleKind
	Attrs   []Datum
	Heap    TID         // TuplePlain, or a pivot's retained locator
	Down    BlockNumber // TuplePivot downlink, unset for high keys
	Posting []TID       // TuplePosting, ascending, len >= 2
}

func PlainTuple(heap TID, attrs ...Datum) Tuple {
	return Tuple{Kind: TuplePlain, Heap: heap, Attrs: attrs}
}

func PivotTuple(down BlockNumber, attrs ...Datum) Tuple {
	return Tuple{Kind: TuplePivot, Down: down, Attrs: attrs}
}

func PostingTuple(tids []TID, attrs ...Datum) Tuple {
	return Tuple{Kind: TuplePosting, Posting: tids, Attrs: attrs}
}
