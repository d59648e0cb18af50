package btscan

import "bytes"

// Comparer orders attribute values within one column.
type Comparer interface {
	// Compare returns <0, 0, >0 as a sorts before, equal to, after b.
	Compare(a, b []byte) int
}

// ComparerFunc adapts a plain function to Comparer.
type ComparerFunc func(a, b []byte) int

func (f ComparerFunc) Compare(a, b []byte) int { return f(a, b) }

// BytesComparer orders values as raw bytes.
var BytesComparer Comparer = ComparerFunc(bytes.Compare)

// Column describes one key attribute: how its values order and where its
// NULLs sort.
type Column struct {
	Comparer   Comparer
	NullsFirst bool
}

// Schema is the ordered attribute list of an index, attribute 0 first.
type Schema []Column

// CompareOp is a scan key operator.
type CompareOp int8

const (
	OpLess CompareOp = iota
	OpLessEqual
	OpEqual
	OpGreaterEqual
	OpGreater
	OpIsNull
	OpIsNotNull
)

func (op CompareOp) String() string {
	switch op {
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpEqual:
		return "="
	case OpGreaterEqual:
		return ">="
	case OpGreater:
		return ">"
	case OpIsNull:
		return "is null"
	case OpIsNotNull:
		return "is not null"
	}
	return "?"
}

// RowMember is one member of a row comparison. Members cover consecutive
// attributes; the first member's attribute and operator double as the
// owning ScanKey's.
type RowMember struct {
	Attr  int
	Op    CompareOp
	Value []byte
}

// ScanKey is one conjunct of a scan qualifier: Attr Op Value. Two
// variants override the plain form: In turns an OpEqual key into
// "= any of these values", Row turns the key into a row comparison whose
// members are compared lexicographically as a unit.
type ScanKey struct {
	Attr  int
	Op    CompareOp
	Value []byte
	In    [][]byte
	Row   []RowMember
}

// Bound is one attribute of an insertion-style search key. Exactly one
// interpretation applies: a comparison value, "equals NULL", or "any
// non-NULL" (used to skip the NULL range of a column).
type Bound struct {
	Value   []byte
	Null    bool
	NotNull bool
}

// SearchKey pinpoints a boundary position in the key space for a descent.
// With Nextkey false the descent finds the first tuple >= the bound
// values; with Nextkey true, the first tuple strictly greater. Backward
// shifts the final leaf offset one tuple left, onto the last tuple below
// the boundary. ScanTID, when set, extends comparison into the row
// locator as a final tiebreak attribute.
type SearchKey struct {
	Bounds   []Bound
	Nextkey  bool
	Backward bool
	ScanTID  *TID
}

// InsertState carries reusable binary-search state across repeated
// searches of one leaf during an insertion. Low and StrictHigh bracket
// where the key can go; PostingOff locates the split point inside a
// posting tuple when the insertion TID lands mid-list.
type InsertState struct {
	Key         *SearchKey
	BoundsValid bool
	Low         int
	StrictHigh  int
	PostingOff  int
}
