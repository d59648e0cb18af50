package btscan

import (
	"fmt"
	"sort"
)

// scanQual is one preprocessed scan key. Required flags mark keys whose
// failure proves no later tuple in that scan direction can match, which
// lets page reads stop early.
type scanQual struct {
	ScanKey
	reqFwd  bool
	reqBkwd bool
	arr     *arrayState
}

// arrayState tracks progress through an "= any" key's elements within one
// chain of primitive scans. Elements stay sorted ascending; cur moves
// monotonically in the scan direction.
type arrayState struct {
	elems [][]byte
	cur   int
}

func (a *arrayState) current() []byte {
	return a.elems[a.cur]
}

func (a *arrayState) start(dir Direction) {
	if dir == Backward {
		a.cur = len(a.elems) - 1
	} else {
		a.cur = 0
	}
}

// preprocess validates, sorts, and simplifies the caller's scan keys.
// It merges redundant keys per attribute, proves contradictory qualifiers
// unsatisfiable (ok=false), and computes required flags. Keys come back
// sorted by attribute.
func (idx *Index) preprocess(keys []ScanKey) (quals []*scanQual, arrays []*arrayState, ok bool, err error) {
	for i := range keys {
		if err := idx.validateKey(&keys[i]); err != nil {
			return nil, nil, false, err
		}
	}

	sorted := make([]*scanQual, 0, len(keys))
	for i := range keys {
		q := &scanQual{ScanKey: keys[i]}
		if len(q.In) > 0 {
			elems, empty := idx.sortArray(q.Attr, q.In)
			if empty {
				return nil, nil, false, nil
			}
			q.arr = &arrayState{elems: elems}
			q.In = elems
		}
		sorted = append(sorted, q)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Attr < sorted[j].Attr
	})

	// Merge keys attribute by attribute, dropping redundant ones and
	// detecting contradictions.
	for lo := 0; lo < len(sorted); {
		hi := lo
		for hi < len(sorted) && sorted[hi].Attr == sorted[lo].Attr {
			hi++
		}
		group, unsat, err := idx.mergeAttr(sorted[lo:hi])
		if err != nil {
			return nil, nil, false, err
		}
		if unsat {
			return nil, nil, false, nil
		}
		quals = append(quals, group...)
		lo = hi
	}

	idx.markRequired(quals)

	for _, q := range quals {
		if q.arr != nil {
			arrays = append(arrays, q.arr)
		}
	}
	return quals, arrays, true, nil
}

func (idx *Index) validateKey(k *ScanKey) error {
	if k.Attr < 0 || k.Attr >= len(idx.schema) {
		return fmt.Errorf("%w: attribute %d outside schema", ErrInvalidScanKey, k.Attr)
	}
	if len(k.Row) > 0 {
		if k.Row[0].Attr != k.Attr || k.Row[0].Op != k.Op {
			return fmt.Errorf("%w: row comparison head disagrees with key", ErrInvalidScanKey)
		}
		if k.Op != OpLess && k.Op != OpLessEqual && k.Op != OpGreater && k.Op != OpGreaterEqual {
			return fmt.Errorf("%w: row comparison requires an inequality operator", ErrInvalidScanKey)
		}
		for i, m := range k.Row {
			if m.Attr != k.Attr+i {
				return fmt.Errorf("%w: row comparison members must cover consecutive attributes", ErrInvalidScanKey)
			}
			if m.Attr >= len(idx.schema) {
				return fmt.Errorf("%w: row member attribute %d outside schema", ErrInvalidScanKey, m.Attr)
			}
			if m.Value == nil {
				return fmt.Errorf("%w: row member value is null", ErrInvalidScanKey)
			}
			if i > 0 && !sameOpDirection(m.Op, k.Op) {
				return fmt.Errorf("%w: row member operator direction mismatch", ErrInvalidScanKey)
			}
		}
		return nil
	}
	switch k.Op {
	case OpIsNull, OpIsNotNull:
		return nil
	case OpLess, OpLessEqual, OpEqual, OpGreaterEqual, OpGreater:
		if len(k.In) > 0 {
			if k.Op != OpEqual {
				return fmt.Errorf("%w: value list requires the equality operator", ErrInvalidScanKey)
			}
			for _, v := range k.In {
				if v == nil {
					return fmt.Errorf("%w: null value in value list", ErrInvalidScanKey)
				}
			}
			return nil
		}
		if k.Value == nil {
			return fmt.Errorf("%w: null comparison value", ErrInvalidScanKey)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operator", ErrInvalidScanKey)
	}
}

func sameOpDirection(a, b CompareOp) bool {
	less := func(op CompareOp) bool { return op == OpLess || op == OpLessEqual }
	greater := func(op CompareOp) bool { return op == OpGreater || op == OpGreaterEqual }
	return (less(a) && less(b)) || (greater(a) && greater(b))
}

// sortArray sorts and dedupes an "= any" element list ascending.
func (idx *Index) sortArray(attr int, elems [][]byte) ([][]byte, bool) {
	cmp := idx.schema[attr].Comparer
	out := make([][]byte, len(elems))
	copy(out, elems)
	sort.SliceStable(out, func(i, j int) bool {
		return cmp.Compare(out[i], out[j]) < 0
	})
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || cmp.Compare(dedup[len(dedup)-1], v) != 0 {
			dedup = append(dedup, v)
		}
	}
	return dedup, len(dedup) == 0
}

// mergeAttr reduces all keys on one attribute to a minimal set: at most
// one equality, at most one lower bound, at most one upper bound. Row
// comparisons pass through untouched; their trailing members make them
// unsafe to merge.
func (idx *Index) mergeAttr(group []*scanQual) ([]*scanQual, bool, error) {
	cmp := idx.schema[group[0].Attr].Comparer

	var eq, lower, upper, isNull, notNull *scanQual
	var out []*scanQual
	for _, q := range group {
		if len(q.Row) > 0 {
			out = append(out, q)
			continue
		}
		switch q.Op {
		case OpEqual:
			if eq == nil {
				eq = q
				continue
			}
			eq2, empty := intersectEquals(cmp, eq, q)
			if empty {
				return nil, true, nil
			}
			eq = eq2
		case OpIsNull:
			isNull = q
		case OpIsNotNull:
			notNull = q
		case OpLess, OpLessEqual:
			if upper == nil || tighterUpper(cmp, q, upper) {
				upper = q
			}
		case OpGreater, OpGreaterEqual:
			if lower == nil || tighterLower(cmp, q, lower) {
				lower = q
			}
		}
	}

	if isNull != nil {
		// IS NULL contradicts every other constraint on the attribute.
		if eq != nil || lower != nil || upper != nil || notNull != nil {
			return nil, true, nil
		}
		return append(out, isNull), false, nil
	}

	if eq != nil {
		// The equality subsumes everything else once proven compatible.
		unsat := true
		if q := filterEqualsAgainst(cmp, eq, lower, upper); q != nil {
			eq = q
			unsat = false
		}
		if unsat {
			return nil, true, nil
		}
		return append(out, eq), false, nil
	}

	if lower != nil && upper != nil && !rangeSatisfiable(cmp, lower, upper) {
		return nil, true, nil
	}
	if lower != nil {
		out = append(out, lower)
		notNull = nil
	}
	if upper != nil {
		out = append(out, upper)
		notNull = nil
	}
	if notNull != nil {
		out = append(out, notNull)
	}
	return out, false, nil
}

// intersectEquals combines two equality keys (either may be a value
// list). empty means the qualifier is unsatisfiable.
func intersectEquals(cmp Comparer, a, b *scanQual) (*scanQual, bool) {
	av := a.elements()
	bv := b.elements()
	var keep [][]byte
	for _, x := range av {
		for _, y := range bv {
			if cmp.Compare(x, y) == 0 {
				keep = append(keep, x)
				break
			}
		}
	}
	if len(keep) == 0 {
		return nil, true
	}
	out := &scanQual{ScanKey: a.ScanKey}
	if len(keep) == 1 && a.arr == nil && b.arr == nil {
		out.Value = keep[0]
		out.In = nil
	} else if len(keep) == 1 {
		out.Value = keep[0]
		out.In = nil
		out.arr = nil
	} else {
		out.In = keep
		out.arr = &arrayState{elems: keep}
	}
	return out, false
}

func (q *scanQual) elements() [][]byte {
	if len(q.In) > 0 {
		return q.In
	}
	return [][]byte{q.Value}
}

// filterEqualsAgainst drops equality elements that violate the range
// bounds. Returns nil when none survive.
func filterEqualsAgainst(cmp Comparer, eq, lower, upper *scanQual) *scanQual {
	var keep [][]byte
	for _, v := range eq.elements() {
		if lower != nil {
			c := cmp.Compare(v, lower.Value)
			if c < 0 || (c == 0 && lower.Op == OpGreater) {
				continue
			}
		}
		if upper != nil {
			c := cmp.Compare(v, upper.Value)
			if c > 0 || (c == 0 && upper.Op == OpLess) {
				continue
			}
		}
		keep = append(keep, v)
	}
	if len(keep) == 0 {
		return nil
	}
	out := &scanQual{ScanKey: eq.ScanKey}
	if len(keep) == 1 {
		out.Value = keep[0]
		out.In = nil
		out.arr = nil
	} else {
		out.In = keep
		out.arr = &arrayState{elems: keep}
	}
	return out
}

func tighterUpper(cmp Comparer, a, b *scanQual) bool {
	c := cmp.Compare(a.Value, b.Value)
	if c != 0 {
		return c < 0
	}
	return a.Op == OpLess && b.Op == OpLessEqual
}

func tighterLower(cmp Comparer, a, b *scanQual) bool {
	c := cmp.Compare(a.Value, b.Value)
	if c != 0 {
		return c > 0
	}
	return a.Op == OpGreater && b.Op == OpGreaterEqual
}

func rangeSatisfiable(cmp Comparer, lower, upper *scanQual) bool {
	c := cmp.Compare(lower.Value, upper.Value)
	if c < 0 {
		return true
	}
	if c > 0 {
		return false
	}
	return lower.Op == OpGreaterEqual && upper.Op == OpLessEqual
}

// markRequired flags keys whose failure ends a scan direction. A key on
// attribute i qualifies only when every earlier attribute carries an
// equality key; past the first gap, tuples can reorder freely on the
// key's attribute and failure proves nothing.
func (idx *Index) markRequired(quals []*scanQual) {
	prefix := 0 // attributes 0..prefix-1 all have equality keys
	for a := 0; ; a++ {
		found := false
		for _, q := range quals {
			if q.Attr == a && len(q.Row) == 0 && (q.Op == OpEqual || q.Op == OpIsNull) {
				found = true
				break
			}
		}
		if !found {
			break
		}
		prefix = a + 1
	}

	for _, q := range quals {
		if q.Attr > prefix {
			continue
		}
		if len(q.Row) > 0 {
			// A row comparison is required when its head attribute sits
			// inside the equality prefix.
			switch q.Op {
			case OpLess, OpLessEqual:
				q.reqFwd = true
			case OpGreater, OpGreaterEqual:
				q.reqBkwd = true
			}
			continue
		}
		switch q.Op {
		case OpEqual, OpIsNull:
			q.reqFwd, q.reqBkwd = true, true
		case OpLess, OpLessEqual:
			q.reqFwd = true
		case OpGreater, OpGreaterEqual:
			q.reqBkwd = true
		case OpIsNotNull:
			// Failure means a NULL, which ends the scan only on the side
			// of the key space where NULLs live.
			if idx.schema[q.Attr].NullsFirst {
				q.reqBkwd = true
			} else {
				q.reqFwd = true
			}
		}
	}
}

func requiredInDir(q *scanQual, dir Direction) bool {
	if dir == Forward {
		return q.reqFwd
	}
	return q.reqBkwd
}
