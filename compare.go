package btscan

// compare orders a search key against the tuple at off on page. The first
// data tuple of an internal page acts as negative infinity: every key
// sorts after it, without looking at its attributes. Elsewhere the result
// comes from attribute comparison with a row-locator tiebreak.
func (idx *Index) compare(key *SearchKey, page Page, off int) int {
	if !page.IsLeaf() && off == 0 {
		return 1
	}
	return idx.compareTuple(key, page.Tuple(off))
}

// compareTuple returns <0, 0, >0 as key sorts before, within, or after
// tup. "Within" covers true attribute equality and a ScanTID landing
// inside a posting tuple's locator range.
func (idx *Index) compareTuple(key *SearchKey, tup Tuple) int {
	n := len(key.Bounds)
	if len(tup.Attrs) < n {
		n = len(tup.Attrs)
	}
	for i := 0; i < n; i++ {
		if c := idx.compareBound(i, key.Bounds[i], tup.Attrs[i]); c != 0 {
			return c
		}
	}

	// A truncated pivot's absent attributes read as minus infinity, so
	// any key that supplies more attributes sorts after it.
	if len(key.Bounds) > len(tup.Attrs) {
		return 1
	}

	if key.ScanTID == nil {
		// Keys without a locator sort after pivots whose attributes they
		// fully matched, provided the pivot's own locator was truncated
		// away: such a pivot claims no tuple of its key, so the key's
		// range starts strictly right of it. A pivot that kept a locator
		// marks a boundary inside a run of equal keys, and the key must
		// land left of it, on the run's first tuple. Backward boundary
		// keys always land before the pivot's range.
		if !key.Backward && tup.Kind == TuplePivot &&
			len(key.Bounds) == len(tup.Attrs) && tup.Heap == (TID{}) {
			return 1
		}
		return 0
	}

	switch tup.Kind {
	case TuplePivot:
		// A truncated pivot locator reads as minus infinity; a retained
		// one orders like any other.
		if tup.Heap == (TID{}) {
			return 1
		}
		return key.ScanTID.Compare(tup.Heap)
	case TuplePosting:
		first := tup.Posting[0]
		last := tup.Posting[len(tup.Posting)-1]
		if key.ScanTID.Compare(first) < 0 {
			return -1
		}
		if key.ScanTID.Compare(last) > 0 {
			return 1
		}
		return 0
	default:
		return key.ScanTID.Compare(tup.Heap)
	}
}

// compareBound orders one bound against one attribute value under the
// column's comparer and NULL placement.
func (idx *Index) compareBound(col int, b Bound, d Datum) int {
	c := idx.schema[col]
	switch {
	case b.NotNull:
		// The bound matches no tuple exactly; it sorts between the NULL
		// range and the value range so descents land on the first (or
		// last) non-NULL tuple.
		if d.Null {
			if c.NullsFirst {
				return 1
			}
			return -1
		}
		if c.NullsFirst {
			return -1
		}
		return 1
	case b.Null:
		if d.Null {
			return 0
		}
		if c.NullsFirst {
			return -1
		}
		return 1
	default:
		if d.Null {
			if c.NullsFirst {
				return 1
			}
			return -1
		}
		return c.Comparer.Compare(b.Value, d.Value)
	}
}
