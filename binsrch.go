package btscan

import "fmt"

// binarySearch locates key's boundary offset on page.
//
// On a leaf page the result is the first data offset whose tuple sorts at
// or after the key (strictly after, under Nextkey); NumTuples() means all
// tuples sort before the key. Backward keys shift the result one left,
// onto the last tuple below the boundary, and may return -1 when even the
// first tuple is at or beyond it.
//
// On an internal page the result is the offset of the downlink to follow:
// the last tuple that sorts before the key (at-or-before, under Nextkey).
// The negative-infinity rule in compare guarantees offset 0 qualifies, so
// internal results never underflow.
func (idx *Index) binarySearch(page Page, key *SearchKey) int {
	low, high := 0, page.NumTuples()

	cmpval := 1
	if key.Nextkey {
		cmpval = 0
	}

	for low < high {
		mid := low + (high-low)/2
		if idx.compare(key, page, mid) >= cmpval {
			low = mid + 1
		} else {
			high = mid
		}
	}

	if !page.IsLeaf() {
		return low - 1
	}
	if key.Backward {
		return low - 1
	}
	return low
}

// BinarySearchInsert locates where an insertion key belongs on a leaf,
// reusing cached bounds from st when a prior search of the same page left
// them valid. On return st carries fresh bounds and, when the key's
// ScanTID falls inside a posting tuple at the returned offset, the
// position within that posting list; PostingOff is -1 otherwise.
//
// A ScanTID that exactly matches an existing row locator, or that two
// posting tuples both claim, is never legal and reports ErrCorrupted.
func (idx *Index) BinarySearchInsert(page Page, st *InsertState) (int, error) {
	low, high := 0, page.NumTuples()
	stricthigh := high
	if st.BoundsValid {
		low, high = st.Low, st.StrictHigh
		if high > page.NumTuples() {
			high = page.NumTuples()
		}
		stricthigh = high
	}
	st.PostingOff = -1

	for low < high {
		mid := low + (high-low)/2
		res := idx.compare(st.Key, page, mid)
		if res >= 1 {
			low = mid + 1
		} else {
			high = mid
			if res != 0 {
				stricthigh = high
			}
		}
	}

	st.BoundsValid = true
	st.Low = low
	st.StrictHigh = stricthigh

	if st.Key.ScanTID == nil || low >= page.NumTuples() {
		return low, nil
	}
	if idx.compare(st.Key, page, low) != 0 {
		return low, nil
	}

	tup := page.Tuple(low)
	switch tup.Kind {
	case TuplePosting:
		if low+1 < page.NumTuples() && idx.compare(st.Key, page, low+1) == 0 {
			return 0, fmt.Errorf("%w: row locator %s claimed by two posting tuples",
				ErrCorrupted, st.Key.ScanTID)
		}
		pos, found := searchPosting(tup.Posting, *st.Key.ScanTID)
		if found {
			return 0, fmt.Errorf("%w: duplicate row locator %s",
				ErrCorrupted, st.Key.ScanTID)
		}
		st.PostingOff = pos
		return low, nil
	case TuplePlain:
		return 0, fmt.Errorf("%w: duplicate row locator %s",
			ErrCorrupted, st.Key.ScanTID)
	default:
		return low, nil
	}
}

// searchPosting returns the position where tid belongs in a sorted
// posting list and whether it is already present.
func searchPosting(posting []TID, tid TID) (int, bool) {
	low, high := 0, len(posting)
	for low < high {
		mid := low + (high-low)/2
		c := posting[mid].Compare(tid)
		if c < 0 {
			low = mid + 1
		} else if c > 0 {
			high = mid
		} else {
			return mid, true
		}
	}
	return low, false
}
