package btscan

// checkKeys evaluates every scan key against tup. match reports whether
// the tuple satisfies all of them; cont=false reports that a required key
// failed in a way no later tuple in this direction can repair, so the
// page read stops and the walk beyond this page is cut off.
//
// Required "= any" keys advance their element cursor here. Running off a
// matching region schedules a fresh descent for the next element by
// setting needPrimScan; running out of elements ends the whole scan.
func (s *Scan) checkKeys(tup Tuple, dir Direction) (match, cont bool) {
	match, cont = true, true
	for _, q := range s.quals {
		ok, stop := s.evalKey(q, tup, dir)
		if !ok {
			match = false
		}
		if stop {
			cont = false
		}
		if !match && !cont {
			return false, false
		}
	}
	return match, cont
}

func (s *Scan) evalKey(q *scanQual, tup Tuple, dir Direction) (ok, stop bool) {
	if len(q.Row) > 0 {
		return s.evalRowCompare(q, tup, dir)
	}
	if q.Attr >= len(tup.Attrs) {
		// Truncated pivot attribute: nothing to test, nothing to prove.
		return true, false
	}
	d := tup.Attrs[q.Attr]
	col := s.idx.schema[q.Attr]

	if d.Null {
		if q.Op == OpIsNull {
			return true, false
		}
		// A NULL fails every other operator. It ends the scan only when
		// the key is required and NULLs occupy the end being scanned
		// toward.
		if requiredInDir(q, dir) && nullsAtScanEnd(col, dir) {
			return false, true
		}
		return false, false
	}

	switch q.Op {
	case OpIsNull:
		// Non-NULL tuple. Once the scan has left the NULL range no more
		// NULLs appear ahead of it.
		if requiredInDir(q, dir) && !nullsAtScanEnd(col, dir) {
			return false, true
		}
		return false, false
	case OpIsNotNull:
		return true, false
	}

	if q.arr != nil {
		return s.evalArray(q, col, d.Value, dir)
	}

	c := col.Comparer.Compare(d.Value, q.Value)
	ok = opSatisfied(q.Op, c)
	if !ok && requiredInDir(q, dir) {
		return false, true
	}
	return ok, false
}

func opSatisfied(op CompareOp, c int) bool {
	switch op {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpGreaterEqual:
		return c >= 0
	case OpGreater:
		return c > 0
	}
	return false
}

// evalArray matches a tuple value against an "= any" key. Non-required
// arrays just probe the element set. Required arrays keep a cursor in
// scan order: a tuple past the current element advances the cursor, and
// landing between elements means the current primitive scan has nothing
// more to find here.
func (s *Scan) evalArray(q *scanQual, col Column, v []byte, dir Direction) (ok, stop bool) {
	cmp := col.Comparer
	if !requiredInDir(q, dir) {
		_, found := searchElems(cmp, q.arr.elems, v)
		return found, false
	}

	a := q.arr
	for {
		c := cmp.Compare(v, a.current())
		if c == 0 {
			return true, false
		}
		if (dir == Forward && c < 0) || (dir == Backward && c > 0) {
			// Tuple sits before the current element in scan order; later
			// tuples may still reach it.
			return false, false
		}
		// Tuple passed the current element. Try the next one.
		if dir == Forward {
			if a.cur+1 >= len(a.elems) {
				return false, true
			}
			a.cur++
		} else {
			if a.cur == 0 {
				return false, true
			}
			a.cur--
		}
		if cmp.Compare(v, a.current()) != 0 {
			if (dir == Forward && cmp.Compare(v, a.current()) < 0) ||
				(dir == Backward && cmp.Compare(v, a.current()) > 0) {
				// Landed in the gap before the new element: this
				// primitive scan is done, a new descent picks it up.
				s.needPrimScan = true
				return false, true
			}
			continue
		}
		return true, false
	}
}

func searchElems(cmp Comparer, elems [][]byte, v []byte) (int, bool) {
	low, high := 0, len(elems)
	for low < high {
		mid := low + (high-low)/2
		c := cmp.Compare(elems[mid], v)
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

// evalRowCompare evaluates a row comparison lexicographically: the first
// unequal member decides, and full equality satisfies only the inclusive
// operators.
func (s *Scan) evalRowCompare(q *scanQual, tup Tuple, dir Direction) (ok, stop bool) {
	c := 0
	for _, m := range q.Row {
		if m.Attr >= len(tup.Attrs) {
			return true, false
		}
		d := tup.Attrs[m.Attr]
		if d.Null {
			col := s.idx.schema[m.Attr]
			if requiredInDir(q, dir) && nullsAtScanEnd(col, dir) {
				return false, true
			}
			return false, false
		}
		c = s.idx.schema[m.Attr].Comparer.Compare(d.Value, m.Value)
		if c != 0 {
			break
		}
	}
	switch q.Op {
	case OpLess:
		ok = c < 0
	case OpLessEqual:
		ok = c <= 0
	case OpGreater:
		ok = c > 0
	case OpGreaterEqual:
		ok = c >= 0
	}
	if !ok && requiredInDir(q, dir) {
		return false, true
	}
	return ok, false
}

// nullsAtScanEnd reports whether the column's NULL range lies in the
// direction the scan is heading.
func nullsAtScanEnd(col Column, dir Direction) bool {
	if dir == Forward {
		return !col.NullsFirst
	}
	return col.NullsFirst
}
