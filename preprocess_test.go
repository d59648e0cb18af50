package btscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndexCols(t *testing.T, n int) *Index {
	t.Helper()
	schema := make(Schema, n)
	for i := range schema {
		schema[i] = Column{Comparer: BytesComparer}
	}
	idx, err := New(nopStore{}, schema)
	require.NoError(t, err)
	return idx
}

func sk(attr int, op CompareOp, val string) ScanKey {
	return ScanKey{Attr: attr, Op: op, Value: []byte(val)}
}

func TestPreprocessMergeRange(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	quals, arrays, ok, err := idx.preprocess([]ScanKey{
		sk(0, OpGreaterEqual, "10"),
		sk(0, OpGreater, "20"),
		sk(0, OpLess, "90"),
		sk(0, OpLessEqual, "80"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 2, "redundant bounds should merge away")
	assert.Empty(t, arrays)

	assert.Equal(t, OpGreater, quals[0].Op)
	assert.Equal(t, []byte("20"), quals[0].Value)
	assert.True(t, quals[0].reqBkwd)
	assert.False(t, quals[0].reqFwd)

	assert.Equal(t, OpLessEqual, quals[1].Op)
	assert.Equal(t, []byte("80"), quals[1].Value)
	assert.True(t, quals[1].reqFwd)
	assert.False(t, quals[1].reqBkwd)
}

func TestPreprocessContradictions(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)

	cases := []struct {
		name string
		keys []ScanKey
		sat  bool
	}{
		{"equal outside range", []ScanKey{sk(0, OpEqual, "50"), sk(0, OpLess, "40")}, false},
		{"equal on strict bound", []ScanKey{sk(0, OpEqual, "50"), sk(0, OpLess, "50")}, false},
		{"equal on inclusive bound", []ScanKey{sk(0, OpEqual, "50"), sk(0, OpLessEqual, "50")}, true},
		{"empty range", []ScanKey{sk(0, OpGreater, "50"), sk(0, OpLess, "40")}, false},
		{"point range", []ScanKey{sk(0, OpGreaterEqual, "50"), sk(0, OpLessEqual, "50")}, true},
		{"half-open point range", []ScanKey{sk(0, OpGreater, "50"), sk(0, OpLessEqual, "50")}, false},
		{"disjoint equalities", []ScanKey{sk(0, OpEqual, "10"), sk(0, OpEqual, "20")}, false},
		{"null and value", []ScanKey{{Attr: 0, Op: OpIsNull}, sk(0, OpEqual, "10")}, false},
		{"null and not null", []ScanKey{{Attr: 0, Op: OpIsNull}, {Attr: 0, Op: OpIsNotNull}}, false},
	}
	for _, tc := range cases {
		_, _, ok, err := idx.preprocess(tc.keys)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.sat, ok, tc.name)
	}
}

func TestPreprocessEqualitySubsumesRange(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)
	quals, _, ok, err := idx.preprocess([]ScanKey{
		sk(0, OpGreaterEqual, "10"),
		sk(0, OpEqual, "50"),
		sk(0, OpLess, "90"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 1)
	assert.Equal(t, OpEqual, quals[0].Op)
	assert.Equal(t, []byte("50"), quals[0].Value)
	assert.True(t, quals[0].reqFwd)
	assert.True(t, quals[0].reqBkwd)
}

func TestPreprocessArrays(t *testing.T) {
	t.Parallel()

	idx := testIndex(t)

	// Elements come back sorted and deduped.
	quals, arrays, ok, err := idx.preprocess([]ScanKey{
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("30"), []byte("10"), []byte("30"), []byte("20")}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, arrays, 1)
	assert.Equal(t, [][]byte{[]byte("10"), []byte("20"), []byte("30")}, quals[0].In)

	// Two value lists intersect.
	quals, arrays, ok, err = idx.preprocess([]ScanKey{
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("10"), []byte("20"), []byte("30")}},
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("20"), []byte("30"), []byte("40")}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 1)
	assert.Equal(t, [][]byte{[]byte("20"), []byte("30")}, quals[0].In)
	require.Len(t, arrays, 1)

	// Intersection down to one element degrades to a plain equality.
	quals, arrays, ok, err = idx.preprocess([]ScanKey{
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("10"), []byte("20")}},
		sk(0, OpEqual, "20"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 1)
	assert.Empty(t, quals[0].In)
	assert.Equal(t, []byte("20"), quals[0].Value)
	assert.Empty(t, arrays)

	// Disjoint lists are unsatisfiable.
	_, _, ok, err = idx.preprocess([]ScanKey{
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("10")}},
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("20")}},
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// A range bound filters list elements.
	quals, _, ok, err = idx.preprocess([]ScanKey{
		{Attr: 0, Op: OpEqual, In: [][]byte{[]byte("10"), []byte("20"), []byte("30")}},
		sk(0, OpGreater, "10"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 1)
	assert.Equal(t, [][]byte{[]byte("20"), []byte("30")}, quals[0].In)
}

func TestPreprocessRequiredPrefix(t *testing.T) {
	t.Parallel()

	idx := testIndexCols(t, 3)
	quals, _, ok, err := idx.preprocess([]ScanKey{
		sk(0, OpEqual, "aa"),
		sk(1, OpLess, "mm"),
		sk(2, OpGreater, "qq"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 3)

	// Attribute 0 carries the only equality, so the prefix ends there.
	assert.True(t, quals[0].reqFwd)
	assert.True(t, quals[0].reqBkwd)
	assert.True(t, quals[1].reqFwd, "key just past the equality prefix is still required")
	assert.False(t, quals[1].reqBkwd)
	assert.False(t, quals[2].reqFwd, "key past the gap proves nothing on failure")
	assert.False(t, quals[2].reqBkwd)
}

func TestPreprocessNotNullRequiredSide(t *testing.T) {
	t.Parallel()

	nullsLast := testIndex(t)
	quals, _, ok, err := nullsLast.preprocess([]ScanKey{{Attr: 0, Op: OpIsNotNull}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 1)
	assert.True(t, quals[0].reqFwd)
	assert.False(t, quals[0].reqBkwd)

	nullsFirst, err := New(nopStore{}, Schema{{Comparer: BytesComparer, NullsFirst: true}})
	require.NoError(t, err)
	quals, _, ok, err = nullsFirst.preprocess([]ScanKey{{Attr: 0, Op: OpIsNotNull}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, quals, 1)
	assert.False(t, quals[0].reqFwd)
	assert.True(t, quals[0].reqBkwd)
}

func TestPreprocessValidation(t *testing.T) {
	t.Parallel()

	idx := testIndexCols(t, 2)

	bad := [][]ScanKey{
		{sk(5, OpEqual, "x")},
		{sk(-1, OpEqual, "x")},
		{{Attr: 0, Op: OpEqual}},
		{{Attr: 0, Op: OpLess, In: [][]byte{[]byte("x")}}},
		{{Attr: 0, Op: OpEqual, In: [][]byte{nil}}},
		{{Attr: 0, Op: OpEqual, Value: []byte("x"), Row: []RowMember{
			{Attr: 0, Op: OpEqual, Value: []byte("x")},
		}}},
		{{Attr: 0, Op: OpLess, Value: []byte("x"), Row: []RowMember{
			{Attr: 0, Op: OpLess, Value: []byte("x")},
			{Attr: 0, Op: OpLess, Value: []byte("y")}, // not consecutive
		}}},
		{{Attr: 0, Op: OpLess, Value: []byte("x"), Row: []RowMember{
			{Attr: 0, Op: OpLess, Value: []byte("x")},
			{Attr: 1, Op: OpGreater, Value: []byte("y")}, // direction flip
		}}},
	}
	for i, keys := range bad {
		_, _, _, err := idx.preprocess(keys)
		assert.ErrorIs(t, err, ErrInvalidScanKey, "case %d", i)
	}
}

func scanWithKeys(t *testing.T, idx *Index, keys []ScanKey) *Scan {
	t.Helper()
	s := idx.NewScan()
	quals, arrays, ok, err := idx.preprocess(keys)
	require.NoError(t, err)
	require.True(t, ok)
	s.quals = quals
	s.arrays = arrays
	for _, a := range arrays {
		a.start(Forward)
	}
	return s
}

func TestChooseStartKeys(t *testing.T) {
	t.Parallel()

	idx := testIndexCols(t, 3)

	// Equality chain finished by a direction-matching inequality.
	s := scanWithKeys(t, idx, []ScanKey{
		sk(0, OpEqual, "aa"),
		sk(1, OpGreater, "mm"),
	})
	bounds, strat, ok := s.chooseStartKeys(Forward)
	require.True(t, ok)
	assert.Equal(t, OpGreater, strat)
	require.Len(t, bounds, 2)
	assert.Equal(t, []byte("aa"), bounds[0].Value)
	assert.Equal(t, []byte("mm"), bounds[1].Value)

	// The same inequality is useless backward, but it still implies the
	// attribute is not NULL.
	bounds, strat, ok = s.chooseStartKeys(Backward)
	require.True(t, ok)
	assert.Equal(t, OpIsNotNull, strat)
	require.Len(t, bounds, 2)
	assert.True(t, bounds[1].NotNull)

	// Equalities alone bound every listed attribute.
	s = scanWithKeys(t, idx, []ScanKey{
		sk(0, OpEqual, "aa"),
		sk(1, OpEqual, "bb"),
	})
	bounds, strat, ok = s.chooseStartKeys(Forward)
	require.True(t, ok)
	assert.Equal(t, OpEqual, strat)
	require.Len(t, bounds, 2)

	// IS NULL contributes a NULL boundary value.
	s = scanWithKeys(t, idx, []ScanKey{{Attr: 0, Op: OpIsNull}})
	bounds, strat, ok = s.chooseStartKeys(Forward)
	require.True(t, ok)
	assert.Equal(t, OpIsNull, strat)
	require.Len(t, bounds, 1)
	assert.True(t, bounds[0].Null)

	// A row comparison contributes every member value, with the last
	// member deciding strictness.
	s = scanWithKeys(t, idx, []ScanKey{{
		Attr: 0, Op: OpGreaterEqual, Value: []byte("aa"),
		Row: []RowMember{
			{Attr: 0, Op: OpGreaterEqual, Value: []byte("aa")},
			{Attr: 1, Op: OpGreater, Value: []byte("bb")},
		},
	}})
	bounds, strat, ok = s.chooseStartKeys(Forward)
	require.True(t, ok)
	assert.Equal(t, OpGreater, strat)
	require.Len(t, bounds, 2)
	assert.Equal(t, []byte("bb"), bounds[1].Value)

	// Nothing usable: start at the index endpoint.
	s = scanWithKeys(t, idx, nil)
	_, _, ok = s.chooseStartKeys(Forward)
	assert.False(t, ok)

	// A lone upper bound implies not-NULL, but with NULLs sorting last the
	// NULL range sits at the far end of a forward scan; there is nothing to
	// skip, so the scan starts at the endpoint.
	s = scanWithKeys(t, idx, []ScanKey{sk(0, OpLess, "mm")})
	_, _, ok = s.chooseStartKeys(Forward)
	assert.False(t, ok)

	// With NULLs sorting first the same bound does earn a start boundary,
	// and a lone lower bound scanned backward does not.
	nf, err := New(nopStore{}, Schema{{Comparer: BytesComparer, NullsFirst: true}})
	require.NoError(t, err)
	s = scanWithKeys(t, nf, []ScanKey{sk(0, OpLess, "mm")})
	bounds, strat, ok = s.chooseStartKeys(Forward)
	require.True(t, ok)
	assert.Equal(t, OpIsNotNull, strat)
	require.Len(t, bounds, 1)
	assert.True(t, bounds[0].NotNull)

	s = scanWithKeys(t, nf, []ScanKey{sk(0, OpGreater, "mm")})
	_, _, ok = s.chooseStartKeys(Backward)
	assert.False(t, ok)
}

func TestTranslateStrategy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		strat   CompareOp
		dir     Direction
		nextkey bool
		goback  bool
	}{
		{OpLess, Forward, false, true},
		{OpLessEqual, Backward, true, true},
		{OpGreater, Forward, true, false},
		{OpGreaterEqual, Forward, false, false},
		{OpEqual, Forward, false, false},
		{OpEqual, Backward, true, true},
		{OpIsNull, Backward, true, true},
		{OpIsNotNull, Forward, false, false},
	}
	for _, tc := range cases {
		nextkey, goback := translateStrategy(tc.strat, tc.dir)
		assert.Equal(t, tc.nextkey, nextkey, "%v %v nextkey", tc.strat, tc.dir)
		assert.Equal(t, tc.goback, goback, "%v %v goback", tc.strat, tc.dir)
	}
}
