package memstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btscan"
	"btscan/memstore"
)

func buildRows(n int) []btscan.Tuple {
	out := make([]btscan.Tuple, n)
	for i := range out {
		out[i] = btscan.PlainTuple(
			btscan.TID{Block: 1, Pos: uint16(i + 1)},
			btscan.Datum{Value: []byte(fmt.Sprintf("key%03d", i))},
		)
	}
	return out
}

func TestBuildShape(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	require.NoError(t, store.Build(buildRows(30), 4, 4))

	// 8 leaves, 2 internal pages, 1 root.
	assert.Equal(t, 11, store.NumPages())
	require.NotEqual(t, btscan.InvalidBlock, store.RootBlock())

	leaves, err := store.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 8)

	ctx := context.Background()
	root, err := store.Page(ctx, store.RootBlock(), btscan.LockRead)
	require.NoError(t, err)
	defer root.Release()
	assert.False(t, root.Page().IsLeaf())
	assert.True(t, root.Page().IsRightmost())
	assert.True(t, root.Page().IsLeftmost())

	// Sibling links and high keys line up along the leaf level.
	var prev btscan.PageRef
	for i, blk := range leaves {
		ref, err := store.Page(ctx, blk, btscan.LockRead)
		require.NoError(t, err)
		page := ref.Page()
		assert.True(t, page.IsLeaf())
		if i == 0 {
			assert.True(t, page.IsLeftmost())
		}
		if i == len(leaves)-1 {
			assert.True(t, page.IsRightmost())
			_, ok := page.HighKey()
			assert.False(t, ok, "rightmost page carries no high key")
		} else {
			hk, ok := page.HighKey()
			require.True(t, ok)
			assert.NotEmpty(t, hk.Attrs)
		}
		if prev != nil {
			assert.Equal(t, prev.Block(), page.PrevBlock())
			prev.Release()
		}
		prev = ref
	}
	prev.Release()
}

func TestBuildValidation(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	assert.ErrorIs(t, store.Build(nil, 4, 4), memstore.ErrNoRows)
	assert.ErrorIs(t, store.Build(buildRows(4), 1, 4), memstore.ErrBadFanout)
	assert.ErrorIs(t, store.Build(buildRows(4), 4, 0), memstore.ErrBadFanout)
}

func TestRootOnEmptyStore(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	ref, err := store.Root(ctx, btscan.LockRead)
	require.NoError(t, err)
	assert.Nil(t, ref, "read access observes emptiness")

	// Write access materializes an empty leaf root.
	ref, err = store.Root(ctx, btscan.LockWrite)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.True(t, ref.Page().IsLeaf())
	assert.Zero(t, ref.Page().NumTuples())
	ref.Release()
	assert.NotEqual(t, btscan.InvalidBlock, store.RootBlock())
}

func TestSplitLeaf(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	require.NoError(t, store.Build(buildRows(16), 8, 4))
	ctx := context.Background()

	leaves, err := store.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 2)

	rblk, err := store.SplitLeaf(leaves[0], 5)
	require.NoError(t, err)

	left, err := store.Page(ctx, leaves[0], btscan.LockRead)
	require.NoError(t, err)
	assert.Equal(t, 5, left.Page().NumTuples())
	assert.Equal(t, rblk, left.Page().NextBlock())
	assert.True(t, left.Page().HasIncompleteSplit())
	hk, ok := left.Page().HighKey()
	require.True(t, ok)
	assert.Equal(t, []byte("key005"), hk.Attrs[0].Value)
	left.Release()

	right, err := store.Page(ctx, rblk, btscan.LockRead)
	require.NoError(t, err)
	assert.Equal(t, 3, right.Page().NumTuples())
	assert.Equal(t, leaves[0], right.Page().PrevBlock())
	assert.Equal(t, leaves[1], right.Page().NextBlock())
	right.Release()

	// The old right sibling's left-link follows the split.
	sib, err := store.Page(ctx, leaves[1], btscan.LockRead)
	require.NoError(t, err)
	assert.Equal(t, rblk, sib.Page().PrevBlock())
	sib.Release()

	require.NoError(t, store.CompleteSplit(leaves[0]))
	left, err = store.Page(ctx, leaves[0], btscan.LockRead)
	require.NoError(t, err)
	assert.False(t, left.Page().HasIncompleteSplit())
	left.Release()

	_, err = store.SplitLeaf(leaves[0], 0)
	assert.ErrorIs(t, err, memstore.ErrBadSplitAt)
	_, err = store.SplitLeaf(store.RootBlock(), 1)
	assert.ErrorIs(t, err, memstore.ErrNotLeaf)
}

func TestDeletePage(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	require.NoError(t, store.Build(buildRows(24), 8, 4))
	ctx := context.Background()

	leaves, err := store.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 3)
	require.NoError(t, store.DeletePage(leaves[1]))

	// Spliced out of the live chain but its own links survive.
	mid, err := store.Page(ctx, leaves[1], btscan.LockRead)
	require.NoError(t, err)
	assert.True(t, mid.Page().IsIgnorable())
	assert.Equal(t, leaves[0], mid.Page().PrevBlock())
	assert.Equal(t, leaves[2], mid.Page().NextBlock())
	mid.Release()

	after, err := store.Leaves()
	require.NoError(t, err)
	assert.Equal(t, []btscan.BlockNumber{leaves[0], leaves[2]}, after)
}

func TestPinTracking(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	require.NoError(t, store.Build(buildRows(8), 8, 4))
	ctx := context.Background()
	blk := store.RootBlock()

	ref, err := store.Page(ctx, blk, btscan.LockRead)
	require.NoError(t, err)
	assert.Equal(t, 1, store.PinCount(blk))

	ref.Unlock()
	assert.Equal(t, 1, store.PinCount(blk), "unlock keeps the pin")
	ref.Unpin()
	assert.Zero(t, store.PinCount(blk))
}

func TestMarkDead(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	require.NoError(t, store.Build(buildRows(8), 8, 4))
	ctx := context.Background()

	leaves, err := store.Leaves()
	require.NoError(t, err)
	ref, err := store.Page(ctx, leaves[0], btscan.LockRead)
	require.NoError(t, err)
	defer ref.Release()

	page := ref.Page()
	assert.False(t, page.IsDead(3))
	page.MarkDead(3)
	assert.True(t, page.IsDead(3))
	assert.False(t, page.IsDead(2))
}
