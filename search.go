package btscan

import (
	"context"
	"fmt"
)

// Search descends from the root to the leaf that the key's boundary falls
// on, recovering from concurrent splits by moving right as needed. The
// returned ref is pinned and locked: read-locked for LockRead access,
// write-locked on the leaf for LockWrite access (upper levels are always
// traversed under read locks). The stack records the path taken, one
// frame per internal level, for split completion to walk back up.
//
// A nil ref with nil error means the index is empty, which only a
// LockRead access can observe.
func (idx *Index) Search(ctx context.Context, key *SearchKey, access LockMode) (*Stack, PageRef, error) {
	idx.metrics.incDescents()

	ref, err := idx.store.Root(ctx, access)
	if err != nil {
		return nil, nil, err
	}
	if ref == nil {
		return nil, nil, nil
	}

	var stack *Stack
	pageAccess := LockRead
	for {
		ref, err = idx.moveRight(ctx, ref, key, access == LockWrite, stack, pageAccess)
		if err != nil {
			return nil, nil, err
		}
		page := ref.Page()
		if page.IsLeaf() {
			break
		}

		off := idx.binarySearch(page, key)
		tup := page.Tuple(off)
		if tup.Kind != TuplePivot || tup.Down == InvalidBlock {
			block := ref.Block()
			ref.Release()
			return nil, nil, fmt.Errorf("%w: no downlink at offset %d of block %d",
				ErrCorrupted, off, block)
		}
		stack = &Stack{Block: ref.Block(), Offset: off, Parent: stack}

		// Write descents take the leaf exclusively; everything above
		// stays shared.
		pageAccess = LockRead
		if access == LockWrite && page.Level() == 1 {
			pageAccess = LockWrite
		}
		if err := ctx.Err(); err != nil {
			ref.Release()
			return nil, nil, err
		}
		ref, err = idx.store.Step(ctx, ref, tup.Down, pageAccess)
		if err != nil {
			return nil, nil, err
		}
	}

	if access == LockWrite && pageAccess == LockRead {
		// The root itself was a leaf. Trade the read lock for a write
		// lock and recheck the position: the page may have split in the
		// unlocked window.
		ref.Unlock()
		if err := ref.Lock(ctx, LockWrite); err != nil {
			ref.Unpin()
			return nil, nil, err
		}
		ref, err = idx.moveRight(ctx, ref, key, true, stack, LockWrite)
		if err != nil {
			return nil, nil, err
		}
	}

	return stack, ref, nil
}

// moveRight walks right from ref until it holds the page whose key space
// covers key: a page is correct once its high key bounds the key (with
// Nextkey keys the bound must be strict, since equal high keys send the
// key right). Ignorable pages are stepped over. Write-mode callers
// (forUpdate) finish incomplete splits they encounter so the parent level
// regains its downlink before the caller adds more work above it.
//
// ref must be locked in access mode; the returned ref is too.
func (idx *Index) moveRight(ctx context.Context, ref PageRef, key *SearchKey, forUpdate bool, stack *Stack, access LockMode) (PageRef, error) {
	cmpval := 1
	if key.Nextkey {
		cmpval = 0
	}

	for {
		page := ref.Page()
		if page.IsRightmost() {
			break
		}

		if forUpdate && idx.split != nil && page.HasIncompleteSplit() {
			ref2, err := idx.finishSplit(ctx, ref, stack, access)
			if err != nil {
				return nil, err
			}
			ref = ref2
			continue
		}

		if page.IsIgnorable() || idx.compareHighKey(key, page) >= cmpval {
			next := page.NextBlock()
			idx.metrics.incMoveRights()
			var err error
			ref, err = idx.store.Step(ctx, ref, next, access)
			if err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	if ref.Page().IsIgnorable() {
		block := ref.Block()
		ref.Release()
		idx.log.Error("move right ended on ignorable page", "block", block)
		return nil, fmt.Errorf("%w: fell off the end of the index at block %d",
			ErrCorrupted, block)
	}
	return ref, nil
}

// finishSplit runs the configured SplitCompleter against ref, upgrading
// to a write lock first when the descent holds only a read lock. The
// completer consumes the ref; the caller gets the block back in its
// original access mode.
func (idx *Index) finishSplit(ctx context.Context, ref PageRef, stack *Stack, access LockMode) (PageRef, error) {
	block := ref.Block()

	if access == LockRead {
		ref.Unlock()
		if err := ref.Lock(ctx, LockWrite); err != nil {
			ref.Unpin()
			return nil, err
		}
	}

	if !ref.Page().HasIncompleteSplit() {
		// Someone else finished it in the unlocked window.
		if access == LockRead {
			ref.Unlock()
			if err := ref.Lock(ctx, access); err != nil {
				ref.Unpin()
				return nil, err
			}
		}
		return ref, nil
	}

	idx.log.Info("finishing incomplete split", "block", block)
	if err := idx.split.FinishSplit(ctx, ref, stack); err != nil {
		return nil, err
	}
	return idx.store.Page(ctx, block, access)
}

func (idx *Index) compareHighKey(key *SearchKey, page Page) int {
	hk, ok := page.HighKey()
	if !ok {
		return -1
	}
	return idx.compareTuple(key, hk)
}
