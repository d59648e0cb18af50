package btscan

import "context"

// LockMode is the page lock strength requested from a PageStore. Read
// locks are shared, write locks exclusive. A descent holds at most one
// page lock at any instant.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

// Page is a read view of one index page. Data tuples occupy offsets
// 0..NumTuples()-1 in key order. The high key, when present, lives out of
// band and bounds every data tuple on the page from above.
type Page interface {
	IsLeaf() bool
	// Level is 0 for leaf pages and counts up toward the root.
	Level() int
	// NextBlock is the right sibling, InvalidBlock on the rightmost page.
	NextBlock() BlockNumber
	// PrevBlock is the left sibling, InvalidBlock on the leftmost page.
	PrevBlock() BlockNumber
	IsRightmost() bool
	IsLeftmost() bool
	// IsIgnorable reports a page that scans must skip: deleted, or half
	// dead pending deletion.
	IsIgnorable() bool
	// HasIncompleteSplit reports that the page split but its parent does
	// not yet carry the downlink for the new right sibling.
	HasIncompleteSplit() bool

	NumTuples() int
	Tuple(off int) Tuple
	// HighKey returns the page's upper bound tuple. ok is false on
	// rightmost pages, which are unbounded above.
	HighKey() (Tuple, bool)

	// IsDead reports the killed hint for a data tuple. MarkDead sets it.
	// Callers hold at least a read lock; stores keep the hint bits
	// internally consistent under concurrent markers.
	IsDead(off int) bool
	MarkDead(off int)
}

// PageRef is a pinned reference to a page, usually locked. The pin keeps
// the page's identity stable; the lock keeps its content stable.
type PageRef interface {
	Block() BlockNumber
	Page() Page
	// LSN is the page's current modification stamp. Valid while locked.
	LSN() LSN

	// Lock blocks until the page lock is held in the given mode.
	Lock(ctx context.Context, mode LockMode) error
	Unlock()
	// Unpin drops the pin. The ref must be unlocked and is dead after.
	Unpin()
	// Release unlocks (if locked) and unpins in one step.
	Release()
}

// PageStore supplies pages to the search engine. Implementations decide
// where pages live (memory, file, cache) and how locks and pins map onto
// their latching.
type PageStore interface {
	// Root returns the current root, read-locked and pinned. A read-mode
	// call on an empty index returns (nil, nil); a write-mode call
	// materializes an empty leaf root first. The returned ref is
	// read-locked in both modes: write descents relock the leaf
	// themselves.
	Root(ctx context.Context, mode LockMode) (PageRef, error)
	// Page pins and locks an arbitrary block.
	Page(ctx context.Context, block BlockNumber, mode LockMode) (PageRef, error)
	// Step releases from and then acquires block. It never holds both at
	// once, so stepping cannot deadlock against other single-lock
	// walkers.
	Step(ctx context.Context, from PageRef, block BlockNumber, mode LockMode) (PageRef, error)
}

// SplitCompleter finishes an interrupted split when a write-mode descent
// trips over one. FinishSplit is handed the write-locked page and the
// parent stack gathered so far; it owns the ref afterward and the caller
// re-fetches the block.
type SplitCompleter interface {
	FinishSplit(ctx context.Context, ref PageRef, stack *Stack) error
}

// PredicateLocker hooks serializable-isolation bookkeeping into scans.
// Implementations record which pages and relations a scan observed.
type PredicateLocker interface {
	LockPage(block BlockNumber)
	// LockRelation covers the whole index, used when a scan observes the
	// index empty.
	LockRelation()
}

// Stack records the descent path from the root. Offset is the downlink
// offset followed on Block; Parent points one level up.
type Stack struct {
	Block  BlockNumber
	Offset int
	Parent *Stack
}
