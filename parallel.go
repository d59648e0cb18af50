package btscan

import (
	"context"
	"sync"
)

// SeizeResult tells a parallel worker what to do next. Exactly one field
// combination applies: Done ends the worker; First sends it on a descent
// (initial or primitive-scan restart); otherwise Block is the next page
// to read and LastBlock the page the scan advanced from. ArrayElems, set
// on primitive-scan restarts, carries the "= any" element cursors the
// scheduling worker had advanced to, so the seizing worker descends for
// the same elements.
type SeizeResult struct {
	Block      BlockNumber
	LastBlock  BlockNumber
	First      bool
	Done       bool
	ArrayElems []int
}

// ParallelCoordinator serializes page handout among the workers of one
// logical scan. A worker seizes the scan before every page fetch,
// releases it as soon as it knows the page after, and marks the whole
// scan done when its walk ends.
type ParallelCoordinator interface {
	// Seize blocks until the scan is free to advance and returns the
	// worker's assignment.
	Seize(ctx context.Context) (SeizeResult, error)
	// Release publishes the next page while current is still being read.
	Release(next, current BlockNumber)
	// MarkDone ends the scan for every worker.
	MarkDone()
	// SchedulePrimitiveScanRestart asks that, instead of following
	// sibling links past after, the next seizing worker descend afresh
	// for the array element cursors in elems.
	SchedulePrimitiveScanRestart(after BlockNumber, elems []int)
}

const (
	coordIdle = iota
	coordAdvancing
	coordNeedPrim
	coordDone
)

// LocalCoordinator coordinates parallel workers within one process.
// Waiters park on a channel rather than a condition variable so Seize can
// honor context cancellation.
type LocalCoordinator struct {
	mu      sync.Mutex
	state   int
	started bool
	next    BlockNumber
	last    BlockNumber
	elems   []int
	notify  chan struct{}
}

func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{notify: make(chan struct{})}
}

func (c *LocalCoordinator) Seize(ctx context.Context) (SeizeResult, error) {
	for {
		c.mu.Lock()
		if c.state != coordAdvancing {
			defer c.mu.Unlock()
			switch c.state {
			case coordDone:
				return SeizeResult{Done: true}, nil
			case coordNeedPrim:
				c.state = coordAdvancing
				return SeizeResult{First: true, ArrayElems: append([]int(nil), c.elems...)}, nil
			default:
				if !c.started {
					c.started = true
					c.state = coordAdvancing
					return SeizeResult{First: true}, nil
				}
				c.state = coordAdvancing
				return SeizeResult{Block: c.next, LastBlock: c.last}, nil
			}
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return SeizeResult{}, ctx.Err()
		}
	}
}

// wake closes the current notify channel and installs a fresh one.
// Callers hold mu.
func (c *LocalCoordinator) wake() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *LocalCoordinator) Release(next, current BlockNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != coordAdvancing {
		return
	}
	c.next = next
	c.last = current
	c.state = coordIdle
	c.wake()
}

func (c *LocalCoordinator) MarkDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = coordDone
	c.wake()
}

func (c *LocalCoordinator) SchedulePrimitiveScanRestart(after BlockNumber, elems []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == coordDone {
		return
	}
	c.last = after
	c.elems = append(c.elems[:0], elems...)
	c.state = coordNeedPrim
	c.wake()
}
