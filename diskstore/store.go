package diskstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"btscan"
)

// backend is the platform I/O layer: mmap where supported, pread
// elsewhere.
type backend interface {
	readBlock(block uint64, buf []byte) error
	size() int64
	Close() error
}

const (
	latchStripes      = 256
	defaultCachePages = 1024
)

// StoreOptions configures an open store.
type StoreOptions struct {
	cachePages uint32
	logger     btscan.Logger
}

// StoreOption configures store options using the functional options
// pattern.
type StoreOption func(*StoreOptions)

// WithCachePages caps the decoded-page LRU cache.
func WithCachePages(n uint32) StoreOption {
	return func(o *StoreOptions) {
		if n > 0 {
			o.cachePages = n
		}
	}
}

// WithLogger routes store diagnostics to l.
func WithLogger(l btscan.Logger) StoreOption {
	return func(o *StoreOptions) {
		o.logger = l
	}
}

// Store is a read-only btscan.PageStore over a page file built by
// Builder. Safe for concurrent use.
type Store struct {
	backend backend
	cache   *freelru.SyncedLRU[uint64, *diskPage]
	latches [latchStripes]sync.RWMutex
	root    btscan.BlockNumber
	npages  uint64
	log     btscan.Logger
	closed  atomic.Bool
}

// Open maps the page file at path and validates its meta block.
func Open(path string, options ...StoreOption) (*Store, error) {
	opts := StoreOptions{
		cachePages: defaultCachePages,
		logger:     btscan.DiscardLogger{},
	}
	for _, o := range options {
		o(&opts)
	}

	be, err := openBackend(path)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, PageSize)
	if err := be.readBlock(0, buf); err != nil {
		be.Close()
		return nil, err
	}
	root, npages, err := decodeMeta(buf)
	if err != nil {
		be.Close()
		return nil, err
	}
	if int64(npages)*PageSize != be.size() {
		be.Close()
		return nil, fmt.Errorf("%w: meta says %d pages", ErrInvalidPageSize, npages)
	}

	cache, err := freelru.NewSynced[uint64, *diskPage](opts.cachePages, hashBlock)
	if err != nil {
		be.Close()
		return nil, err
	}

	return &Store{
		backend: be,
		cache:   cache,
		root:    root,
		npages:  npages,
		log:     opts.logger,
	}, nil
}

func hashBlock(block uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], block)
	return uint32(xxhash.Sum64(buf[:]))
}

// diskPage is a decoded page plus its in-memory killed-tuple hints. The
// hints are advisory and vanish when the page falls out of cache or the
// store closes.
type diskPage struct {
	img *pageImage

	deadMu sync.Mutex
	dead   []bool
}

func (p *diskPage) IsLeaf() bool                  { return p.img.flags&flagLeaf != 0 }
func (p *diskPage) Level() int                    { return p.img.level }
func (p *diskPage) NextBlock() btscan.BlockNumber { return p.img.next }
func (p *diskPage) PrevBlock() btscan.BlockNumber { return p.img.prev }
func (p *diskPage) IsRightmost() bool             { return p.img.next == btscan.InvalidBlock }
func (p *diskPage) IsLeftmost() bool              { return p.img.prev == btscan.InvalidBlock }
func (p *diskPage) HasIncompleteSplit() bool      { return p.img.flags&flagIncomplete != 0 }
func (p *diskPage) NumTuples() int                { return len(p.img.tuples) }
func (p *diskPage) Tuple(off int) btscan.Tuple    { return p.img.tuples[off] }

func (p *diskPage) IsIgnorable() bool {
	return p.img.flags&(flagDeleted|flagHalfDead) != 0
}

func (p *diskPage) HighKey() (btscan.Tuple, bool) {
	if p.img.highKey == nil {
		return btscan.Tuple{}, false
	}
	return *p.img.highKey, true
}

func (p *diskPage) IsDead(off int) bool {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	return off < len(p.dead) && p.dead[off]
}

func (p *diskPage) MarkDead(off int) {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	if len(p.dead) < len(p.img.tuples) {
		grown := make([]bool, len(p.img.tuples))
		copy(grown, p.dead)
		p.dead = grown
	}
	if off < len(p.dead) {
		p.dead[off] = true
	}
}

// ref is a pinned, possibly locked page handle. Pins are advisory here:
// disk pages are immutable, so a pin only keeps the decoded page
// reachable through the handle.
type ref struct {
	store  *Store
	block  btscan.BlockNumber
	page   *diskPage
	locked bool
	mode   btscan.LockMode
}

func (r *ref) Block() btscan.BlockNumber { return r.block }
func (r *ref) Page() btscan.Page         { return r.page }
func (r *ref) LSN() btscan.LSN           { return r.page.img.lsn }

func (r *ref) latch() *sync.RWMutex {
	return &r.store.latches[uint64(r.block)%latchStripes]
}

func (r *ref) Lock(ctx context.Context, mode btscan.LockMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == btscan.LockWrite {
		r.latch().Lock()
	} else {
		r.latch().RLock()
	}
	r.locked = true
	r.mode = mode
	return nil
}

func (r *ref) Unlock() {
	if !r.locked {
		return
	}
	if r.mode == btscan.LockWrite {
		r.latch().Unlock()
	} else {
		r.latch().RUnlock()
	}
	r.locked = false
}

func (r *ref) Unpin() {
	r.page = nil
}

func (r *ref) Release() {
	r.Unlock()
	r.Unpin()
}

// Root returns the read-locked root page. The store is read-only, so a
// write-mode call on an empty file still returns (nil, nil).
func (s *Store) Root(ctx context.Context, mode btscan.LockMode) (btscan.PageRef, error) {
	if s.root == btscan.InvalidBlock {
		return nil, nil
	}
	return s.Page(ctx, s.root, btscan.LockRead)
}

// Page pins and locks an arbitrary block.
func (s *Store) Page(ctx context.Context, block btscan.BlockNumber, mode btscan.LockMode) (btscan.PageRef, error) {
	p, err := s.page(block)
	if err != nil {
		return nil, err
	}
	r := &ref{store: s, block: block, page: p}
	if err := r.Lock(ctx, mode); err != nil {
		r.Unpin()
		return nil, err
	}
	return r, nil
}

// Step releases from, then acquires block. Never holds both.
func (s *Store) Step(ctx context.Context, from btscan.PageRef, block btscan.BlockNumber, mode btscan.LockMode) (btscan.PageRef, error) {
	from.Release()
	return s.Page(ctx, block, mode)
}

// RootBlock returns the root block recorded in the meta page.
func (s *Store) RootBlock() btscan.BlockNumber {
	return s.root
}

// NumPages returns the file's page count, meta included.
func (s *Store) NumPages() uint64 {
	return s.npages
}

func (s *Store) page(block btscan.BlockNumber) (*diskPage, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if block == btscan.InvalidBlock || uint64(block) >= s.npages {
		return nil, fmt.Errorf("%w: block %d", ErrPageRange, block)
	}
	if p, ok := s.cache.Get(uint64(block)); ok {
		return p, nil
	}

	buf := make([]byte, PageSize)
	if err := s.backend.readBlock(uint64(block), buf); err != nil {
		return nil, err
	}
	img, err := decodePage(buf)
	if err != nil {
		s.log.Error("page decode failed", "block", block, "error", err)
		return nil, fmt.Errorf("block %d: %w", block, err)
	}
	p := &diskPage{img: img}
	s.cache.Add(uint64(block), p)
	return p, nil
}

// Close unmaps the file. Outstanding refs stay readable; new fetches
// fail.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Purge()
	return s.backend.Close()
}
