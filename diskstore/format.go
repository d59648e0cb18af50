// Package diskstore serves B-tree pages out of a single checksummed page
// file. The file is produced by Builder from rows in key order and read
// back through an LRU page cache; on unix the file is memory-mapped.
//
// File layout:
//
//	+--------------------+
//	| meta (block 0)     |  magic, version, page size, root, page count
//	+--------------------+
//	| page (block 1)     |  header | high key | tuples ... | checksum
//	+--------------------+
//	| page (block 2)     |
//	+--------------------+
//	| ...                |
//
// Every block is PageSize bytes and ends with an xxhash64 of the rest of
// the block.
package diskstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"btscan"
)

const (
	PageSize = 8192

	// MagicNumber for file format identification ("btsc" in hex)
	MagicNumber   uint32 = 0x62747363
	FormatVersion uint16 = 1

	pageHeaderSize = 32 // flags(2) + level(2) + nitems(2) + hkLen(2) + prev(8) + next(8) + lsn(8)
	checksumSize   = 8
	maxPayload     = PageSize - pageHeaderSize - checksumSize

	metaHeaderSize = 28 // magic(4) + version(2) + pad(2) + pageSize(4) + root(8) + npages(8)
)

const (
	flagLeaf uint16 = 1 << iota
	flagDeleted
	flagHalfDead
	flagIncomplete
)

var (
	ErrInvalidMagicNumber = errors.New("diskstore: invalid magic number")
	ErrInvalidVersion     = errors.New("diskstore: unsupported format version")
	ErrInvalidPageSize    = errors.New("diskstore: page size mismatch")
	ErrInvalidChecksum    = errors.New("diskstore: page checksum mismatch")
	ErrPageCorrupt        = errors.New("diskstore: corrupt page")
	ErrPageRange          = errors.New("diskstore: block beyond end of file")
	ErrClosed             = errors.New("diskstore: store is closed")

	ErrKeysUnsorted = errors.New("diskstore: rows must be added in ascending key order")
	ErrEmptyBuilder = errors.New("diskstore: no rows added")
	ErrPageOverflow = errors.New("diskstore: tuple does not fit on a page")
)

// pageImage is the mutable form a page takes before encoding and after
// decoding.
type pageImage struct {
	flags      uint16
	level      int
	prev, next btscan.BlockNumber
	lsn        btscan.LSN
	highKey    *btscan.Tuple
	tuples     []btscan.Tuple
}

func checksum(buf []byte) uint64 {
	return xxhash.Sum64(buf[:PageSize-checksumSize])
}

func encodeMeta(root btscan.BlockNumber, npages uint64) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], MagicNumber)
	binary.LittleEndian.PutUint16(buf[4:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:], PageSize)
	binary.LittleEndian.PutUint64(buf[12:], uint64(root))
	binary.LittleEndian.PutUint64(buf[20:], npages)
	binary.LittleEndian.PutUint64(buf[PageSize-checksumSize:], checksum(buf))
	return buf
}

func decodeMeta(buf []byte) (root btscan.BlockNumber, npages uint64, err error) {
	if len(buf) < PageSize {
		return 0, 0, ErrPageRange
	}
	if binary.LittleEndian.Uint64(buf[PageSize-checksumSize:]) != checksum(buf) {
		return 0, 0, ErrInvalidChecksum
	}
	if binary.LittleEndian.Uint32(buf[0:]) != MagicNumber {
		return 0, 0, ErrInvalidMagicNumber
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != FormatVersion {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	if ps := binary.LittleEndian.Uint32(buf[8:]); ps != PageSize {
		return 0, 0, fmt.Errorf("%w: file has %d", ErrInvalidPageSize, ps)
	}
	root = btscan.BlockNumber(binary.LittleEndian.Uint64(buf[12:]))
	npages = binary.LittleEndian.Uint64(buf[20:])
	return root, npages, nil
}

func encodePage(img *pageImage) ([]byte, error) {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(buf[0:], img.flags)
	binary.LittleEndian.PutUint16(buf[2:], uint16(img.level))
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(img.tuples)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(img.prev))
	binary.LittleEndian.PutUint64(buf[16:], uint64(img.next))
	binary.LittleEndian.PutUint64(buf[24:], uint64(img.lsn))

	off := pageHeaderSize
	if img.highKey != nil {
		hk := encodeTuple(*img.highKey)
		if len(hk) > int(^uint16(0)) {
			return nil, ErrPageOverflow
		}
		binary.LittleEndian.PutUint16(buf[6:], uint16(len(hk)))
		if off+len(hk) > PageSize-checksumSize {
			return nil, ErrPageOverflow
		}
		off += copy(buf[off:], hk)
	}
	for _, t := range img.tuples {
		enc := encodeTuple(t)
		if off+2+len(enc) > PageSize-checksumSize {
			return nil, ErrPageOverflow
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(enc)))
		off += 2
		off += copy(buf[off:], enc)
	}

	binary.LittleEndian.PutUint64(buf[PageSize-checksumSize:], checksum(buf))
	return buf, nil
}

func decodePage(buf []byte) (*pageImage, error) {
	if len(buf) < PageSize {
		return nil, ErrPageRange
	}
	if binary.LittleEndian.Uint64(buf[PageSize-checksumSize:]) != checksum(buf) {
		return nil, ErrInvalidChecksum
	}

	img := &pageImage{
		flags: binary.LittleEndian.Uint16(buf[0:]),
		level: int(binary.LittleEndian.Uint16(buf[2:])),
		prev:  btscan.BlockNumber(binary.LittleEndian.Uint64(buf[8:])),
		next:  btscan.BlockNumber(binary.LittleEndian.Uint64(buf[16:])),
		lsn:   btscan.LSN(binary.LittleEndian.Uint64(buf[24:])),
	}
	nitems := int(binary.LittleEndian.Uint16(buf[4:]))
	hkLen := int(binary.LittleEndian.Uint16(buf[6:]))

	// Length fields are untrusted even after the checksum passes; a file
	// written by something else can carry any bytes with a valid checksum.
	end := PageSize - checksumSize
	off := pageHeaderSize
	if hkLen > 0 {
		if off+hkLen > end {
			return nil, fmt.Errorf("%w: high key length %d", ErrPageCorrupt, hkLen)
		}
		hk, _, err := decodeTuple(buf[off : off+hkLen])
		if err != nil {
			return nil, err
		}
		img.highKey = &hk
		off += hkLen
	}
	img.tuples = make([]btscan.Tuple, 0, nitems)
	for i := 0; i < nitems; i++ {
		if off+2 > end {
			return nil, fmt.Errorf("%w: item %d past end of page", ErrPageCorrupt, i)
		}
		n := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+n > end {
			return nil, fmt.Errorf("%w: item %d length %d", ErrPageCorrupt, i, n)
		}
		t, _, err := decodeTuple(buf[off : off+n])
		if err != nil {
			return nil, err
		}
		img.tuples = append(img.tuples, t)
		off += n
	}
	return img, nil
}

func encodeTuple(t btscan.Tuple) []byte {
	size := 2
	for _, a := range t.Attrs {
		size++
		if !a.Null {
			size += 2 + len(a.Value)
		}
	}
	switch t.Kind {
	case btscan.TuplePlain:
		size += 10
	case btscan.TuplePivot:
		size += 18
	case btscan.TuplePosting:
		size += 2 + 10*len(t.Posting)
	}

	buf := make([]byte, size)
	buf[0] = byte(t.Kind)
	buf[1] = byte(len(t.Attrs))
	off := 2
	for _, a := range t.Attrs {
		if a.Null {
			buf[off] = 1
			off++
			continue
		}
		buf[off] = 0
		off++
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(a.Value)))
		off += 2
		off += copy(buf[off:], a.Value)
	}
	switch t.Kind {
	case btscan.TuplePlain:
		binary.LittleEndian.PutUint64(buf[off:], t.Heap.Block)
		binary.LittleEndian.PutUint16(buf[off+8:], t.Heap.Pos)
	case btscan.TuplePivot:
		// The locator slot is zero for the usual truncated pivot and
		// holds the first-right row locator when the boundary falls
		// inside a run of equal keys.
		binary.LittleEndian.PutUint64(buf[off:], uint64(t.Down))
		binary.LittleEndian.PutUint64(buf[off+8:], t.Heap.Block)
		binary.LittleEndian.PutUint16(buf[off+16:], t.Heap.Pos)
	case btscan.TuplePosting:
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(t.Posting)))
		off += 2
		for _, tid := range t.Posting {
			binary.LittleEndian.PutUint64(buf[off:], tid.Block)
			binary.LittleEndian.PutUint16(buf[off+8:], tid.Pos)
			off += 10
		}
	}
	return buf
}

func decodeTuple(buf []byte) (btscan.Tuple, int, error) {
	if len(buf) < 2 {
		return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
	}
	t := btscan.Tuple{Kind: btscan.TupleKind(buf[0])}
	nattrs := int(buf[1])
	off := 2
	for i := 0; i < nattrs; i++ {
		if off >= len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		if buf[off] == 1 {
			t.Attrs = append(t.Attrs, btscan.Datum{Null: true})
			off++
			continue
		}
		off++
		if off+2 > len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		n := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+n > len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		t.Attrs = append(t.Attrs, btscan.Datum{Value: append([]byte(nil), buf[off:off+n]...)})
		off += n
	}
	switch t.Kind {
	case btscan.TuplePlain:
		if off+10 > len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		t.Heap = btscan.TID{
			Block: binary.LittleEndian.Uint64(buf[off:]),
			Pos:   binary.LittleEndian.Uint16(buf[off+8:]),
		}
		off += 10
	case btscan.TuplePivot:
		if off+18 > len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		t.Down = btscan.BlockNumber(binary.LittleEndian.Uint64(buf[off:]))
		t.Heap = btscan.TID{
			Block: binary.LittleEndian.Uint64(buf[off+8:]),
			Pos:   binary.LittleEndian.Uint16(buf[off+16:]),
		}
		off += 18
	case btscan.TuplePosting:
		if off+2 > len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		n := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+10*n > len(buf) {
			return btscan.Tuple{}, 0, fmt.Errorf("%w: truncated tuple", ErrPageCorrupt)
		}
		for i := 0; i < n; i++ {
			t.Posting = append(t.Posting, btscan.TID{
				Block: binary.LittleEndian.Uint64(buf[off:]),
				Pos:   binary.LittleEndian.Uint16(buf[off+8:]),
			})
			off += 10
		}
	default:
		return btscan.Tuple{}, 0, fmt.Errorf("%w: unknown tuple kind %d", ErrPageCorrupt, buf[0])
	}
	return t, off, nil
}
