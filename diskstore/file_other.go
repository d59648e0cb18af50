// file_other.go
//go:build !linux && !darwin

package diskstore

import (
	"fmt"
	"os"
)

// On platforms without mmap support the backend falls back to pread.
type fileBackend struct {
	file  *os.File
	bytes int64
}

func openBackend(path string) (backend, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := info.Size()
	if size == 0 || size%PageSize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: file size %d", ErrInvalidPageSize, size)
	}
	return &fileBackend{file: file, bytes: size}, nil
}

func (f *fileBackend) readBlock(block uint64, buf []byte) error {
	offset := int64(block) * PageSize
	if offset+PageSize > f.bytes {
		return fmt.Errorf("%w: block %d", ErrPageRange, block)
	}
	_, err := f.file.ReadAt(buf[:PageSize], offset)
	return err
}

func (f *fileBackend) size() int64 {
	return f.bytes
}

func (f *fileBackend) Close() error {
	return f.file.Close()
}
