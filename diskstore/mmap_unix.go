// mmap_unix.go
//go:build linux || darwin

package diskstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapBackend serves blocks out of a read-only memory mapping.
type mmapBackend struct {
	file *os.File
	data []byte
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

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &mmapBackend{file: file, data: data}, nil
}

func (m *mmapBackend) readBlock(block uint64, buf []byte) error {
	offset := int64(block) * PageSize
	if offset+PageSize > int64(len(m.data)) {
		return fmt.Errorf("%w: block %d", ErrPageRange, block)
	}
	// Copy out of the mapping so decoded pages never alias file memory.
	copy(buf, m.data[offset:offset+PageSize])
	return nil
}

func (m *mmapBackend) size() int64 {
	return int64(len(m.data))
}

func (m *mmapBackend) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	return m.file.Close()
}
