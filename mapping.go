package blobkv

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	var x uint32 = 1
	isLittleEndian := (*(*[4]byte)(unsafe.Pointer(&x)))[0] == 1
	if !isLittleEndian {
		panic("blobkv: this package requires a little-endian architecture")
	}
}

// mapping owns the memory-mapped view of the backing file. It is the only
// path to file contents; resizing unmaps, truncates, and remaps,
// invalidating every prior slice into the mapping (callers must quiesce
// first, which Store guarantees by construction since it's single-writer).
type mapping struct {
	file     *os.File
	data     []byte // the full mmap'd region
	writable bool
}

func openMapping(file *os.File, length int64, writable bool) (*mapping, error) {
	m := &mapping{file: file, writable: writable}
	if err := m.mmap(length); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *mapping) mmap(length int64) error {
	if length == 0 {
		m.data = nil
		return nil
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w: %w", ErrIo, err)
	}

	m.data = data
	return nil
}

func (m *mapping) munmap() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("munmap: %w: %w", ErrIo, err)
	}
	return nil
}

// resize changes the backing file's length and remaps it. Every slice
// previously returned from Bytes() becomes invalid; Store enforces this via
// its generation counter.
func (m *mapping) resize(newLength int64) error {
	if err := m.munmap(); err != nil {
		return err
	}

	if err := m.file.Truncate(newLength); err != nil {
		return fmt.Errorf("truncate: %w: %w", ErrIo, err)
	}

	return m.mmap(newLength)
}

// flush commits dirty pages to disk via msync, then fsync for good measure.
func (m *mapping) flush() error {
	if len(m.data) > 0 {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("msync: %w: %w", ErrIo, err)
		}
	}

	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("fsync: %w: %w", ErrIo, err)
	}

	return nil
}

func (m *mapping) len() int64 {
	return int64(len(m.data))
}

func (m *mapping) close() error {
	if err := m.munmap(); err != nil {
		return err
	}
	return m.file.Close()
}
