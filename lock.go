package blobkv

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/blobkv/blobkv/pkg/fs"
)

// Locking architecture, simplified for a single-writer-only store — there is
// no reader lock mode here:
//
//  1. Store.mu — per-handle closed state.
//  2. fileRegistryEntry — per-file in-process guard: a second Open of an
//     already-open file in this process fails fast with ErrLocked instead
//     of racing on the same mmap.
//  3. interprocess flock — advisory lock file at Path+".lock", held for the
//     lifetime of the Store, excludes other processes.

var fileRegistry sync.Map // map[fileIdentity]*fileRegistryEntry

var fsLocker = fs.NewLocker(fs.NewReal())

// fileIdentity uniquely identifies a file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// fileRegistryEntry tracks in-process open state shared across all Store
// handles backed by the same file.
type fileRegistryEntry struct {
	openCount atomic.Int32
}

func acquireProcessLock(id fileIdentity) (*fileRegistryEntry, bool) {
	for {
		val, loaded := fileRegistry.Load(id)
		if !loaded {
			entry := &fileRegistryEntry{}
			entry.openCount.Store(1)

			actual, loaded := fileRegistry.LoadOrStore(id, entry)
			if !loaded {
				return entry, true
			}

			val = actual
		}

		entry, ok := val.(*fileRegistryEntry)
		if !ok {
			fileRegistry.CompareAndDelete(id, val)
			continue
		}

		// Already open in this process: a second Open is a conflict,
		// mirroring the cross-process flock failure mode.
		if entry.openCount.Load() > 0 {
			return nil, false
		}

		fileRegistry.CompareAndDelete(id, val)
	}
}

func releaseProcessLock(id fileIdentity) {
	val, ok := fileRegistry.Load(id)
	if !ok {
		return
	}

	entry, ok := val.(*fileRegistryEntry)
	if !ok {
		fileRegistry.CompareAndDelete(id, val)
		return
	}

	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}

// acquireWriteLock acquires the exclusive interprocess lock at path+".lock",
// non-blocking: another writer already holding it surfaces as ErrLocked.
func acquireWriteLock(path string) (*fs.Lock, error) {
	lockPath := path + ".lock"

	lk, err := fsLocker.TryLock(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrLocked
		}

		return nil, fmt.Errorf("acquire writer lock: %w: %w", ErrIo, err)
	}

	return lk, nil
}

func releaseWriteLock(lk *fs.Lock) {
	if lk == nil {
		return
	}

	_ = lk.Close()
}

func getFileIdentity(fd int) (fileIdentity, error) {
	var stat syscall.Stat_t

	if err := syscall.Fstat(fd, &stat); err != nil {
		return fileIdentity{}, fmt.Errorf("stat: %w: %w", ErrIo, err)
	}

	return fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}
