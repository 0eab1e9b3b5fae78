// Package mmapio is the narrow boundary between the index queue's durability
// core and raw OS memory-mapping calls: a small interface the core depends
// on, with a real x/sys/unix-backed implementation and a buffered
// seek-then-read/write fallback for platforms (or tests) without direct mmap
// bindings.
package mmapio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrSizeMismatch is returned by Open when an existing file's size does not
// match the caller-requested size (capacity cannot be changed after
// creation).
var ErrSizeMismatch = errors.New("mmapio: file size does not match requested size")

// Region is a fixed-size, slot-addressed view over a file: one contiguous
// array of 64-bit big-endian integers, the on-disk layout this module mandates
// for the index queue. Slot 0 is the first 8 bytes of the file.
type Region interface {
	// ReadUint64 returns the big-endian uint64 stored at the given slot.
	ReadUint64(slot int64) uint64

	// WriteUint64 stores v as big-endian at the given slot. The write is
	// visible to other readers of the mapping immediately (MAP_SHARED) but
	// is not guaranteed durable until Msync.
	WriteUint64(slot int64, v uint64)

	// Msync forces the mapping to stable storage (msync(2) with MS_SYNC).
	Msync() error

	// Close unmaps the region and closes the underlying file descriptor.
	Close() error

	// Slots returns the number of 8-byte slots in the region.
	Slots() int64
}

// mmapRegion is the production Region backed by a real memory mapping.
type mmapRegion struct {
	file *os.File
	data []byte // len(data) == slots*8, mmap'd MAP_SHARED
}

// Open opens (creating if absent) a file at path sized exactly
// slots*8 bytes, and maps it MAP_SHARED|PROT_READ|PROT_WRITE.
//
// If the file already exists, its size must equal slots*8; otherwise
// ErrSizeMismatch is returned ("capacity cannot be changed").
func Open(path string, slots int64) (Region, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("mmapio: slots must be positive, got %d", slots)
	}

	wantSize := slots * 8

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapio: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("mmapio: stat %s: %w", path, err)
	}

	switch size := info.Size(); {
	case size == 0:
		if err := f.Truncate(wantSize); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("mmapio: truncate %s: %w", path, err)
		}
	case size != wantSize:
		_ = f.Close()

		return nil, fmt.Errorf("mmapio: %s is %d bytes, want %d: %w", path, size, wantSize, ErrSizeMismatch)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(wantSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("mmapio: mmap %s: %w", path, err)
	}

	return &mmapRegion{file: f, data: data}, nil
}

func (r *mmapRegion) Slots() int64 { return int64(len(r.data) / 8) }

func (r *mmapRegion) ReadUint64(slot int64) uint64 {
	off := slot * 8

	return uint64(r.data[off])<<56 | uint64(r.data[off+1])<<48 |
		uint64(r.data[off+2])<<40 | uint64(r.data[off+3])<<32 |
		uint64(r.data[off+4])<<24 | uint64(r.data[off+5])<<16 |
		uint64(r.data[off+6])<<8 | uint64(r.data[off+7])
}

func (r *mmapRegion) WriteUint64(slot int64, v uint64) {
	off := slot * 8
	r.data[off] = byte(v >> 56)
	r.data[off+1] = byte(v >> 48)
	r.data[off+2] = byte(v >> 40)
	r.data[off+3] = byte(v >> 32)
	r.data[off+4] = byte(v >> 24)
	r.data[off+5] = byte(v >> 16)
	r.data[off+6] = byte(v >> 8)
	r.data[off+7] = byte(v)
}

func (r *mmapRegion) Msync() error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapio: msync: %w", err)
	}

	return nil
}

func (r *mmapRegion) Close() error {
	err := unix.Munmap(r.data)
	r.data = nil

	closeErr := r.file.Close()
	if err != nil {
		return fmt.Errorf("mmapio: munmap: %w", err)
	}

	if closeErr != nil {
		return fmt.Errorf("mmapio: close: %w", closeErr)
	}

	return nil
}
