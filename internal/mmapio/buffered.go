package mmapio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	queuefs "github.com/corelane/eventqueue/pkg/fs"
)

// bufferedRegion is a Region backed by an in-process byte buffer that is
// read from and written to the file through a queuefs.FS, rather than a
// real memory mapping. This is the fallback for environments without mmap
// bindings: the on-disk layout is identical, only the access path differs,
// and the two-phase checkpoint marker sequence (the only durability-critical
// part) behaves the same either way.
//
// Going through queuefs.FS instead of the os package directly lets callers
// substitute queuefs.Crash in tests that exercise checkpoint durability
// under simulated faults.
type bufferedRegion struct {
	file queuefs.File
	data []byte
}

// OpenBuffered behaves like Open but never calls mmap: the whole region is
// read into memory up front and written back verbatim on Msync/Close. It
// operates on the real filesystem; use OpenBufferedFS to inject a
// queuefs.FS (a queuefs.Crash wrapper in tests).
func OpenBuffered(path string, slots int64) (Region, error) {
	return OpenBufferedFS(queuefs.NewReal(), path, slots)
}

// OpenBufferedFS is OpenBuffered parameterized over the filesystem
// implementation.
func OpenBufferedFS(fsys queuefs.FS, path string, slots int64) (Region, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("mmapio: slots must be positive, got %d", slots)
	}

	wantSize := slots * 8

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("mmapio: stat %s: %w", path, err)
	}

	if !exists {
		zeroed := make([]byte, wantSize)

		writer := queuefs.NewAtomicWriter(fsys)
		opts := queuefs.AtomicWriteOptions{SyncDir: true, Perm: 0o600}

		if err := writer.Write(path, bytes.NewReader(zeroed), opts); err != nil {
			return nil, fmt.Errorf("mmapio: initialize %s: %w", path, err)
		}
	}

	f, err := fsys.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapio: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("mmapio: stat %s: %w", path, err)
	}

	data := make([]byte, wantSize)

	switch size := info.Size(); {
	case size != wantSize:
		_ = f.Close()

		return nil, fmt.Errorf("mmapio: %s is %d bytes, want %d: %w", path, size, wantSize, ErrSizeMismatch)
	default:
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("mmapio: seek %s: %w", path, err)
		}

		if _, err := io.ReadFull(f, data); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("mmapio: read %s: %w", path, err)
		}
	}

	return &bufferedRegion{file: f, data: data}, nil
}

func (r *bufferedRegion) Slots() int64 { return int64(len(r.data) / 8) }

func (r *bufferedRegion) ReadUint64(slot int64) uint64 {
	off := slot * 8

	return uint64(r.data[off])<<56 | uint64(r.data[off+1])<<48 |
		uint64(r.data[off+2])<<40 | uint64(r.data[off+3])<<32 |
		uint64(r.data[off+4])<<24 | uint64(r.data[off+5])<<16 |
		uint64(r.data[off+6])<<8 | uint64(r.data[off+7])
}

func (r *bufferedRegion) WriteUint64(slot int64, v uint64) {
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

func (r *bufferedRegion) Msync() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("mmapio: seek: %w", err)
	}

	if _, err := r.file.Write(r.data); err != nil {
		return fmt.Errorf("mmapio: writeback: %w", err)
	}

	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("mmapio: fsync: %w", err)
	}

	return nil
}

func (r *bufferedRegion) Close() error {
	var writeErr error

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		writeErr = fmt.Errorf("mmapio: seek: %w", err)
	} else if _, err := r.file.Write(r.data); err != nil {
		writeErr = fmt.Errorf("mmapio: writeback: %w", err)
	}

	if err := r.file.Close(); err != nil {
		return fmt.Errorf("mmapio: close: %w", err)
	}

	return writeErr
}
