// Package indexqueue implements the persistent index queue: a fixed-capacity
// circular array of event pointers backed by a memory-mapped file, with a
// versioned header and a two-phase checkpoint protocol.
//
// An IndexQueue is mutated by a single logical writer; all mutating
// operations and checkpoint are serialized under one exclusive lock. It is
// not safe to share one *IndexQueue across processes.
package indexqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/corelane/eventqueue/internal/mmapio"
	"github.com/corelane/eventqueue/pkg/oracle"
	"github.com/corelane/eventqueue/pkg/walrecord"
)

// RegionOpener constructs the mmapio.Region backing a checkpoint file.
// Callers substitute mmapio.OpenBuffered to use the same format without a
// real memory mapping; leaving it nil selects mmapio.Open.
type RegionOpener func(path string, slots int64) (mmapio.Region, error)

// Options configures Open.
type Options struct {
	// Path is the checkpoint file's path. Created if absent.
	Path string

	// Capacity is the ring's fixed slot count. Immutable after creation;
	// opening an existing file with a different capacity fails with
	// ErrCapacityMismatch.
	Capacity uint64

	// WriteOrderOracle supplies the WRITE_ORDER_ID stamped into the header
	// at each checkpoint. Required.
	WriteOrderOracle *oracle.Sequence

	// OpenRegion overrides how the backing region is opened. Defaults to
	// mmapio.Open.
	OpenRegion RegionOpener
}

// IndexQueue is a fixed-capacity, mmap-backed circular queue of
// walrecord.Pointer values.
type IndexQueue struct {
	mu sync.Mutex

	region   mmapio.Region
	path     string
	capacity int64

	writeOrderOracle *oracle.Sequence

	// Live state, authoritative between checkpoints. The mapped region
	// only reflects the last *completed* checkpoint until the next
	// checkpoint call drains these back into it.
	head         int64
	size         int64
	writeOrderID uint64 // value as of the last completed checkpoint
	activeFiles  *ActiveFileTable
	ring         []walrecord.Pointer // len == capacity, mirrors physical slots

	dirtyRingSlots map[int64]struct{} // physical slot indices changed since last checkpoint
	dirty          bool               // any mutation (ring, size, head, active table) since last checkpoint

	closed bool
}

// Open opens an existing checkpoint file or creates a new one.
//
// Possible errors: ErrCapacityMismatch, ErrIncompatibleVersion, ErrCorrupt
// (including a CHECKPOINT_MARKER left at "in progress" — the operator must
// delete the file and let replay rebuild it), or a wrapped I/O error.
func Open(opts Options) (*IndexQueue, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("indexqueue: path is required")
	}

	if opts.Capacity == 0 {
		return nil, fmt.Errorf("indexqueue: capacity must be >= 1")
	}

	if opts.WriteOrderOracle == nil {
		return nil, fmt.Errorf("indexqueue: WriteOrderOracle is required")
	}

	opener := opts.OpenRegion
	if opener == nil {
		opener = mmapio.Open
	}

	region, err := opener(opts.Path, FileSlots(opts.Capacity))
	if errors.Is(err, mmapio.ErrSizeMismatch) {
		return nil, fmt.Errorf("indexqueue: open %s: %w: %w", opts.Path, ErrCapacityMismatch, err)
	}

	if err != nil {
		return nil, fmt.Errorf("indexqueue: open %s: %w", opts.Path, err)
	}

	q := &IndexQueue{
		region:           region,
		path:             opts.Path,
		capacity:         int64(opts.Capacity),
		writeOrderOracle: opts.WriteOrderOracle,
		ring:             make([]walrecord.Pointer, opts.Capacity),
		dirtyRingSlots:   make(map[int64]struct{}),
	}

	if isFreshlyZeroed(region) {
		q.activeFiles = newActiveFileTable()
		region.WriteUint64(slotVersion, formatVersion)

		if err := region.Msync(); err != nil {
			_ = region.Close()

			return nil, fmt.Errorf("indexqueue: initialize %s: %w", opts.Path, err)
		}

		return q, nil
	}

	if err := q.loadExisting(); err != nil {
		_ = region.Close()

		return nil, err
	}

	return q, nil
}

// isFreshlyZeroed reports whether the region has never been written to —
// i.e. this is a brand new file, not one a prior process opened and wrote
// to. VERSION is the first field ever written (even before the first
// checkpoint), so a zero VERSION means "new file".
func isFreshlyZeroed(region mmapio.Region) bool {
	return region.ReadUint64(slotVersion) == 0
}

// loadExisting validates an existing checkpoint file's header and loads its
// last complete checkpoint into memory.
func (q *IndexQueue) loadExisting() error {
	version := q.region.ReadUint64(slotVersion)
	if version != formatVersion {
		return fmt.Errorf("indexqueue: %s has version %d, want %d: %w", q.path, version, formatVersion, ErrIncompatibleVersion)
	}

	if q.region.Slots() != FileSlots(uint64(q.capacity)) {
		return fmt.Errorf("indexqueue: %s: %w", q.path, ErrCapacityMismatch)
	}

	if marker := q.region.ReadUint64(slotCheckpointMarker); marker != checkpointComplete {
		return fmt.Errorf("indexqueue: %s left mid-checkpoint (delete and let replay rebuild it): %w", q.path, ErrCorrupt)
	}

	q.writeOrderID = q.region.ReadUint64(slotWriteOrderID)
	q.size = int64(q.region.ReadUint64(slotSize))
	q.head = int64(q.region.ReadUint64(slotHead))

	if q.size < 0 || q.size > q.capacity || q.head < 0 || q.head >= q.capacity {
		return fmt.Errorf("indexqueue: %s has invalid size/head (size=%d head=%d capacity=%d): %w", q.path, q.size, q.head, q.capacity, ErrCorrupt)
	}

	q.activeFiles = newActiveFileTable()

	for i := int64(0); i < MaxActiveLogs; i++ {
		raw := q.region.ReadUint64(int64(activeLogSlotsStart) + i)
		if raw == 0 {
			continue
		}

		fileID, refcount := decodeActiveLogSlot(raw)
		if refcount == 0 {
			return fmt.Errorf("indexqueue: %s has active-log slot for fileID %d with zero refcount: %w", q.path, fileID, ErrCorrupt)
		}

		q.activeFiles.refcounts[fileID] = refcount
	}

	for i := int64(0); i < q.capacity; i++ {
		q.ring[i] = walrecord.Pointer(q.region.ReadUint64(int64(HeaderSlots) + i))
	}

	if err := q.validateRingAgainstActiveFiles(); err != nil {
		return err
	}

	return nil
}

// validateRingAgainstActiveFiles checks the invariant that every non-zero
// ring slot's fileID has a matching ActiveFileTable entry, and that every
// ActiveFileTable refcount equals the number of matching ring slots.
func (q *IndexQueue) validateRingAgainstActiveFiles() error {
	counted := make(map[uint32]uint32)

	for i := int64(0); i < q.size; i++ {
		ptr := q.ring[q.physIndex(q.head+i)]
		if ptr.IsZero() {
			return fmt.Errorf("indexqueue: %s has a zero pointer inside the live range: %w", q.path, ErrCorrupt)
		}

		counted[ptr.FileID()]++
	}

	for id, count := range counted {
		if q.activeFiles.Refcount(id) != count {
			return fmt.Errorf("indexqueue: %s active-file refcount for fileID %d is %d, ring has %d: %w",
				q.path, id, q.activeFiles.Refcount(id), count, ErrCorrupt)
		}
	}

	if q.activeFiles.Len() != len(counted) {
		return fmt.Errorf("indexqueue: %s active-file table has stale entries not present in the ring: %w", q.path, ErrCorrupt)
	}

	return nil
}

// physIndex maps a (possibly out-of-range or negative) logical offset from
// slot 0 into a valid physical ring index, wrapping modulo capacity.
func (q *IndexQueue) physIndex(x int64) int64 {
	m := x % q.capacity
	if m < 0 {
		m += q.capacity
	}

	return m
}

func (q *IndexQueue) setRing(phys int64, v walrecord.Pointer) {
	q.ring[phys] = v
	q.dirtyRingSlots[phys] = struct{}{}
}

// AddHead inserts ptr at the logical front of the queue. Returns false iff
// the queue is at capacity.
func (q *IndexQueue) AddHead(ptr walrecord.Pointer) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	return q.insertAt(0, ptr)
}

// AddTail inserts ptr at the logical back of the queue. Returns false iff
// the queue is at capacity.
func (q *IndexQueue) AddTail(ptr walrecord.Pointer) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	return q.insertAt(q.size, ptr)
}

// RemoveHead removes and returns the logical front element. ok is false iff
// the queue is empty.
func (q *IndexQueue) RemoveHead() (ptr walrecord.Pointer, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, false, ErrClosed
	}

	if q.size == 0 {
		return 0, false, nil
	}

	return q.removeAt(0), true, nil
}

// Remove scans the live slots for the first occurrence of ptr and removes
// it. Returns false if ptr is not present. O(size): only used on the
// recovery path and pending-take reconciliation.
func (q *IndexQueue) Remove(ptr walrecord.Pointer) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	for i := int64(0); i < q.size; i++ {
		if q.ring[q.physIndex(q.head+i)] == ptr {
			q.removeAt(i)

			return true, nil
		}
	}

	return false, nil
}

// FileIDs returns the ordered set of fileIDs with a live refcount > 0.
func (q *IndexQueue) FileIDs() ([]uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	return q.activeFiles.FileIDs(), nil
}

// Size returns the current logical size.
func (q *IndexQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

// Capacity returns the fixed ring capacity.
func (q *IndexQueue) Capacity() int64 {
	return q.capacity
}

// Head returns the current physical head index.
func (q *IndexQueue) Head() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.head
}

// WriteOrderID returns the WRITE_ORDER_ID recorded as of the last completed
// checkpoint (exposed upward as logWriteOrderID).
func (q *IndexQueue) WriteOrderID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.writeOrderID
}

// RingSlots returns a snapshot of every physical ring slot in storage order
// (index 0 is not necessarily the logical head — see Head). Zero entries are
// unoccupied. Intended for the operator CLI and tests; not used by any
// mutating path.
func (q *IndexQueue) RingSlots() ([]walrecord.Pointer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	out := make([]walrecord.Pointer, len(q.ring))
	copy(out, q.ring)

	return out, nil
}

// Refcount returns the ring's live slot count for fileID (0 if not active).
func (q *IndexQueue) Refcount(fileID uint32) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	return q.activeFiles.Refcount(fileID), nil
}

// insertAt inserts ptr at logical index i, choosing the cheaper of
// shift-left-and-grow-head or shift-right.
func (q *IndexQueue) insertAt(i int64, ptr walrecord.Pointer) (bool, error) {
	if q.size == q.capacity {
		return false, nil
	}

	if i <= q.size/2 {
		newHead := q.physIndex(q.head - 1)

		for j := int64(0); j < i; j++ {
			v := q.ring[q.physIndex(q.head+j)]
			q.setRing(q.physIndex(newHead+j), v)
		}

		q.setRing(q.physIndex(newHead+i), ptr)
		q.head = newHead
	} else {
		for j := q.size; j > i; j-- {
			v := q.ring[q.physIndex(q.head+j-1)]
			q.setRing(q.physIndex(q.head+j), v)
		}

		q.setRing(q.physIndex(q.head+i), ptr)
	}

	q.size++

	if err := q.activeFiles.Increment(ptr.FileID()); err != nil {
		panic(fmt.Sprintf("indexqueue: %v", err))
	}

	q.dirty = true

	return true, nil
}

// removeAt removes and returns the element at logical index i, choosing the
// cheaper of shift-right-and-shrink-head or shift-left.
func (q *IndexQueue) removeAt(i int64) walrecord.Pointer {
	removed := q.ring[q.physIndex(q.head+i)]

	if i <= q.size/2 {
		for j := i - 1; j >= 0; j-- {
			v := q.ring[q.physIndex(q.head+j)]
			q.setRing(q.physIndex(q.head+j+1), v)
		}

		q.setRing(q.head, 0)
		q.head = q.physIndex(q.head + 1)
	} else {
		for j := i + 1; j < q.size; j++ {
			v := q.ring[q.physIndex(q.head+j)]
			q.setRing(q.physIndex(q.head+j-1), v)
		}

		q.setRing(q.physIndex(q.head+q.size-1), 0)
	}

	q.size--
	q.activeFiles.Decrement(removed.FileID())
	q.dirty = true

	return removed
}

// Checkpoint runs the two-phase checkpoint protocol. If no
// mutation has happened since the last checkpoint and force is false, it
// returns false without touching the file.
func (q *IndexQueue) Checkpoint(force bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	if !q.dirty && !force {
		return false, nil
	}

	// Step 2: mark in progress.
	q.region.WriteUint64(slotCheckpointMarker, checkpointInProgress)

	// Step 3: refresh WRITE_ORDER_ID, SIZE, HEAD.
	q.writeOrderID = q.writeOrderOracle.Next()
	q.region.WriteUint64(slotWriteOrderID, q.writeOrderID)
	q.region.WriteUint64(slotSize, uint64(q.size))
	q.region.WriteUint64(slotHead, uint64(q.head))

	// Step 4: serialize the ActiveFileTable, zeroing unused slots.
	ids := q.activeFiles.FileIDs()
	for i := int64(0); i < MaxActiveLogs; i++ {
		slot := int64(activeLogSlotsStart) + i

		if i < int64(len(ids)) {
			id := ids[i]
			q.region.WriteUint64(slot, encodeActiveLogSlot(id, q.activeFiles.Refcount(id)))
		} else {
			q.region.WriteUint64(slot, 0)
		}
	}

	// Step 5: drain the ring overlay into the mapped region in one pass.
	for phys := range q.dirtyRingSlots {
		q.region.WriteUint64(int64(HeaderSlots)+phys, uint64(q.ring[phys]))
	}

	q.dirtyRingSlots = make(map[int64]struct{})

	// Step 6: mark complete.
	q.region.WriteUint64(slotCheckpointMarker, checkpointComplete)

	// Step 7: force to stable storage.
	if err := q.region.Msync(); err != nil {
		return false, fmt.Errorf("indexqueue: checkpoint %s: %w", q.path, err)
	}

	q.dirty = false

	return true, nil
}

// Close releases the mapping and file handle. A final checkpoint is
// recommended but not required for correctness if the last checkpoint was
// complete; callers that want a durable final state should call
// Checkpoint(true) before Close.
func (q *IndexQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true

	if err := q.region.Close(); err != nil {
		return fmt.Errorf("indexqueue: close %s: %w", q.path, err)
	}

	return nil
}
