// Package replay implements the write-ahead log replay engine: it merges
// records across multiple log files in global write order and mutates an
// IndexQueue so that, on return, the queue holds exactly the set of
// committed, untaken pointers.
package replay

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/corelane/eventqueue/pkg/indexqueue"
	"github.com/corelane/eventqueue/pkg/oracle"
	"github.com/corelane/eventqueue/pkg/walrecord"
)

// ErrUnknownRecordType is fatal: the log stream carries a record type this
// build does not understand, meaning the data on disk is incompatible with
// this version.
var ErrUnknownRecordType = errors.New("replay: unknown record type")

// Options configures a single replay pass.
type Options struct {
	// Queue is mutated in place by Replay. Replay is not safe to call
	// concurrently with any other operation on Queue (replay runs
	// single-threaded, before the queue is visible to other actors).
	Queue *indexqueue.IndexQueue

	// Readers is the set of log files to merge, one Reader per file. Order
	// does not matter in the default (v2) mode: the global merge by
	// WriteOrderID makes the result independent of enumeration order. In
	// Legacy mode, Readers are processed in the given order.
	Readers []walrecord.Reader

	// Oracles are seeded with every transactionID/logWriteOrderID observed
	// in the stream, so that any ID minted afterward strictly exceeds every
	// ID ever persisted.
	Oracles *oracle.Oracles

	// Legacy enables the deprecated single-pass-per-file replay mode,
	// retained for forward compatibility with old logs that did not record
	// write-order IDs correctly. New channels should leave this false.
	Legacy bool

	// Warn receives non-fatal operator-facing messages (a truncated log
	// file, a non-empty pendingTakes set at end of replay). Defaults to a
	// no-op if nil — this module carries no logging dependency, surfacing
	// such conditions as values instead.
	Warn func(string)
}

// Report summarizes one Replay call.
type Report struct {
	// RecordsApplied counts records with WriteOrderID > the queue's last
	// checkpoint that were folded into pending/the queue.
	RecordsApplied int

	// RecordsSkipped counts records at or before the last checkpoint, which
	// SkipToLastCheckpointPosition fast-forwarded past without ever
	// reaching Replay's per-record handling.
	RecordsSkipped int

	// TruncatedLogs counts log files whose reader hit a truncated or
	// otherwise malformed trailing record. This is non-fatal.
	TruncatedLogs int

	// PendingTakes is the set of pointers that were committed as TAKEs
	// whose corresponding PUT was never committed anywhere in the stream —
	// a user-visible anomaly (possible downstream duplicates), not a
	// failure.
	PendingTakes []walrecord.Pointer
}

// state is the per-transaction staging area and the Replay instance's
// working set, shared across whichever merge strategy is in use.
type state struct {
	queue        *indexqueue.IndexQueue
	oracles      *oracle.Oracles
	lastCkpt     uint64
	warn         func(string)
	pending      map[uint64][]walrecord.Pointer
	pendingTakes []walrecord.Pointer
	applied      int
	skipped      int
	truncated    int
}

// Replay runs the configured merge strategy to completion and returns a
// Report. All readers are closed on every exit path, including a fatal
// error return.
func Replay(opts Options) (Report, error) {
	if opts.Queue == nil {
		return Report{}, fmt.Errorf("replay: Queue is required")
	}

	if opts.Oracles == nil {
		return Report{}, fmt.Errorf("replay: Oracles is required")
	}

	warn := opts.Warn
	if warn == nil {
		warn = func(string) {}
	}

	st := &state{
		queue:    opts.Queue,
		oracles:  opts.Oracles,
		lastCkpt: opts.Queue.WriteOrderID(),
		warn:     warn,
		pending:  make(map[uint64][]walrecord.Pointer),
	}

	var err error
	if opts.Legacy {
		err = st.replayLegacy(opts.Readers)
	} else {
		err = st.replayMerged(opts.Readers)
	}

	report := Report{
		RecordsApplied: st.applied,
		RecordsSkipped: st.skipped,
		TruncatedLogs:  st.truncated,
		PendingTakes:   st.pendingTakes,
	}

	if err != nil {
		return report, err
	}

	if len(st.pendingTakes) > 0 {
		warn(fmt.Sprintf("replay: %d committed take(s) reference puts that were never committed; downstream duplicates are possible", len(st.pendingTakes)))
	}

	return report, nil
}

// headEntry is one live reader's current head record, the unit the merge
// heap orders on.
type headEntry struct {
	reader walrecord.Reader
	rec    walrecord.Record
}

// mergeHeap orders headEntry by WriteOrderID ascending; ties (which the
// oracle's monotonicity should make impossible) break by fileID then
// pointer, for determinism.
type mergeHeap []headEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rec.WriteOrderID != b.rec.WriteOrderID {
		return a.rec.WriteOrderID < b.rec.WriteOrderID
	}

	if a.reader.LogFileID() != b.reader.LogFileID() {
		return a.reader.LogFileID() < b.reader.LogFileID()
	}

	return a.rec.Pointer < b.rec.Pointer
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(headEntry)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// replayMerged is the v2 strategy: a k-way merge across all readers,
// ordered by global WriteOrderID, so that a take's commit observed in a
// different (or earlier-enumerated) log than its put's commit is still
// reconciled correctly — the key difference from the deprecated v1 mode.
func (st *state) replayMerged(readers []walrecord.Reader) error {
	h := make(mergeHeap, 0, len(readers))

	closeAll := func(live []walrecord.Reader) {
		for _, r := range live {
			_ = r.Close()
		}
	}

	var liveReaders []walrecord.Reader

	for i, r := range readers {
		skipped, err := r.SkipToLastCheckpointPosition(st.lastCkpt)
		if err != nil {
			closeAll(liveReaders)
			closeAll(readers[i:])

			return fmt.Errorf("replay: log %d: skip to checkpoint: %w", r.LogFileID(), err)
		}

		st.skipped += skipped

		rec, ok, err := r.Next()
		if err != nil {
			closeAll(liveReaders)
			closeAll(readers[i:])

			return fmt.Errorf("replay: log %d: %w", r.LogFileID(), err)
		}

		if !ok {
			if rerr := r.Err(); rerr != nil {
				st.warn(fmt.Sprintf("replay: log %d: %v", r.LogFileID(), rerr))
				st.truncated++
			}

			_ = r.Close()

			continue
		}

		liveReaders = append(liveReaders, r)
		heap.Push(&h, headEntry{reader: r, rec: rec})
	}

	for h.Len() > 0 {
		top := heap.Pop(&h).(headEntry)

		if err := st.apply(top.rec); err != nil {
			closeAll(liveReaders)

			return err
		}

		st.applied++

		rec, ok, err := top.reader.Next()
		if err != nil {
			closeAll(liveReaders)

			return fmt.Errorf("replay: log %d: %w", top.reader.LogFileID(), err)
		}

		if !ok {
			if rerr := top.reader.Err(); rerr != nil {
				st.warn(fmt.Sprintf("replay: log %d: %v", top.reader.LogFileID(), rerr))
				st.truncated++
			}

			_ = top.reader.Close()

			continue
		}

		heap.Push(&h, headEntry{reader: top.reader, rec: rec})
	}

	return nil
}

// replayLegacy is the deprecated v1 strategy: each log is replayed
// end-to-end independently, in the given order, with pendingTakes
// accumulating across files. Retained only for forward compatibility with
// old logs that predate correct write-order IDs.
func (st *state) replayLegacy(readers []walrecord.Reader) error {
	for i, r := range readers {
		if err := st.replayOneLegacy(r); err != nil {
			for _, rest := range readers[i+1:] {
				_ = rest.Close()
			}

			return err
		}
	}

	return nil
}

func (st *state) replayOneLegacy(r walrecord.Reader) error {
	defer r.Close()

	skipped, err := r.SkipToLastCheckpointPosition(st.lastCkpt)
	if err != nil {
		return fmt.Errorf("replay: log %d: skip to checkpoint: %w", r.LogFileID(), err)
	}

	st.skipped += skipped

	for {
		rec, ok, err := r.Next()
		if err != nil {
			return fmt.Errorf("replay: log %d: %w", r.LogFileID(), err)
		}

		if !ok {
			if rerr := r.Err(); rerr != nil {
				st.warn(fmt.Sprintf("replay: log %d: %v", r.LogFileID(), rerr))
				st.truncated++
			}

			return nil
		}

		if err := st.apply(rec); err != nil {
			return err
		}

		st.applied++
	}
}

// apply is the per-record handling shared by both replay strategies. It
// also folds rec's transactionID/writeOrderID into the oracles.
func (st *state) apply(rec walrecord.Record) error {
	st.oracles.TransactionID.SetSeed(rec.TransactionID)
	st.oracles.WriteOrderID.SetSeed(rec.WriteOrderID)

	switch rec.Type {
	case walrecord.RecordPut:
		st.pending[rec.TransactionID] = append(st.pending[rec.TransactionID], rec.Pointer)

	case walrecord.RecordTake:
		st.pending[rec.TransactionID] = append(st.pending[rec.TransactionID], rec.Pointer)

	case walrecord.RecordRollback:
		delete(st.pending, rec.TransactionID)

	case walrecord.RecordCommit:
		return st.applyCommit(rec)

	default:
		return fmt.Errorf("replay: record type %v: %w", rec.Type, ErrUnknownRecordType)
	}

	return nil
}

func (st *state) applyCommit(rec walrecord.Record) error {
	ptrs := st.pending[rec.TransactionID]
	delete(st.pending, rec.TransactionID)

	switch rec.Committed {
	case walrecord.CommittedPut:
		for _, p := range ptrs {
			ok, err := st.queue.AddTail(p)
			if err != nil {
				return fmt.Errorf("replay: commit-put txn %d: %w", rec.TransactionID, err)
			}

			if !ok {
				panic(fmt.Sprintf("replay: invariant violated: addTail failed replaying commit-put for txn %d pointer %v", rec.TransactionID, p))
			}

			if idx := indexOfPointer(st.pendingTakes, p); idx >= 0 {
				removed, err := st.queue.Remove(p)
				if err != nil {
					return fmt.Errorf("replay: reconcile pending take for %v: %w", p, err)
				}

				if !removed {
					panic(fmt.Sprintf("replay: invariant violated: addTail succeeded but remove failed reconciling pending take %v", p))
				}

				st.pendingTakes = append(st.pendingTakes[:idx], st.pendingTakes[idx+1:]...)
			}
		}

	case walrecord.CommittedTake:
		for _, p := range ptrs {
			removed, err := st.queue.Remove(p)
			if err != nil {
				return fmt.Errorf("replay: commit-take txn %d: %w", rec.TransactionID, err)
			}

			if !removed {
				st.pendingTakes = append(st.pendingTakes, p)
			}
		}

	default:
		return fmt.Errorf("replay: committed type %v: %w", rec.Committed, ErrUnknownRecordType)
	}

	return nil
}

func indexOfPointer(ptrs []walrecord.Pointer, p walrecord.Pointer) int {
	for i, v := range ptrs {
		if v == p {
			return i
		}
	}

	return -1
}
