// Package walrecord defines the wire shape the replay engine consumes from
// the write-ahead log, and the narrow reader interface the log-file writer
// (an external collaborator, out of scope for this module) must satisfy.
package walrecord

import "fmt"

// Pointer is an immutable 64-bit value identifying an event's location in a
// log file: the high 32 bits are the fileID, the low 32 bits are the byte
// offset within that file. The zero value is reserved as "empty slot" and
// must never be a valid pointer.
type Pointer uint64

// NewPointer packs a fileID and offset into a Pointer.
func NewPointer(fileID, offset uint32) Pointer {
	return Pointer(uint64(fileID)<<32 | uint64(offset))
}

// FileID returns the high 32 bits.
func (p Pointer) FileID() uint32 { return uint32(p >> 32) }

// Offset returns the low 32 bits.
func (p Pointer) Offset() uint32 { return uint32(p) }

// IsZero reports whether p is the reserved empty-slot sentinel.
func (p Pointer) IsZero() bool { return p == 0 }

func (p Pointer) String() string {
	return fmt.Sprintf("(fileID=%d, offset=%d)", p.FileID(), p.Offset())
}

// RecordType discriminates the four kinds of records a log stream carries.
type RecordType uint8

const (
	// RecordPut stages the event at the record's own (fileID, offset).
	RecordPut RecordType = iota + 1
	// RecordTake stages the pointer of a previously put event.
	RecordTake
	// RecordCommit finalizes a transaction's staged operations.
	RecordCommit
	// RecordRollback discards a transaction's staged operations.
	RecordRollback
)

func (t RecordType) String() string {
	switch t {
	case RecordPut:
		return "PUT"
	case RecordTake:
		return "TAKE"
	case RecordCommit:
		return "COMMIT"
	case RecordRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// CommittedType distinguishes which flavor of staged operation a COMMIT
// record finalizes.
type CommittedType uint8

const (
	CommittedPut CommittedType = iota + 1
	CommittedTake
)

func (t CommittedType) String() string {
	switch t {
	case CommittedPut:
		return "PUT"
	case CommittedTake:
		return "TAKE"
	default:
		return fmt.Sprintf("CommittedType(%d)", uint8(t))
	}
}

// Record is one unit produced by a log reader's Next call.
//
// Only the fields relevant to a record's Type are meaningful:
//   - PUT: Pointer is this record's own (fileID, offset) — the location of
//     the event payload in the log.
//   - TAKE: Pointer references the original PUT elsewhere in the log stream.
//   - COMMIT: Committed distinguishes which flavor (PUT or TAKE) is final.
//   - ROLLBACK: only TransactionID and WriteOrderID are meaningful.
type Record struct {
	Type          RecordType
	TransactionID uint64
	WriteOrderID  uint64 // globally monotonic across all logs
	Pointer       Pointer
	Committed     CommittedType
}

// Reader streams records from a single log file in write order.
//
// Next returns (Record{}, false, nil) at end of file — EOF is an ordinary
// termination, not an error. A truncated trailing record (the
// unavoidable result of a crash mid-write) is also reported as EOF, not an
// error: callers that want to distinguish the two may inspect Err after a
// false return.
type Reader interface {
	// LogFileID returns the fileID this reader's records carry pointers
	// into (the log file's own identity, assigned by the writer).
	LogFileID() uint32

	// SkipToLastCheckpointPosition fast-forwards past every record whose
	// WriteOrderID <= writeOrderID, without invoking the caller for them,
	// and returns how many records it skipped. Must be called (if at all)
	// before the first Next call.
	SkipToLastCheckpointPosition(writeOrderID uint64) (skipped int, err error)

	// Next returns the next record, or ok=false at EOF.
	Next() (rec Record, ok bool, err error)

	// Err returns a non-nil error if the reader stopped due to a truncated
	// or otherwise malformed trailing record rather than a clean EOF. Only
	// meaningful after Next has returned ok=false.
	Err() error

	// Close releases any resources (file handles) held by the reader.
	Close() error
}
