package walrecord

// MemReader is an in-memory Reader backed by a pre-built slice of records,
// used by the replay engine's tests and by callers embedding this module in
// a test harness of their own. It never returns a non-nil Err(); it exists
// to exercise the merge/replay logic without a real log-file writer.
type MemReader struct {
	fileID  uint32
	records []Record
	pos     int
	skipped bool
	closed  bool
}

// NewMemReader returns a Reader over records, tagged with fileID.
func NewMemReader(fileID uint32, records []Record) *MemReader {
	cp := make([]Record, len(records))
	copy(cp, records)

	return &MemReader{fileID: fileID, records: cp}
}

func (r *MemReader) LogFileID() uint32 { return r.fileID }

func (r *MemReader) SkipToLastCheckpointPosition(writeOrderID uint64) (int, error) {
	r.skipped = true

	i := 0
	for i < len(r.records) && r.records[i].WriteOrderID <= writeOrderID {
		i++
	}

	r.pos = i

	return i, nil
}

func (r *MemReader) Next() (Record, bool, error) {
	if r.pos >= len(r.records) {
		return Record{}, false, nil
	}

	rec := r.records[r.pos]
	r.pos++

	return rec, true, nil
}

func (r *MemReader) Err() error { return nil }

func (r *MemReader) Close() error {
	r.closed = true

	return nil
}

// Closed reports whether Close has been called. Test-only convenience for
// asserting the replay engine's scoped-release guarantee.
func (r *MemReader) Closed() bool { return r.closed }
