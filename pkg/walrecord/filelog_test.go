package walrecord_test

import (
	"os"
	"path/filepath"
	"testing"

	queuefs "github.com/corelane/eventqueue/pkg/fs"
	"github.com/corelane/eventqueue/pkg/walrecord"
	"github.com/stretchr/testify/require"
)

func TestFileWriterReader_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log-0001")

	w, err := walrecord.CreateFileWriter(path, 1)
	require.NoError(t, err)

	want := []walrecord.Record{
		{Type: walrecord.RecordPut, TransactionID: 1, WriteOrderID: 1},
		{Type: walrecord.RecordCommit, TransactionID: 1, WriteOrderID: 2, Committed: walrecord.CommittedPut},
	}

	var ptrs []walrecord.Pointer
	for _, rec := range want {
		ptr, err := w.Append(rec)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	require.Equal(t, uint32(1), ptrs[0].FileID())
	require.Equal(t, uint32(0), ptrs[0].Offset())

	r, err := walrecord.OpenFileReader(path, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.LogFileID())

	var got []walrecord.Record
	for {
		rec, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, rec)
	}
	require.NoError(t, r.Err())
	require.NoError(t, r.Close())
	require.Equal(t, want, got)
}

func TestFileWriterReader_SkipToLastCheckpointPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log-0002")

	w, err := walrecord.CreateFileWriter(path, 2)
	require.NoError(t, err)

	for i := uint64(1); i <= 4; i++ {
		_, err := w.Append(walrecord.Record{Type: walrecord.RecordPut, TransactionID: i, WriteOrderID: i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r, err := walrecord.OpenFileReader(path, 2)
	require.NoError(t, err)
	defer r.Close()

	skipped, err := r.SkipToLastCheckpointPosition(2)
	require.NoError(t, err)
	require.Equal(t, 2, skipped)

	rec, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), rec.WriteOrderID)
}

func TestFileReader_TruncatedTrailingRecordReportsErrAtEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log-0003")

	w, err := walrecord.CreateFileWriter(path, 3)
	require.NoError(t, err)
	_, err = w.Append(walrecord.Record{Type: walrecord.RecordPut, TransactionID: 1, WriteOrderID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: truncate off the last few bytes of the
	// one complete record, leaving a torn trailing record.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-4))
	require.NoError(t, f.Close())

	r, err := walrecord.OpenFileReader(path, 3)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Error(t, r.Err())
}

// TestFileWriter_UnsyncedAppendDoesNotSurviveSimulatedCrash exercises the
// durability boundary a checkpointing caller relies on: a record appended
// but never fsynced must not be observable after a crash, while one
// followed by Sync must be. Grounded on pkg/fs's Crash durability model
// (file contents durable only once File.Sync succeeds).
func TestFileWriter_UnsyncedAppendDoesNotSurviveSimulatedCrash(t *testing.T) {
	real := queuefs.NewReal()

	crash, err := queuefs.NewCrash(t, real, &queuefs.CrashConfig{})
	require.NoError(t, err)

	const path = "log-0004"

	w, err := walrecord.CreateFileWriterFS(crash, path, 4)
	require.NoError(t, err)

	// Make the new file's directory entry durable, so that only the file's
	// contents are subject to the crash below.
	dir, err := crash.Open(".")
	require.NoError(t, err)
	require.NoError(t, dir.Sync())
	require.NoError(t, dir.Close())

	_, err = w.Append(walrecord.Record{Type: walrecord.RecordPut, TransactionID: 1, WriteOrderID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	_, err = w.Append(walrecord.Record{Type: walrecord.RecordCommit, TransactionID: 1, WriteOrderID: 2, Committed: walrecord.CommittedPut})
	require.NoError(t, err)
	// Deliberately no Sync before the crash: the commit record must not
	// survive.
	require.NoError(t, w.Close())

	require.NoError(t, crash.SimulateCrash())

	r, err := walrecord.OpenFileReaderFS(crash, path, 4)
	require.NoError(t, err)
	defer r.Close()

	rec, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, walrecord.RecordPut, rec.Type)

	_, ok, err = r.Next()
	if ok {
		t.Fatalf("unsynced commit record survived simulated crash: %+v", rec)
	}
	require.NoError(t, err)
	require.NoError(t, r.Err())
}
