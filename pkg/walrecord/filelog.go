package walrecord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	queuefs "github.com/corelane/eventqueue/pkg/fs"
)

// recordWireSize is the on-disk size of one encoded record: type(1) +
// committed(1) + reserved(2) + transactionID(8) + writeOrderID(8) +
// pointer(8) + crc32c(4).
const recordWireSize = 32

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeRecord serializes rec into a fixed-size wire buffer.
func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordWireSize)
	buf[0] = byte(rec.Type)
	buf[1] = byte(rec.Committed)
	binary.LittleEndian.PutUint64(buf[4:12], rec.TransactionID)
	binary.LittleEndian.PutUint64(buf[12:20], rec.WriteOrderID)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(rec.Pointer))
	binary.LittleEndian.PutUint32(buf[28:32], crc32.Checksum(buf[:28], crcTable))

	return buf
}

// decodeRecord deserializes a fixed-size wire buffer, validating its CRC.
// Returns ok=false if the CRC does not match (a truncated or torn write).
func decodeRecord(buf []byte) (rec Record, ok bool) {
	if len(buf) != recordWireSize {
		return Record{}, false
	}

	wantCRC := binary.LittleEndian.Uint32(buf[28:32])
	gotCRC := crc32.Checksum(buf[:28], crcTable)

	if wantCRC != gotCRC {
		return Record{}, false
	}

	rec.Type = RecordType(buf[0])
	rec.Committed = CommittedType(buf[1])
	rec.TransactionID = binary.LittleEndian.Uint64(buf[4:12])
	rec.WriteOrderID = binary.LittleEndian.Uint64(buf[12:20])
	rec.Pointer = Pointer(binary.LittleEndian.Uint64(buf[20:28]))

	return rec, true
}

// FileWriter appends records to a single log file. It is the simplest
// possible stand-in for the real log-file writer and rolling policy, which
// is an external collaborator's responsibility, out of scope here; it exists so this module's tests and CLI
// exercise a real file on disk end to end rather than only MemReader fakes.
//
// FileWriter opens through a queuefs.FS rather than the os package directly,
// so tests can substitute queuefs.Crash to exercise the reader's
// truncated-trailing-record handling under a simulated crash.
type FileWriter struct {
	f      queuefs.File
	fileID uint32
}

// CreateFileWriter creates (or truncates) a log file at path, tagged fileID,
// on the real filesystem. Use CreateFileWriterFS to inject a queuefs.FS.
func CreateFileWriter(path string, fileID uint32) (*FileWriter, error) {
	return CreateFileWriterFS(queuefs.NewReal(), path, fileID)
}

// CreateFileWriterFS is CreateFileWriter parameterized over the filesystem
// implementation.
func CreateFileWriterFS(fsys queuefs.FS, path string, fileID uint32) (*FileWriter, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	return &FileWriter{f: f, fileID: fileID}, nil
}

// Append writes rec sequentially and returns the Pointer a PUT record
// should use to refer to itself (fileID, byte offset of this record).
func (w *FileWriter) Append(rec Record) (Pointer, error) {
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("seek log file: %w", err)
	}

	if offset < 0 || offset > int64(^uint32(0)) {
		return 0, fmt.Errorf("log file offset %d exceeds uint32 range", offset)
	}

	if _, err := w.f.Write(encodeRecord(rec)); err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}

	return NewPointer(w.fileID, uint32(offset)), nil
}

// Sync forces buffered writes to stable storage.
func (w *FileWriter) Sync() error { return w.f.Sync() }

// Close closes the underlying file.
func (w *FileWriter) Close() error { return w.f.Close() }

// FileReader is the Reader implementation backing FileWriter's output.
type FileReader struct {
	f      queuefs.File
	fileID uint32
	err    error
	eof    bool
}

// OpenFileReader opens path for sequential reading, tagged fileID, on the
// real filesystem. Use OpenFileReaderFS to inject a queuefs.FS.
func OpenFileReader(path string, fileID uint32) (*FileReader, error) {
	return OpenFileReaderFS(queuefs.NewReal(), path, fileID)
}

// OpenFileReaderFS is OpenFileReader parameterized over the filesystem
// implementation.
func OpenFileReaderFS(fsys queuefs.FS, path string, fileID uint32) (*FileReader, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &FileReader{f: f, fileID: fileID}, nil
}

func (r *FileReader) LogFileID() uint32 { return r.fileID }

func (r *FileReader) SkipToLastCheckpointPosition(writeOrderID uint64) (int, error) {
	skipped := 0

	for {
		rec, ok, err := r.peekNext(false)
		if err != nil {
			return skipped, err
		}

		if !ok || rec.WriteOrderID > writeOrderID {
			return skipped, nil
		}

		if _, _, err := r.Next(); err != nil {
			return skipped, err
		}

		skipped++
	}
}

// peekNext reads the next record without advancing the file position unless
// advance is true.
func (r *FileReader) peekNext(advance bool) (Record, bool, error) {
	pos, err := r.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Record{}, false, fmt.Errorf("seek: %w", err)
	}

	buf := make([]byte, recordWireSize)

	n, err := io.ReadFull(r.f, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if n > 0 {
				r.err = fmt.Errorf("truncated trailing record (%d of %d bytes): %w", n, recordWireSize, err)
			}

			return Record{}, false, nil
		}

		return Record{}, false, fmt.Errorf("read record: %w", err)
	}

	rec, ok := decodeRecord(buf)
	if !ok {
		r.err = fmt.Errorf("record at offset %d failed checksum validation", pos)

		return Record{}, false, nil
	}

	if !advance {
		if _, err := r.f.Seek(pos, io.SeekStart); err != nil {
			return Record{}, false, fmt.Errorf("seek back: %w", err)
		}
	}

	return rec, true, nil
}

func (r *FileReader) Next() (Record, bool, error) {
	if r.eof {
		return Record{}, false, nil
	}

	rec, ok, err := r.peekNext(true)
	if err != nil {
		return Record{}, false, err
	}

	if !ok {
		r.eof = true
	}

	return rec, ok, nil
}

func (r *FileReader) Err() error { return r.err }

func (r *FileReader) Close() error { return r.f.Close() }
