package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// RecordWriter appends CRC-framed records to an output. Commit points are
// written through it so a torn or bit-flipped file is detected on open.
//
// Record format:
//   - CRC32 checksum of the payload (4 bytes)
//   - Payload length (4 bytes)
//   - Payload (variable)
type RecordWriter struct {
	w    *bufio.Writer
	size int64
}

// NewRecordWriter wraps w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriterSize(w, 16*1024)}
}

// Append writes one record.
func (rw *RecordWriter) Append(payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := rw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := rw.w.Write(payload); err != nil {
		return err
	}
	rw.size += int64(8 + len(payload))
	return nil
}

// Size returns the number of bytes appended so far.
func (rw *RecordWriter) Size() int64 {
	return rw.size
}

// Flush flushes buffered records to the underlying writer.
func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// ReadRecords decodes every record in r. A checksum mismatch or a short
// record yields ErrCorruptCommit together with the records read so far.
func ReadRecords(r io.Reader) ([][]byte, error) {
	reader := bufio.NewReader(r)
	var records [][]byte

	for {
		var header [8]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			return records, ErrCorruptCommit
		}
		checksum := binary.LittleEndian.Uint32(header[0:])
		length := binary.LittleEndian.Uint32(header[4:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return records, ErrCorruptCommit
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			return records, ErrCorruptCommit
		}
		records = append(records, payload)
	}

	return records, nil
}
