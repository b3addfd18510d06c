package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strconv"

	"github.com/matteso1/revindex/internal/storage"
)

// A segment is an immutable file holding the documents flushed by one commit.
// Documents are addressed by their ordinal within the segment.
//
// File format:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│ Data Blocks                                                  │
//	│   [crc32][length][Entry, Entry, ...]                        │
//	│   Entry: ordinal(4) docLen(4) doc                           │
//	├─────────────────────────────────────────────────────────────┤
//	│ Index Block                                                  │
//	│   [firstOrdinal(4), blockOffset(8), blockSize(8)] ...       │
//	├─────────────────────────────────────────────────────────────┤
//	│ Footer (fixed size)                                         │
//	│   indexOffset(8) indexSize(8) docCount(8)                   │
//	│   indexChecksum(4) version(4) magic(4)                      │
//	└─────────────────────────────────────────────────────────────┘
const (
	segmentMagic      = 0x52455653 // "REVS"
	segmentVersion    = 1
	segmentBlockSize  = 4 * 1024
	segmentFooterSize = 36
	segmentExt        = ".seg"
)

// segmentName returns the file-name stem for segment counter n.
func segmentName(counter int64) string {
	return "_" + strconv.FormatInt(counter, 36)
}

func segmentFileName(name string) string {
	return name + segmentExt
}

type blockHandle struct {
	firstOrdinal uint32
	offset       int64
	size         int64
}

// segmentWriter streams documents into a segment file. Documents must be
// added in ordinal order, which is the order Add is called in.
type segmentWriter struct {
	out      io.WriteCloser
	w        *bufio.Writer
	index    []blockHandle
	block    bytes.Buffer
	count    uint32
	offset   int64
	finished bool
}

func newSegmentWriter(out io.WriteCloser) *segmentWriter {
	return &segmentWriter{out: out, w: bufio.NewWriterSize(out, 64*1024)}
}

// Add appends one encoded document and returns its ordinal.
func (w *segmentWriter) Add(encoded []byte) (uint32, error) {
	ordinal := w.count
	if w.block.Len() == 0 {
		w.index = append(w.index, blockHandle{firstOrdinal: ordinal, offset: w.offset})
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], ordinal)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(encoded)))
	w.block.Write(header[:])
	w.block.Write(encoded)
	w.count++

	if w.block.Len() >= segmentBlockSize {
		if err := w.flushBlock(); err != nil {
			return 0, err
		}
	}
	return ordinal, nil
}

func (w *segmentWriter) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	data := w.block.Bytes()

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}

	size := int64(8 + len(data))
	w.index[len(w.index)-1].size = size
	w.offset += size
	w.block.Reset()
	return nil
}

// Finish writes the index and footer and publishes the file.
func (w *segmentWriter) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true
	if err := w.flushBlock(); err != nil {
		w.out.Close()
		return err
	}

	var idx bytes.Buffer
	for _, h := range w.index {
		var rec [20]byte
		binary.LittleEndian.PutUint32(rec[0:], h.firstOrdinal)
		binary.LittleEndian.PutUint64(rec[4:], uint64(h.offset))
		binary.LittleEndian.PutUint64(rec[12:], uint64(h.size))
		idx.Write(rec[:])
	}

	var footer [segmentFooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:], uint64(w.offset))
	binary.LittleEndian.PutUint64(footer[8:], uint64(idx.Len()))
	binary.LittleEndian.PutUint64(footer[16:], uint64(w.count))
	binary.LittleEndian.PutUint32(footer[24:], crc32.ChecksumIEEE(idx.Bytes()))
	binary.LittleEndian.PutUint32(footer[28:], segmentVersion)
	binary.LittleEndian.PutUint32(footer[32:], segmentMagic)

	if _, err := w.w.Write(idx.Bytes()); err != nil {
		w.out.Close()
		return err
	}
	if _, err := w.w.Write(footer[:]); err != nil {
		w.out.Close()
		return err
	}
	if err := w.w.Flush(); err != nil {
		w.out.Close()
		return err
	}
	return w.out.Close()
}

// segmentData is a fully loaded, immutable segment. It is shared between the
// writer and every reader that references the segment.
type segmentData struct {
	name string
	docs []Document
}

// writeSegment flushes docs (already encoded) into a new segment file.
func writeSegment(dir storage.Directory, name string, encoded [][]byte) (*segmentData, error) {
	out, err := dir.CreateOutput(segmentFileName(name))
	if err != nil {
		return nil, err
	}
	w := newSegmentWriter(out)
	seg := &segmentData{name: name, docs: make([]Document, 0, len(encoded))}
	for _, e := range encoded {
		if _, err := w.Add(e); err != nil {
			out.Close()
			return nil, err
		}
		doc, err := decodeDocument(e)
		if err != nil {
			out.Close()
			return nil, err
		}
		seg.docs = append(seg.docs, doc)
	}
	if err := w.Finish(); err != nil {
		return nil, err
	}
	return seg, nil
}

// loadSegment reads and verifies a whole segment file.
func loadSegment(dir storage.Directory, name string) (*segmentData, error) {
	data, err := dir.ReadFile(segmentFileName(name))
	if err != nil {
		return nil, err
	}
	return parseSegment(name, data)
}

func parseSegment(name string, data []byte) (*segmentData, error) {
	if len(data) < segmentFooterSize {
		return nil, storage.ErrCorruptSegment
	}
	footer := data[len(data)-segmentFooterSize:]
	if binary.LittleEndian.Uint32(footer[32:]) != segmentMagic {
		return nil, storage.ErrCorruptSegment
	}
	if binary.LittleEndian.Uint32(footer[28:]) != segmentVersion {
		return nil, storage.ErrCorruptSegment
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	indexSize := int64(binary.LittleEndian.Uint64(footer[8:]))
	docCount := binary.LittleEndian.Uint64(footer[16:])
	if indexOffset < 0 || indexSize < 0 || indexOffset+indexSize != int64(len(data)-segmentFooterSize) {
		return nil, storage.ErrCorruptSegment
	}
	indexData := data[indexOffset : indexOffset+indexSize]
	if crc32.ChecksumIEEE(indexData) != binary.LittleEndian.Uint32(footer[24:]) {
		return nil, storage.ErrCorruptSegment
	}

	seg := &segmentData{name: name, docs: make([]Document, 0, docCount)}
	for off := 0; off+20 <= len(indexData); off += 20 {
		blockOffset := int64(binary.LittleEndian.Uint64(indexData[off+4:]))
		blockSize := int64(binary.LittleEndian.Uint64(indexData[off+12:]))
		if blockOffset+blockSize > indexOffset || blockSize < 8 {
			return nil, storage.ErrCorruptSegment
		}
		if err := seg.readBlock(data[blockOffset : blockOffset+blockSize]); err != nil {
			return nil, err
		}
	}
	if uint64(len(seg.docs)) != docCount {
		return nil, storage.ErrCorruptSegment
	}
	return seg, nil
}

func (s *segmentData) readBlock(block []byte) error {
	checksum := binary.LittleEndian.Uint32(block[0:])
	length := binary.LittleEndian.Uint32(block[4:])
	if int(length) != len(block)-8 {
		return storage.ErrCorruptSegment
	}
	payload := block[8:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return storage.ErrCorruptSegment
	}

	for off := 0; off < len(payload); {
		if off+8 > len(payload) {
			return storage.ErrCorruptSegment
		}
		ordinal := binary.LittleEndian.Uint32(payload[off:])
		docLen := int(binary.LittleEndian.Uint32(payload[off+4:]))
		off += 8
		if off+docLen > len(payload) || int(ordinal) != len(s.docs) {
			return storage.ErrCorruptSegment
		}
		doc, err := decodeDocument(payload[off : off+docLen])
		if err != nil {
			return storage.ErrCorruptSegment
		}
		s.docs = append(s.docs, doc)
		off += docLen
	}
	return nil
}
