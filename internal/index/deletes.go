package index

import (
	"bytes"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matteso1/revindex/internal/storage"
)

const deletesExt = ".del"

// deletesFileName names the deletions of segment name at generation delGen.
// Generation 0 means the segment has no deletions and no file.
func deletesFileName(name string, delGen int64) string {
	return name + "_" + strconv.FormatInt(delGen, 36) + deletesExt
}

// liveDocs marks which ordinals of a segment have been deleted.
type liveDocs struct {
	deleted []bool
	count   int
}

func newLiveDocs(maxDoc int) *liveDocs {
	return &liveDocs{deleted: make([]bool, maxDoc)}
}

func (l *liveDocs) clone() *liveDocs {
	c := &liveDocs{deleted: make([]bool, len(l.deleted)), count: l.count}
	copy(c.deleted, l.deleted)
	return c
}

func (l *liveDocs) isLive(ordinal int) bool {
	return !l.deleted[ordinal]
}

// delete marks ordinal deleted and reports whether it was live.
func (l *liveDocs) delete(ordinal int) bool {
	if l.deleted[ordinal] {
		return false
	}
	l.deleted[ordinal] = true
	l.count++
	return true
}

// writeLiveDocs persists the full deleted set as one CRC-framed record of
// packed varints.
func writeLiveDocs(dir storage.Directory, fileName string, l *liveDocs) error {
	var payload []byte
	payload = protowire.AppendVarint(payload, uint64(len(l.deleted)))
	for ordinal, gone := range l.deleted {
		if gone {
			payload = protowire.AppendVarint(payload, uint64(ordinal))
		}
	}

	out, err := dir.CreateOutput(fileName)
	if err != nil {
		return err
	}
	rw := storage.NewRecordWriter(out)
	if err := rw.Append(payload); err != nil {
		out.Close()
		return err
	}
	if err := rw.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func readLiveDocs(dir storage.Directory, fileName string, maxDoc int) (*liveDocs, error) {
	data, err := dir.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	records, err := storage.ReadRecords(bytes.NewReader(data))
	if err != nil || len(records) != 1 {
		return nil, storage.ErrCorruptSegment
	}
	payload := records[0]

	size, n := protowire.ConsumeVarint(payload)
	if n < 0 || int(size) != maxDoc {
		return nil, storage.ErrCorruptSegment
	}
	payload = payload[n:]

	l := newLiveDocs(maxDoc)
	for len(payload) > 0 {
		ordinal, n := protowire.ConsumeVarint(payload)
		if n < 0 || ordinal >= uint64(maxDoc) {
			return nil, storage.ErrCorruptSegment
		}
		l.delete(int(ordinal))
		payload = payload[n:]
	}
	return l, nil
}
