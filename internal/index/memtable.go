package index

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// memTable buffers documents added since the last commit. It wraps a skip
// list keyed by add sequence and is discarded on rollback or replaced after a
// flush.
type memTable struct {
	sl     *skipList
	seq    atomic.Uint64
	frozen atomic.Bool

	// ids maps every identifier of a buffered document to its keys.
	mu  sync.Mutex
	ids map[string][][]byte
}

func newMemTable() *memTable {
	return &memTable{sl: newSkipList(), ids: make(map[string][][]byte)}
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

// Add buffers doc and returns its sequence key.
func (m *memTable) Add(doc Document) ([]byte, error) {
	if m.frozen.Load() {
		return nil, errMemTableFrozen
	}
	key := seqKey(m.seq.Add(1))
	m.sl.put(key, encodeDocument(doc))
	m.mu.Lock()
	for _, id := range doc.Values(IDField) {
		m.ids[id] = append(m.ids[id], key)
	}
	m.mu.Unlock()
	return key, nil
}

// DeleteID tombstones the buffered documents identified by id without
// scanning the buffer.
func (m *memTable) DeleteID(id string) (int, error) {
	if m.frozen.Load() {
		return 0, errMemTableFrozen
	}
	m.mu.Lock()
	keys := m.ids[id]
	delete(m.ids, id)
	m.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if m.sl.tombstone(key) {
			removed++
		}
	}
	return removed, nil
}

// DeleteMatching tombstones every buffered document accepted by match and
// returns how many were removed.
func (m *memTable) DeleteMatching(match func(Document) bool) (int, error) {
	if m.frozen.Load() {
		return 0, errMemTableFrozen
	}
	var victims [][]byte
	it := m.sl.newIterator()
	for it.Next() {
		e := it.Entry()
		if e.Deleted {
			continue
		}
		doc, err := decodeDocument(e.Value)
		if err != nil {
			it.Close()
			return 0, err
		}
		if match(doc) {
			victims = append(victims, e.Key)
		}
	}
	it.Close()

	removed := 0
	for _, key := range victims {
		if m.sl.tombstone(key) {
			removed++
		}
	}
	return removed, nil
}

// Size returns the approximate memory usage in bytes.
func (m *memTable) Size() int64 {
	return m.sl.Size()
}

// Live returns the number of buffered documents that would be flushed.
func (m *memTable) Live() int64 {
	return m.sl.Live()
}

// Freeze marks the memtable as immutable. No more writes allowed.
func (m *memTable) Freeze() {
	m.frozen.Store(true)
}

// Documents returns the live buffered documents in insertion order, still
// encoded. The memtable should be frozen before calling this.
func (m *memTable) Documents() [][]byte {
	docs := make([][]byte, 0, m.sl.Live())
	it := m.sl.newIterator()
	defer it.Close()

	for it.Next() {
		if e := it.Entry(); !e.Deleted {
			docs = append(docs, e.Value)
		}
	}
	return docs
}
