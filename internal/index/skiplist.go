package index

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// entry is one buffered document. Deleted entries are tombstones left behind
// when a delete matched a document that was never flushed.
type entry struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// size returns the approximate memory footprint of this entry in bytes.
func (e *entry) size() int {
	return len(e.Key) + len(e.Value) + 9
}

type skipListNode struct {
	entry   *entry
	forward []*skipListNode
}

// skipList keeps buffered documents ordered by key. The writer keys documents
// by a big-endian sequence number, so key order is insertion order.
type skipList struct {
	head     *skipListNode
	maxLevel int
	level    int
	size     int64
	count    int64
	live     int64
	mu       sync.RWMutex
	rng      uint64
}

const maxSkipListLevel = 16

func newSkipList() *skipList {
	return &skipList{
		head: &skipListNode{
			forward: make([]*skipListNode, maxSkipListLevel),
		},
		maxLevel: maxSkipListLevel,
		rng:      1,
	}
}

// randomLevel draws a geometric level with p = 1/4 from an xorshift64 stream.
func (s *skipList) randomLevel() int {
	level := 0
	s.rng ^= s.rng << 13
	s.rng ^= s.rng >> 7
	s.rng ^= s.rng << 17

	for level < s.maxLevel-1 && (s.rng&0xFFFF) < uint64(0xFFFF/4) {
		level++
		s.rng ^= s.rng << 13
		s.rng ^= s.rng >> 7
		s.rng ^= s.rng << 17
	}
	return level
}

func (s *skipList) findPredecessors(key []byte, update []*skipListNode) *skipListNode {
	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && bytes.Compare(current.forward[i].entry.Key, key) < 0 {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// put inserts or replaces the value for key.
func (s *skipList) put(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := make([]*skipListNode, s.maxLevel)
	next := s.findPredecessors(key, update)

	if next != nil && bytes.Equal(next.entry.Key, key) {
		old := int64(next.entry.size())
		if next.entry.Deleted {
			atomic.AddInt64(&s.live, 1)
		}
		next.entry.Value = value
		next.entry.Deleted = false
		atomic.AddInt64(&s.size, int64(next.entry.size())-old)
		return
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level + 1; i <= level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	node := &skipListNode{
		entry:   &entry{Key: key, Value: value},
		forward: make([]*skipListNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	atomic.AddInt64(&s.size, int64(node.entry.size()))
	atomic.AddInt64(&s.count, 1)
	atomic.AddInt64(&s.live, 1)
}

// get returns the live value for key.
func (s *skipList) get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := s.findPredecessors(key, nil)
	if next != nil && bytes.Equal(next.entry.Key, key) && !next.entry.Deleted {
		return next.entry.Value, true
	}
	return nil, false
}

// tombstone marks an existing key deleted. It reports whether a live entry
// was found.
func (s *skipList) tombstone(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.findPredecessors(key, nil)
	if next == nil || !bytes.Equal(next.entry.Key, key) || next.entry.Deleted {
		return false
	}
	old := int64(next.entry.size())
	next.entry.Value = nil
	next.entry.Deleted = true
	atomic.AddInt64(&s.size, int64(next.entry.size())-old)
	atomic.AddInt64(&s.live, -1)
	return true
}

func (s *skipList) Size() int64 {
	return atomic.LoadInt64(&s.size)
}

// Count returns the number of entries including tombstones.
func (s *skipList) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

// Live returns the number of entries that are not tombstones.
func (s *skipList) Live() int64 {
	return atomic.LoadInt64(&s.live)
}

// iterator walks entries in key order while holding the list's read lock.
type iterator struct {
	current *skipListNode
	sl      *skipList
}

func (s *skipList) newIterator() *iterator {
	s.mu.RLock()
	return &iterator{current: s.head, sl: s}
}

func (it *iterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

func (it *iterator) Entry() *entry {
	if it.current == nil {
		return nil
	}
	return it.current.entry
}

// Close releases the read lock.
func (it *iterator) Close() {
	it.sl.mu.RUnlock()
}
