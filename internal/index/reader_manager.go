package index

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/matteso1/revindex/internal/storage"
)

// refreshAttempts bounds how often a refresh retries when a commit vanished
// between listing and reading it.
const refreshAttempts = 3

// ReaderManager hands out the current Reader of a directory and swaps in a
// new one when a newer commit is published. Callers must Release every reader
// they Acquire.
type ReaderManager struct {
	dir   storage.Directory
	cache *segmentCache

	refreshMu sync.Mutex
	mu        sync.Mutex
	current   *Reader
	closed    bool
}

// NewReaderManager opens a manager on the writer's directory. It shares the
// writer's segment cache so freshly flushed segments are not read back.
func NewReaderManager(w *Writer) (*ReaderManager, error) {
	return newReaderManager(w.dir, w.cache)
}

// NewDirectoryReaderManager opens a manager on dir without a writer.
func NewDirectoryReaderManager(dir storage.Directory) (*ReaderManager, error) {
	return newReaderManager(dir, newSegmentCache())
}

func newReaderManager(dir storage.Directory, cache *segmentCache) (*ReaderManager, error) {
	m := &ReaderManager{dir: dir, cache: cache}
	r, err := m.openLatest(nil)
	if err != nil {
		return nil, storage.Wrap("open reader manager", dir.Location(), err)
	}
	m.current = r
	return m, nil
}

// Acquire returns the current reader with a reference taken on behalf of the
// caller.
func (m *ReaderManager) Acquire() (*Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storage.ErrAlreadyClosed
	}
	if !m.current.tryIncRef() {
		return nil, storage.ErrAlreadyClosed
	}
	return m.current, nil
}

// Release returns a reader obtained from Acquire.
func (m *ReaderManager) Release(r *Reader) error {
	if r == nil {
		return nil
	}
	return r.DecRef()
}

// MaybeRefresh swaps in a reader on the newest commit unless another refresh
// is running, in which case it returns false immediately.
func (m *ReaderManager) MaybeRefresh() (bool, error) {
	if !m.refreshMu.TryLock() {
		return false, nil
	}
	defer m.refreshMu.Unlock()
	return true, m.refreshLocked()
}

// MaybeRefreshBlocking waits for any running refresh and then refreshes. When
// it returns, Acquire observes every commit published before the call.
func (m *ReaderManager) MaybeRefreshBlocking() error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshLocked()
}

func (m *ReaderManager) refreshLocked() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return storage.ErrAlreadyClosed
	}
	old := m.current
	m.mu.Unlock()

	r, err := m.openLatest(old)
	if err != nil {
		return storage.Wrap("refresh", m.dir.Location(), err)
	}
	if r == old {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		r.DecRef()
		return storage.ErrAlreadyClosed
	}
	m.current = r
	m.mu.Unlock()

	glog.V(2).Infof("[readers] %s refreshed gen %d -> %d", m.dir.Location(), old.Generation(), r.Generation())
	return old.DecRef()
}

// openLatest opens a reader on the newest commit, or returns old when it is
// still current.
func (m *ReaderManager) openLatest(old *Reader) (*Reader, error) {
	var err error
	for range refreshAttempts {
		var commit *CommitPoint
		commit, err = LatestCommit(m.dir)
		if err == nil {
			if old != nil && old.Generation() == generationOf(commit) {
				return old, nil
			}
			var r *Reader
			r, err = openReader(m.dir, commit, m.cache)
			if err == nil {
				return r, nil
			}
		}
		if !errors.Is(err, storage.ErrFileNotFound) {
			return nil, err
		}
		glog.V(2).Infof("[readers] %s: commit changed while opening, retrying: %v", m.dir.Location(), err)
	}
	return nil, err
}

func generationOf(c *CommitPoint) int64 {
	if c == nil {
		return 0
	}
	return c.generation
}

// Close drops the manager's reference to the current reader. Readers still
// held by callers stay usable until released.
func (m *ReaderManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.current.DecRef()
}
