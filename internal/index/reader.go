package index

import (
	"sync/atomic"

	"github.com/matteso1/revindex/internal/storage"
)

// leaf is one segment of a reader together with the deletions visible at the
// reader's commit.
type leaf struct {
	seg  *segmentData
	live *liveDocs
}

// Reader is an immutable point-in-time view of one commit. Readers are
// reference counted; the opener holds the first reference.
type Reader struct {
	commit  *CommitPoint
	leaves  []leaf
	maxDoc  int
	numDocs int
	refs    atomic.Int32
}

// OpenReader opens a reader on the newest commit of dir. A directory without
// commits yields an empty reader.
func OpenReader(dir storage.Directory) (*Reader, error) {
	commit, err := LatestCommit(dir)
	if err != nil {
		return nil, storage.Wrap("open reader", dir.Location(), err)
	}
	r, err := openReader(dir, commit, newSegmentCache())
	if err != nil {
		return nil, storage.Wrap("open reader", dir.Location(), err)
	}
	return r, nil
}

func openReader(dir storage.Directory, commit *CommitPoint, cache *segmentCache) (*Reader, error) {
	r := &Reader{commit: commit}
	r.refs.Store(1)
	if commit == nil {
		return r, nil
	}
	for _, info := range commit.segments {
		seg, live, err := cache.load(dir, info)
		if err != nil {
			return nil, err
		}
		r.leaves = append(r.leaves, leaf{seg: seg, live: live})
		r.maxDoc += len(seg.docs)
		r.numDocs += len(seg.docs)
		if live != nil {
			r.numDocs -= live.count
		}
	}
	return r, nil
}

// Commit returns the commit the reader was opened on, or nil for the empty
// reader.
func (r *Reader) Commit() *CommitPoint { return r.commit }

// Generation returns the commit generation, 0 for the empty reader.
func (r *Reader) Generation() int64 {
	if r.commit == nil {
		return 0
	}
	return r.commit.generation
}

// NumDocs returns the number of live documents.
func (r *Reader) NumDocs() int { return r.numDocs }

// MaxDoc returns the number of documents including deleted ones.
func (r *Reader) MaxDoc() int { return r.maxDoc }

// IncRef takes another reference. It fails once the reader is fully released.
func (r *Reader) IncRef() error {
	if !r.tryIncRef() {
		return storage.ErrAlreadyClosed
	}
	return nil
}

func (r *Reader) tryIncRef() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// DecRef drops a reference.
func (r *Reader) DecRef() error {
	if r.refs.Add(-1) < 0 {
		r.refs.Store(0)
		return storage.ErrAlreadyClosed
	}
	return nil
}

// RefCount returns the current reference count.
func (r *Reader) RefCount() int { return int(r.refs.Load()) }
