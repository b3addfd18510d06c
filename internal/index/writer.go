package index

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/matteso1/revindex/internal/storage"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Policy decides which commits survive. Defaults to KeepOnlyLastCommit.
	Policy DeletionPolicy
	// MinSegmentCounter seeds segment numbering. The writer never names a new
	// segment below it, which keeps an overlay's files from colliding with
	// files its ancestors may publish later.
	MinSegmentCounter int64
}

// DefaultWriterConfig returns a config keeping only the last commit.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{Policy: KeepOnlyLastCommit{}}
}

// Writer is the single mutator of a directory. Documents are buffered in a
// memtable and flushed into a new segment on Commit; deletes against
// committed segments are resolved on Commit into new deletion files. Nothing
// reaches the directory between commits, so Rollback only drops memory.
type Writer struct {
	dir    storage.Directory
	config WriterConfig

	mu         sync.Mutex
	segments   []SegmentInfo
	buffer     *memTable
	pending    []Query
	pendingIDs map[string]struct{}
	deleteAll  bool
	counter    int64
	generation int64
	commitData map[string]string
	changes    int64
	deleter    *fileDeleter
	cache      *segmentCache
	closed     bool
}

// OpenWriter opens a writer on the newest commit in dir, or on an empty index
// when dir has no commits. The deletion policy's OnInit runs before it returns.
func OpenWriter(dir storage.Directory, config WriterConfig) (*Writer, error) {
	if config.Policy == nil {
		config.Policy = KeepOnlyLastCommit{}
	}
	commits, err := ListCommits(dir)
	if err != nil {
		return nil, storage.Wrap("open writer", dir.Location(), err)
	}

	w := &Writer{
		dir:        dir,
		config:     config,
		buffer:     newMemTable(),
		counter:    config.MinSegmentCounter,
		commitData: map[string]string{},
		cache:      newSegmentCache(),
	}
	if len(commits) > 0 {
		newest := commits[len(commits)-1]
		w.segments = newest.Segments()
		w.counter = max(w.counter, newest.counter)
		w.generation = newest.generation
		w.commitData = newest.UserData()
	}

	w.deleter = newFileDeleter(dir, config.Policy, w.cache.evict)
	if err := w.deleter.init(commits); err != nil {
		return nil, storage.Wrap("open writer", dir.Location(), err)
	}
	glog.V(1).Infof("[writer] opened %s gen=%d counter=%d segments=%d", dir.Location(), w.generation, w.counter, len(w.segments))
	return w, nil
}

// Directory returns the directory the writer mutates.
func (w *Writer) Directory() storage.Directory {
	return w.dir
}

// AddDocument buffers doc.
func (w *Writer) AddDocument(doc Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return storage.ErrAlreadyClosed
	}
	if _, err := w.buffer.Add(doc); err != nil {
		return err
	}
	w.changes++
	return nil
}

// UpdateDocument atomically deletes the documents matching term and adds doc.
func (w *Writer) UpdateDocument(term Term, doc Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return storage.ErrAlreadyClosed
	}
	if err := w.deleteLocked(TermQuery{Term: term}); err != nil {
		return err
	}
	if _, err := w.buffer.Add(doc); err != nil {
		return err
	}
	w.changes++
	return nil
}

// DeleteDocuments deletes every document carrying any of terms.
func (w *Writer) DeleteDocuments(terms ...Term) error {
	queries := make([]Query, len(terms))
	for i, t := range terms {
		queries[i] = TermQuery{Term: t}
	}
	return w.DeleteDocumentsQuery(queries...)
}

// DeleteDocumentsQuery deletes every document matching any of queries. It
// affects documents added before the call, not after.
func (w *Writer) DeleteDocumentsQuery(queries ...Query) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return storage.ErrAlreadyClosed
	}
	for _, q := range queries {
		if err := w.deleteLocked(q); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) deleteLocked(q Query) error {
	if tq, ok := q.(TermQuery); ok && tq.Term.Field == IDField {
		if _, err := w.buffer.DeleteID(tq.Term.Text); err != nil {
			return err
		}
		if w.pendingIDs == nil {
			w.pendingIDs = make(map[string]struct{})
		}
		w.pendingIDs[tq.Term.Text] = struct{}{}
		w.changes++
		return nil
	}
	if _, err := w.buffer.DeleteMatching(q.Matches); err != nil {
		return err
	}
	w.pending = append(w.pending, q)
	w.changes++
	return nil
}

// DeleteAll drops every document, committed or buffered.
func (w *Writer) DeleteAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return storage.ErrAlreadyClosed
	}
	w.buffer = newMemTable()
	w.pending = nil
	w.pendingIDs = nil
	w.deleteAll = true
	w.changes++
	return nil
}

// SetCommitData replaces the tag map stored with the next commit. The map
// carries over to later commits until replaced again.
func (w *Writer) SetCommitData(data map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commitData = maps.Clone(data)
	if w.commitData == nil {
		w.commitData = map[string]string{}
	}
}

// CommitData returns a copy of the tag map for the next commit.
func (w *Writer) CommitData() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.commitData)
}

// HasUncommittedChanges reports whether mutations are buffered since the
// last commit or rollback.
func (w *Writer) HasUncommittedChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changes > 0
}

// SegmentCounter returns the next segment number the writer will use.
func (w *Writer) SegmentCounter() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counter
}

// LastCommit returns the newest commit known to the writer, or nil.
func (w *Writer) LastCommit() *CommitPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deleter.lastCommit()
}

// Commits returns the commits the writer currently retains, oldest first.
func (w *Writer) Commits() []*CommitPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.deleter.commits)
}

// Commit flushes buffered changes into new files and publishes a commit
// point. A commit with no changes and an unchanged tag map is a no-op that
// returns the current commit.
func (w *Writer) Commit() (*CommitPoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, storage.ErrAlreadyClosed
	}
	cp, err := w.commitLocked()
	if err != nil {
		return nil, storage.Wrap("commit", w.dir.Location(), err)
	}
	return cp, nil
}

func (w *Writer) commitLocked() (*CommitPoint, error) {
	last := w.deleter.lastCommit()
	if w.changes == 0 && last != nil && maps.Equal(last.userData, w.commitData) {
		return last, nil
	}

	var segments []SegmentInfo
	if !w.deleteAll {
		segments = slices.Clone(w.segments)
	}
	if len(w.pending) > 0 || len(w.pendingIDs) > 0 {
		if err := w.applyDeletes(segments); err != nil {
			return nil, err
		}
	}

	w.buffer.Freeze()
	cp, err := w.flush(segments)
	if err != nil {
		w.buffer = w.thaw()
		return nil, err
	}

	w.generation = cp.generation
	w.segments = cp.segments
	w.buffer = newMemTable()
	w.pending = nil
	w.pendingIDs = nil
	w.deleteAll = false
	w.changes = 0
	glog.V(1).Infof("[writer] %s committed %s docs=%d data=%v", w.dir.Location(), cp.SegmentsFileName(), cp.NumDocs(), cp.userData)

	if err := w.deleter.checkpoint(cp); err != nil {
		glog.Warningf("[writer] %s: retention cleanup after %s: %v", w.dir.Location(), cp.SegmentsFileName(), err)
	}
	return cp, nil
}

// flush writes the buffered documents as a new segment and publishes the
// commit point referencing them.
func (w *Writer) flush(segments []SegmentInfo) (*CommitPoint, error) {
	if docs := w.buffer.Documents(); len(docs) > 0 {
		name, err := w.nextSegmentName()
		if err != nil {
			return nil, err
		}
		seg, err := writeSegment(w.dir, name, docs)
		if err != nil {
			return nil, fmt.Errorf("flush segment %s: %w", name, err)
		}
		w.cache.putSegment(seg)
		segments = append(segments, SegmentInfo{Name: name, DocCount: len(seg.docs)})
	}
	segments = slices.DeleteFunc(segments, func(s SegmentInfo) bool {
		return s.DelCount >= s.DocCount
	})

	cp := &CommitPoint{
		id:         ulid.Make(),
		generation: w.generation + 1,
		counter:    w.counter,
		segments:   segments,
		userData:   maps.Clone(w.commitData),
	}
	if err := w.publish(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// publish writes the commit file, skipping generations whose file name is
// already taken by a stale file.
func (w *Writer) publish(cp *CommitPoint) error {
	for {
		exists, err := w.dir.FileExists(cp.SegmentsFileName())
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		cp.generation++
	}
	return writeCommit(w.dir, cp)
}

// thaw returns a writable copy of a frozen buffer after a failed flush so the
// buffered documents survive for a retry or an explicit rollback.
func (w *Writer) thaw() *memTable {
	fresh := newMemTable()
	for _, enc := range w.buffer.Documents() {
		// Encoded by Add, so decoding cannot fail.
		doc, _ := decodeDocument(enc)
		fresh.Add(doc)
	}
	return fresh
}

func (w *Writer) nextSegmentName() (string, error) {
	for {
		name := segmentName(w.counter)
		w.counter++
		exists, err := w.dir.FileExists(segmentFileName(name))
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
}

// applyDeletes resolves pending delete queries against committed segments,
// writing a new deletion generation for every segment that changed.
func (w *Writer) applyDeletes(segments []SegmentInfo) error {
	for i, info := range segments {
		seg, live, err := w.cache.load(w.dir, info)
		if err != nil {
			return err
		}
		var next *liveDocs
		for ordinal, doc := range seg.docs {
			if live != nil && !live.isLive(ordinal) {
				continue
			}
			if !w.matchesPending(doc) {
				continue
			}
			if next == nil {
				if live != nil {
					next = live.clone()
				} else {
					next = newLiveDocs(len(seg.docs))
				}
			}
			next.delete(ordinal)
		}
		if next == nil {
			continue
		}
		if next.count >= len(seg.docs) {
			// Dropped from the commit entirely; no deletion file needed.
			segments[i].DelCount = next.count
			continue
		}

		delGen := info.DelGen + 1
		for {
			exists, err := w.dir.FileExists(deletesFileName(info.Name, delGen))
			if err != nil {
				return err
			}
			if !exists {
				break
			}
			delGen++
		}
		fileName := deletesFileName(info.Name, delGen)
		if err := writeLiveDocs(w.dir, fileName, next); err != nil {
			return fmt.Errorf("write deletions %s: %w", fileName, err)
		}
		w.cache.putLive(fileName, next)
		segments[i].DelGen = delGen
		segments[i].DelCount = next.count
	}
	return nil
}

func (w *Writer) matchesPending(doc Document) bool {
	if len(w.pendingIDs) > 0 {
		for _, id := range doc.Values(IDField) {
			if _, ok := w.pendingIDs[id]; ok {
				return true
			}
		}
	}
	for _, q := range w.pending {
		if q.Matches(doc) {
			return true
		}
	}
	return false
}

// DeleteUnusedFiles re-runs the deletion policy, removing commits that became
// deletable since the last pass (for example after a snapshot release).
func (w *Writer) DeleteUnusedFiles() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return storage.ErrAlreadyClosed
	}
	return w.deleter.revisit()
}

// Rollback discards every uncommitted change and closes the writer.
func (w *Writer) Rollback() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if w.changes > 0 {
		glog.V(1).Infof("[writer] %s rollback drops %d uncommitted changes", w.dir.Location(), w.changes)
	}
	w.closeLocked()
	return nil
}

// Close releases the writer. Uncommitted changes are discarded; call Commit
// first to keep them. Close is idempotent.
func (w *Writer) Close() error {
	return w.Rollback()
}

func (w *Writer) closeLocked() {
	w.buffer = newMemTable()
	w.pending = nil
	w.pendingIDs = nil
	w.deleteAll = false
	w.changes = 0
	w.closed = true
}

// IsOpen reports whether the writer accepts changes.
func (w *Writer) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

// segmentCache shares loaded segments and deletion sets between a writer and
// the readers opened on its directory. Entries are immutable.
type segmentCache struct {
	mu    sync.RWMutex
	segs  map[string]*segmentData
	lives map[string]*liveDocs
}

func newSegmentCache() *segmentCache {
	return &segmentCache{
		segs:  make(map[string]*segmentData),
		lives: make(map[string]*liveDocs),
	}
}

func (c *segmentCache) putSegment(seg *segmentData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs[seg.name] = seg
}

func (c *segmentCache) putLive(fileName string, live *liveDocs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lives[fileName] = live
}

// load returns the segment and its deletions (nil when none).
func (c *segmentCache) load(dir storage.Directory, info SegmentInfo) (*segmentData, *liveDocs, error) {
	c.mu.RLock()
	seg := c.segs[info.Name]
	var live *liveDocs
	delFile := ""
	if info.DelGen > 0 {
		delFile = deletesFileName(info.Name, info.DelGen)
		live = c.lives[delFile]
	}
	c.mu.RUnlock()

	if seg == nil {
		loaded, err := loadSegment(dir, info.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("load segment %s: %w", info.Name, err)
		}
		if len(loaded.docs) != info.DocCount {
			return nil, nil, fmt.Errorf("load segment %s: %w", info.Name, storage.ErrCorruptSegment)
		}
		seg = loaded
		c.putSegment(seg)
	}
	if delFile != "" && live == nil {
		loaded, err := readLiveDocs(dir, delFile, len(seg.docs))
		if err != nil {
			return nil, nil, fmt.Errorf("load deletions %s: %w", delFile, err)
		}
		live = loaded
		c.putLive(delFile, live)
	}
	return seg, live, nil
}

// evict drops the cache entry backing a deleted file.
func (c *segmentCache) evict(fileName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.HasSuffix(fileName, segmentExt):
		delete(c.segs, strings.TrimSuffix(fileName, segmentExt))
	case strings.HasSuffix(fileName, deletesExt):
		delete(c.lives, fileName)
	}
}
