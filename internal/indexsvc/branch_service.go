package indexsvc

import (
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/multierr"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/directory"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/metadata"
	"github.com/matteso1/revindex/internal/metrics"
	"github.com/matteso1/revindex/internal/storage"
)

// State is the lifecycle state of a BranchService.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BranchService owns the writer and reader manager of one branch.
//
// Writer mutations run under a shared lock; Commit, Rollback and Close take
// it exclusively so that a dirtiness check followed by an eviction cannot
// interleave with them. A service whose branch exists but was never stamped
// by its parent is a phantom: it has no writer and no readers, mutations are
// dropped and searches see nothing.
type BranchService struct {
	path     branch.Path
	physical branch.PhysicalPath
	manager  directory.Manager
	policy   index.DeletionPolicy
	metrics  *metrics.Metrics
	readOnly bool

	mu           sync.RWMutex
	state        State
	dir          storage.Directory
	snapshots    *index.SnapshotPolicy
	writer       *index.Writer
	readers      *index.ReaderManager
	firstStartup bool
}

type serviceConfig struct {
	path     branch.Path
	physical branch.PhysicalPath
	manager  directory.Manager
	policy   index.DeletionPolicy
	metrics  *metrics.Metrics
}

func newBranchService(cfg serviceConfig) (svc *BranchService, err error) {
	s := &BranchService{
		path:     cfg.path,
		physical: cfg.physical,
		manager:  cfg.manager,
		policy:   cfg.policy,
		metrics:  cfg.metrics,
		readOnly: cfg.path.IsBase(),
	}
	s.dir, err = cfg.manager.OpenDirectory(cfg.path, s.readOnly)
	if err != nil {
		return nil, storage.Wrap("open branch", cfg.manager.Location(cfg.path), err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.closeResources())
		}
	}()

	switch {
	case s.readOnly:
		s.readers, err = index.NewDirectoryReaderManager(s.dir)
	case s.path.IsMain():
		err = s.openMain()
	default:
		err = s.openChild()
	}
	if err != nil {
		return nil, storage.Wrap("open branch", s.dir.Location(), err)
	}

	kind := "writable"
	switch {
	case s.readOnly:
		kind = "read-only"
	case s.writer == nil:
		kind = "phantom"
	}
	glog.Infof("[indexsvc] opened %s branch service %s at %s", kind, s.path, s.dir.Location())
	return s, nil
}

func (s *BranchService) openMain() error {
	exists, err := index.IndexExists(s.dir)
	if err != nil {
		return err
	}
	if err := s.openWriter(0); err != nil {
		return err
	}
	if !exists {
		if _, err := s.writer.Commit(); err != nil {
			return err
		}
		s.firstStartup = true
	}
	return s.openReaders()
}

func (s *BranchService) openChild() error {
	own, err := s.manager.Commits(s.path)
	if err != nil {
		return err
	}
	if len(own) == 0 {
		stamped, err := metadata.FindCommit(s.dir, metadata.BranchPathKey, metadata.Exact(string(s.physical)))
		if err != nil {
			return err
		}
		if stamped == nil {
			return nil
		}
	}

	counter, err := metadata.Find(s.dir, metadata.SegmentCounterKey, metadata.NonEmpty, "0")
	if err != nil {
		return err
	}
	seed, err := strconv.ParseInt(counter, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: segment counter %q", storage.ErrCorruptCommit, counter)
	}
	if err := s.openWriter(seed); err != nil {
		return err
	}
	return s.openReaders()
}

func (s *BranchService) openWriter(seed int64) error {
	s.snapshots = index.NewSnapshotPolicy(s.policy)
	w, err := index.OpenWriter(s.dir, index.WriterConfig{
		Policy:            s.snapshots,
		MinSegmentCounter: seed,
	})
	if err != nil {
		return err
	}
	s.writer = w
	return nil
}

func (s *BranchService) openReaders() error {
	readers, err := index.NewReaderManager(s.writer)
	if err != nil {
		return err
	}
	s.readers = readers
	return nil
}

// Path returns the logical branch path.
func (s *BranchService) Path() branch.Path { return s.path }

// Physical returns the physical path the branch stores its files under.
func (s *BranchService) Physical() branch.PhysicalPath { return s.physical }

// ReadOnly reports whether the branch rejects writes.
func (s *BranchService) ReadOnly() bool { return s.readOnly }

// State returns the lifecycle state.
func (s *BranchService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Phantom reports whether the branch has no index yet.
func (s *BranchService) Phantom() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.readOnly && s.writer == nil
}

// Dirty reports whether the writer has buffered, uncommitted mutations.
func (s *BranchService) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirtyLocked()
}

func (s *BranchService) dirtyLocked() bool {
	return s.writer != nil && s.writer.HasUncommittedChanges()
}

// FirstStartup reports whether opening the service created MAIN's index.
func (s *BranchService) FirstStartup() bool {
	return s.firstStartup
}

func (s *BranchService) checkRead() error {
	if s.state == StateClosed {
		return ErrClosed
	}
	return nil
}

func (s *BranchService) checkWrite() error {
	if err := s.checkRead(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// mutate runs fn against the writer under the shared lock. Phantom branches
// drop the mutation.
func (s *BranchService) mutate(fn func(w *index.Writer) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	if s.writer == nil {
		return nil
	}
	return fn(s.writer)
}

// AddDocument buffers doc.
func (s *BranchService) AddDocument(doc index.Document) error {
	return s.mutate(func(w *index.Writer) error { return w.AddDocument(doc) })
}

// UpdateDocument replaces the documents carrying term with doc.
func (s *BranchService) UpdateDocument(term index.Term, doc index.Document) error {
	return s.mutate(func(w *index.Writer) error { return w.UpdateDocument(term, doc) })
}

// DeleteDocuments deletes every document carrying any of terms.
func (s *BranchService) DeleteDocuments(terms ...index.Term) error {
	return s.mutate(func(w *index.Writer) error { return w.DeleteDocuments(terms...) })
}

// DeleteDocumentsQuery deletes every document matching any of queries.
func (s *BranchService) DeleteDocumentsQuery(queries ...index.Query) error {
	return s.mutate(func(w *index.Writer) error { return w.DeleteDocumentsQuery(queries...) })
}

// DeleteAll drops every document visible on the branch.
func (s *BranchService) DeleteAll() error {
	return s.mutate(func(w *index.Writer) error { return w.DeleteAll() })
}

// Commit publishes buffered changes as an untagged commit and waits until
// the reader manager serves it.
func (s *BranchService) Commit() error {
	_, err := s.CommitWithTags(nil)
	return err
}

// CommitWithTags publishes buffered changes with tags as the commit's tag
// map. The tags do not carry over to later commits.
func (s *BranchService) CommitWithTags(tags map[string]string) (*index.CommitPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return nil, err
	}
	if s.writer == nil {
		return nil, nil
	}
	return s.commitLocked(tags)
}

func (s *BranchService) commitLocked(tags map[string]string) (*index.CommitPoint, error) {
	start := time.Now()
	s.writer.SetCommitData(tags)
	cp, err := s.writer.Commit()
	s.writer.SetCommitData(nil)
	if err != nil {
		s.metrics.RecordError()
		return nil, err
	}
	if err := s.readers.MaybeRefreshBlocking(); err != nil {
		s.metrics.RecordError()
		return nil, storage.Wrap("refresh", s.dir.Location(), err)
	}
	s.metrics.RecordCommit(string(s.path), cp.NumDocs(), time.Since(start))
	glog.V(1).Infof("[indexsvc] %s committed gen=%d docs=%d tags=%v", s.path, cp.Generation(), cp.NumDocs(), tags)
	return cp, nil
}

// CreateIndexCommit stamps the branch with a commit tagged for the child at
// physical, recording the point in time the child sees. extra tags are
// stored alongside the stamp.
func (s *BranchService) CreateIndexCommit(physical branch.PhysicalPath, extra map[string]string) (*index.CommitPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createIndexCommitLocked(physical, extra)
}

// grouping is implemented by retention policies that keep one commit per
// value of a tag.
type grouping interface {
	GroupKey() string
}

func (s *BranchService) createIndexCommitLocked(physical branch.PhysicalPath, extra map[string]string) (*index.CommitPoint, error) {
	if err := s.checkWrite(); err != nil {
		return nil, err
	}
	if s.writer == nil {
		return nil, fmt.Errorf("stamp %s on %s: %w", physical, s.path, ErrNotPopulated)
	}
	tags := maps.Clone(extra)
	if tags == nil {
		tags = make(map[string]string, 2)
	}
	tags[metadata.BranchPathKey] = string(physical)
	tags[metadata.SegmentCounterKey] = strconv.FormatInt(s.writer.SegmentCounter(), 10)
	// Under a policy that groups by tag, each stamp is a version of its own.
	if g, ok := s.policy.(grouping); ok && g.GroupKey() != "" {
		if _, set := tags[g.GroupKey()]; !set {
			tags[g.GroupKey()] = string(physical)
		}
	}
	cp, err := s.commitLocked(tags)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[indexsvc] %s stamped for %s, next segment counter %d", s.path, physical, s.writer.SegmentCounter())
	return cp, nil
}

// Rollback drops uncommitted changes and opens a fresh writer. Readers keep
// serving the last commit.
func (s *BranchService) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	if s.writer == nil {
		return nil
	}
	seed := s.writer.SegmentCounter()
	if err := s.writer.Rollback(); err != nil {
		return storage.Wrap("rollback", s.dir.Location(), err)
	}
	w, err := index.OpenWriter(s.dir, index.WriterConfig{
		Policy:            s.snapshots,
		MinSegmentCounter: seed,
	})
	if err != nil {
		s.writer = nil
		s.state = StateClosed
		return storage.Wrap("rollback", s.dir.Location(), multierr.Append(err, s.closeResources()))
	}
	s.writer = w
	s.metrics.RecordRollback()
	glog.V(1).Infof("[indexsvc] %s rolled back", s.path)
	return nil
}

// Acquire returns a point-in-time reader. Callers must Release it.
func (s *BranchService) Acquire() (*index.Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	if s.readers == nil {
		return index.OpenReader(storage.NewRAMDirectory(string(s.path)))
	}
	return s.readers.Acquire()
}

// Release returns a reader obtained from Acquire.
func (s *BranchService) Release(r *index.Reader) error {
	if r == nil {
		return nil
	}
	s.mu.RLock()
	readers := s.readers
	s.mu.RUnlock()
	if readers == nil {
		return r.DecRef()
	}
	return readers.Release(r)
}

// Refresh makes the reader manager pick up the newest commit if it is free
// to do so. It reports whether the current reader is up to date.
func (s *BranchService) Refresh() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return false, err
	}
	if s.readers == nil {
		return true, nil
	}
	return s.readers.MaybeRefresh()
}

// Snapshot pins the newest commit against deletion until ReleaseSnapshot.
func (s *BranchService) Snapshot() (index.IndexCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkWrite(); err != nil {
		return nil, err
	}
	if s.snapshots == nil {
		return nil, index.ErrNoCommit
	}
	return s.snapshots.Snapshot()
}

// ReleaseSnapshot unpins commit and lets the retention policy reclaim it.
func (s *BranchService) ReleaseSnapshot(commit index.IndexCommit) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	if s.snapshots == nil || commit == nil {
		return nil
	}
	s.snapshots.Release(commit)
	return s.writer.DeleteUnusedFiles()
}

// HasSnapshotIndexCommit reports whether any commit stored by the branch
// itself carries the tag marker.
func (s *BranchService) HasSnapshotIndexCommit() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return false, err
	}
	own, err := s.manager.Commits(s.path)
	if err != nil {
		return false, err
	}
	return metadata.Scan(own, metadata.TagKey, metadata.NonEmpty) != nil, nil
}

// GetHeadIndexCommit returns the newest commit visible to the branch, or nil.
func (s *BranchService) GetHeadIndexCommit() (*index.CommitPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	cp, err := index.LatestCommit(s.dir)
	if err != nil {
		return nil, storage.Wrap("head commit", s.dir.Location(), err)
	}
	return cp, nil
}

// GetIndexCommit returns the newest commit stamped for physical, or nil.
func (s *BranchService) GetIndexCommit(physical branch.PhysicalPath) (*index.CommitPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	return s.findStampLocked(physical)
}

func (s *BranchService) findStampLocked(physical branch.PhysicalPath) (*index.CommitPoint, error) {
	cp, err := metadata.FindCommit(s.dir, metadata.BranchPathKey, metadata.Exact(string(physical)))
	if err != nil {
		return nil, storage.Wrap("find commit", s.dir.Location(), err)
	}
	return cp, nil
}

// exclusive runs fn holding the service lock exclusively.
func (s *BranchService) exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Commits lists the commits the branch can see, oldest first.
func (s *BranchService) Commits() ([]*index.CommitPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	commits, err := index.ListCommits(s.dir)
	if err != nil {
		return nil, storage.Wrap("list commits", s.dir.Location(), err)
	}
	return commits, nil
}

// Close releases the reader manager, the writer and the directory in that
// order. Uncommitted changes are dropped. Close is idempotent.
func (s *BranchService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// closeIf closes the service if keep reports false, holding the exclusive
// lock across the check and the close. onClose runs under the same lock.
func (s *BranchService) closeIf(keep func(dirty bool) bool, onClose func()) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		if onClose != nil {
			onClose()
		}
		return false, nil
	}
	if keep(s.dirtyLocked()) {
		return false, nil
	}
	if onClose != nil {
		onClose()
	}
	return true, s.closeLocked()
}

func (s *BranchService) closeLocked() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	err := s.closeResources()
	if err != nil {
		glog.Warningf("[indexsvc] closing %s: %v", s.path, err)
	}
	glog.Infof("[indexsvc] closed branch service %s", s.path)
	return err
}

func (s *BranchService) closeResources() error {
	var errs error
	if s.readers != nil {
		errs = multierr.Append(errs, s.readers.Close())
	}
	if s.writer != nil {
		errs = multierr.Append(errs, s.writer.Rollback())
		errs = multierr.Append(errs, s.writer.Close())
	}
	if s.dir != nil {
		errs = multierr.Append(errs, s.dir.Close())
	}
	return errs
}
