// Package indexsvc serves the branches of one repository: it caches a
// BranchService per logical branch, routes index, commit and search calls to
// it, creates and reopens branches and decides which branches may be purged.
package indexsvc

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/multierr"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/config"
	"github.com/matteso1/revindex/internal/directory"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/metrics"
	"github.com/matteso1/revindex/internal/retention"
	"github.com/matteso1/revindex/internal/storage"
)

// RegistryFile is the name of the registry persisted under the index root.
const RegistryFile = "registry.yaml"

// Options configures an IndexService.
type Options struct {
	Manager  directory.Manager
	Registry branch.Registry
	// Policy is the retention policy of every branch. Defaults to
	// retention.KeepBranchPointAndLast.
	Policy index.DeletionPolicy
	// Repository names the connection the purge predicate checks.
	Repository string
	// CacheSize bounds the cached branch services. 0 means unbounded.
	CacheSize int
	// IdleTimeout enables the idle sweeper when positive.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	// Now is the clock used for usage tracking. Defaults to time.Now.
	Now func() time.Time
}

// IndexService is the process-wide entry point to the branches of a
// repository. It is the only owner of BranchService instances.
type IndexService struct {
	manager     directory.Manager
	registry    branch.Registry
	policy      index.DeletionPolicy
	repository  string
	idleTimeout time.Duration
	metrics     *metrics.Metrics

	cache   *serviceCache
	usage   *usageTracker
	sweeper *sweeper

	startMu sync.Mutex
	started map[branch.PhysicalPath]bool

	disposeOnce sync.Once
	disposeErr  error
}

// New creates an IndexService over opts.Manager. The service owns the
// manager and closes it on Dispose.
func New(opts Options) *IndexService {
	if opts.Registry == nil {
		opts.Registry = branch.NewRegistry()
	}
	if opts.Policy == nil {
		opts.Policy = retention.KeepBranchPointAndLast{}
	}
	s := &IndexService{
		manager:     opts.Manager,
		registry:    opts.Registry,
		policy:      opts.Policy,
		repository:  opts.Repository,
		idleTimeout: opts.IdleTimeout,
		metrics:     opts.Metrics,
		usage:       newUsageTracker(opts.Now),
		started:     make(map[branch.PhysicalPath]bool),
	}
	s.cache = newServiceCache(opts.CacheSize, opts.Metrics, s.load, s.firstStartup)
	if opts.IdleTimeout > 0 && opts.SweepInterval > 0 {
		s.sweeper = newSweeper(opts.SweepInterval, s.SweepIdle)
		s.sweeper.start()
	}
	return s
}

// Open builds an IndexService from cfg. FS-backed services persist their
// registry next to MAIN under cfg.Root. seed runs the first time MAIN is
// created empty; it may be nil.
func Open(cfg config.Config, m *metrics.Metrics, seed func(directory.Bootstrapper) error) (*IndexService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := retention.New(cfg.Retention, cfg.VersionKey)
	if err != nil {
		return nil, err
	}

	var (
		registry *branch.MemoryRegistry
		manager  directory.Manager
	)
	if cfg.InMemory {
		registry = branch.NewRegistry()
		manager = directory.NewMemoryManager(directory.Options{Registry: registry, FirstStartup: seed})
	} else {
		registry, err = branch.OpenRegistry(filepath.Join(cfg.Root, RegistryFile))
		if err != nil {
			return nil, err
		}
		manager = directory.NewFSManager(cfg.Root, cfg.Umask, directory.Options{Registry: registry, FirstStartup: seed})
	}

	glog.Infof("[indexsvc] opening repository %q (retention=%s, cache=%d, idle=%s)", cfg.Repository, cfg.Retention, cfg.CacheSize, cfg.IdleTimeout)
	return New(Options{
		Manager:       manager,
		Registry:      registry,
		Policy:        policy,
		Repository:    cfg.Repository,
		CacheSize:     cfg.CacheSize,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Metrics:       m,
	}), nil
}

func (s *IndexService) load(p branch.Path) (*BranchService, error) {
	return newBranchService(serviceConfig{
		path:     p,
		physical: s.registry.Physical(p),
		manager:  s.manager,
		policy:   s.policy,
		metrics:  s.metrics,
	})
}

// firstStartup seeds a freshly created MAIN once per physical location.
func (s *IndexService) firstStartup(svc *BranchService) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started[svc.Physical()] {
		return nil
	}
	s.started[svc.Physical()] = true
	s.metrics.RecordFirstStartup()
	return s.manager.FirstStartup(svc)
}

// Registry returns the branch registry the service resolves paths with.
func (s *IndexService) Registry() branch.Registry { return s.registry }

// GetBranchService returns the cached service of p, opening it on first use.
func (s *IndexService) GetBranchService(p branch.Path) (*BranchService, error) {
	s.usage.touch(p)
	return s.cache.get(p)
}

// InactiveClose evicts p's service. Unless force is set, a service with
// uncommitted changes is kept. It reports whether the service was closed.
func (s *IndexService) InactiveClose(p branch.Path, force bool) (bool, error) {
	closed, err := s.cache.inactiveClose(p, force)
	if closed {
		s.usage.forget(p)
		s.metrics.ForgetBranch(string(p))
	}
	return closed, err
}

// SweepIdle closes the clean services of branches idle for longer than the
// configured timeout and returns how many it closed.
func (s *IndexService) SweepIdle() int {
	if s.idleTimeout <= 0 {
		return 0
	}
	n := 0
	for _, p := range s.usage.idle(s.idleTimeout) {
		closed, err := s.InactiveClose(p, false)
		if err != nil {
			glog.Warningf("[indexsvc] idle close %s: %v", p, err)
			continue
		}
		if closed {
			n++
		}
	}
	return n
}

// CreateBranch registers p and stamps its parent so that p sees the parent
// as of now. tags are stored with the stamp, e.g. metadata.TagKey for a
// release that must survive purging.
func (s *IndexService) CreateBranch(p branch.Path, tags map[string]string) error {
	parent, ok := p.Parent()
	if !ok || p.IsBase() {
		return fmt.Errorf("create branch %s: %w", p, branch.ErrInvalidPath)
	}
	parentSvc, err := s.GetBranchService(parent)
	if err != nil {
		return err
	}
	physical := s.registry.Physical(p)
	err = parentSvc.exclusive(func() error {
		if err := parentSvc.checkWrite(); err != nil {
			return err
		}
		stamped, err := parentSvc.findStampLocked(physical)
		if err != nil {
			return err
		}
		if stamped != nil {
			return fmt.Errorf("create branch %s: %w", p, ErrBranchExists)
		}
		if _, err := parentSvc.createIndexCommitLocked(physical, tags); err != nil {
			return err
		}
		if err := s.registry.Register(p); err != nil {
			return err
		}
		return s.invalidateTree(p)
	})
	if err != nil {
		return err
	}
	glog.Infof("[indexsvc] created branch %s at %s", p, physical)
	return nil
}

// Reopen moves p onto the parent's current state: the parent is stamped for
// physical, the registry points p at it and p's cached services are dropped
// so the next access rebuilds them. An empty physical picks a fresh one. Data
// already committed on p stays under its old location, which the manager no
// longer caches.
func (s *IndexService) Reopen(p branch.Path, physical branch.PhysicalPath) (branch.PhysicalPath, error) {
	p = p.Context()
	parent, ok := p.Parent()
	if !ok {
		return "", fmt.Errorf("reopen %s: %w", p, branch.ErrInvalidPath)
	}
	if physical == "" {
		physical = s.registry.NewPhysical(p)
	}
	parentSvc, err := s.GetBranchService(parent)
	if err != nil {
		return "", err
	}
	previous := s.registry.Physical(p)
	err = parentSvc.exclusive(func() error {
		if _, err := parentSvc.createIndexCommitLocked(physical, nil); err != nil {
			return err
		}
		if err := s.registry.SetPhysical(p, physical); err != nil {
			return err
		}
		if err := s.invalidateTree(p); err != nil {
			return err
		}
		if previous != physical {
			s.manager.Forget(previous)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.metrics.RecordReopen()
	glog.Infof("[indexsvc] reopened %s at %s", p, physical)
	return physical, nil
}

// invalidateTree force-closes the cached services of p, its base path and
// every descendant.
func (s *IndexService) invalidateTree(p branch.Path) error {
	targets := []branch.Path{p, p.Base()}
	prefix := string(p) + branch.Separator
	for _, cached := range s.cache.paths() {
		if strings.HasPrefix(string(cached), prefix) {
			targets = append(targets, cached)
		}
	}
	var errs error
	for _, t := range targets {
		errs = multierr.Append(errs, s.cache.invalidate(t))
		s.metrics.ForgetBranch(string(t))
	}
	return errs
}

// write runs fn against the service of p. A service evicted between lookup
// and fn is reloaded once; its uncommitted changes went with it, so fn runs
// again from the start.
func (s *IndexService) write(p branch.Path, fn func(svc *BranchService) error) error {
	for attempt := 0; ; attempt++ {
		svc, err := s.GetBranchService(p)
		if err != nil {
			return err
		}
		err = fn(svc)
		if err == nil || !errors.Is(err, ErrClosed) || attempt > 0 {
			return err
		}
		glog.V(1).Infof("[indexsvc] %s closed under write, reloading", p)
	}
}

// Index adds docs to p, replacing documents with the same id.
func (s *IndexService) Index(p branch.Path, docs ...index.Document) error {
	err := s.write(p, func(svc *BranchService) error {
		for _, doc := range docs {
			if err := svc.UpdateDocument(index.IDTerm(doc.ID()), doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RecordIndexed(len(docs))
	return nil
}

// Delete deletes the documents with the given ids from p.
func (s *IndexService) Delete(p branch.Path, ids ...string) error {
	terms := make([]index.Term, len(ids))
	for i, id := range ids {
		terms[i] = index.IDTerm(id)
	}
	return s.DeleteTerms(p, terms...)
}

// DeleteTerms deletes the documents carrying any of terms from p.
func (s *IndexService) DeleteTerms(p branch.Path, terms ...index.Term) error {
	err := s.write(p, func(svc *BranchService) error {
		return svc.DeleteDocuments(terms...)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordDeleted(len(terms))
	return nil
}

// DeleteQuery deletes the documents matching q from p.
func (s *IndexService) DeleteQuery(p branch.Path, q index.Query) error {
	return s.write(p, func(svc *BranchService) error {
		return svc.DeleteDocumentsQuery(q)
	})
}

// DeleteAll drops every document of p.
func (s *IndexService) DeleteAll(p branch.Path) error {
	return s.write(p, (*BranchService).DeleteAll)
}

// Commit commits p. Searches issued after it returns see the commit.
// A service evicted just before the commit had nothing left to commit, so
// the retry commits the reloaded, clean service.
func (s *IndexService) Commit(p branch.Path) error {
	return s.write(p, (*BranchService).Commit)
}

// CommitWithTags commits p with tags stored on the commit.
func (s *IndexService) CommitWithTags(p branch.Path, tags map[string]string) (*index.CommitPoint, error) {
	var c *index.CommitPoint
	err := s.write(p, func(svc *BranchService) (err error) {
		c, err = svc.CommitWithTags(tags)
		return err
	})
	return c, err
}

// Rollback drops the uncommitted changes of p.
func (s *IndexService) Rollback(p branch.Path) error {
	return s.write(p, (*BranchService).Rollback)
}

// read runs fn against a reader of p and always releases it.
func (s *IndexService) read(p branch.Path, fn func(r *index.Reader)) (err error) {
	start := time.Now()
	var (
		svc *BranchService
		r   *index.Reader
	)
	// A service evicted between lookup and acquire is reloaded once.
	for attempt := 0; ; attempt++ {
		svc, err = s.GetBranchService(p)
		if err != nil {
			return err
		}
		r, err = svc.Acquire()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrClosed) || attempt > 0 {
			s.metrics.RecordError()
			return storage.Wrap("search", string(p), err)
		}
	}
	defer func() {
		multierr.AppendInto(&err, svc.Release(r))
		s.metrics.RecordSearch(time.Since(start))
	}()
	fn(r)
	return nil
}

// Search returns the first n hits of q on p, sorted by sort when given.
func (s *IndexService) Search(p branch.Path, q index.Query, n int, sort *index.SortField) (index.TopDocs, error) {
	var top index.TopDocs
	err := s.read(p, func(r *index.Reader) { top = r.Search(q, n, sort) })
	return top, err
}

// Collect returns every document of p matching q, in no particular order.
func (s *IndexService) Collect(p branch.Path, q index.Query) ([]index.Document, error) {
	var docs []index.Document
	err := s.read(p, func(r *index.Reader) { docs = r.Collect(q) })
	return docs, err
}

// Group returns the ids of p's documents matching q keyed by their values of
// field.
func (s *IndexService) Group(p branch.Path, q index.Query, field string) (map[string][]string, error) {
	var groups map[string][]string
	err := s.read(p, func(r *index.Reader) { groups = r.Group(q, field) })
	return groups, err
}

// Count returns the number of p's documents matching q.
func (s *IndexService) Count(p branch.Path, q index.Query) (int, error) {
	var n int
	err := s.read(p, func(r *index.Reader) { n = r.Count(q) })
	return n, err
}

// Lookup fetches the document with id from p.
func (s *IndexService) Lookup(p branch.Path, id string) (index.Document, bool, error) {
	var (
		doc   index.Document
		found bool
	)
	err := s.read(p, func(r *index.Reader) { doc, found = r.Lookup(id) })
	return doc, found, err
}

// Snapshot pins p's newest commit until ReleaseSnapshot, e.g. for an export.
func (s *IndexService) Snapshot(p branch.Path) (index.IndexCommit, error) {
	svc, err := s.GetBranchService(p)
	if err != nil {
		return nil, err
	}
	return svc.Snapshot()
}

// ReleaseSnapshot unpins a commit returned by Snapshot.
func (s *IndexService) ReleaseSnapshot(p branch.Path, commit index.IndexCommit) error {
	svc, err := s.GetBranchService(p)
	if err != nil {
		return err
	}
	return svc.ReleaseSnapshot(commit)
}

// ListFiles lists the files stored under p's own location.
func (s *IndexService) ListFiles(p branch.Path) ([]string, error) {
	return s.manager.ListFiles(p)
}

// Commits lists the commits visible on p, oldest first.
func (s *IndexService) Commits(p branch.Path) ([]*index.CommitPoint, error) {
	svc, err := s.GetBranchService(p)
	if err != nil {
		return nil, err
	}
	return svc.Commits()
}

// Branches lists the registered branches.
func (s *IndexService) Branches() []branch.Path {
	return slices.Clone(s.registry.Branches())
}

// Dispose stops the sweeper and closes every branch service and the
// directory manager. It is safe to call more than once.
func (s *IndexService) Dispose() error {
	s.disposeOnce.Do(func() {
		if s.sweeper != nil {
			s.sweeper.stop()
		}
		errs := s.cache.invalidateAll()
		errs = multierr.Append(errs, s.manager.Close())
		s.disposeErr = errs
		glog.Infof("[indexsvc] disposed")
	})
	return s.disposeErr
}
