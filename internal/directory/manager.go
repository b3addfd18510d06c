// Package directory opens the storage of branches and composes the overlay
// view each branch reads through.
//
// A branch directory is its own writable directory layered over a
// restricted, read-only view of its parent. The restricted view exposes only
// the files named by the commits stamped for the branch along the whole
// ancestor chain: deletion files are not incremental, so the immediate
// parent's stamped commit alone is not enough.
package directory

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/metadata"
	"github.com/matteso1/revindex/internal/storage"
)

// Bootstrapper receives the content seeded into a freshly created MAIN.
type Bootstrapper interface {
	AddDocument(doc index.Document) error
	Commit() error
}

// Manager opens branch directories. Implementations cache directories per
// storage location and are safe for concurrent use.
type Manager interface {
	// OpenDirectory returns the directory p reads and writes through. Base
	// paths are always opened read-only.
	OpenDirectory(p branch.Path, readOnly bool) (storage.Directory, error)
	// FirstStartup runs the bootstrap hook against the branch service of a
	// MAIN that was just created empty. Callers serialize invocations.
	FirstStartup(b Bootstrapper) error
	// ListFiles lists the files referenced by any commit stored under p's own
	// location, as paths relative to the index root.
	ListFiles(p branch.Path) ([]string, error)
	// Commits lists the commits stored under p's own location, oldest first.
	// Commits inherited from ancestors are not included.
	Commits(p branch.Path) ([]*index.CommitPoint, error)
	// DeleteIndex removes p's own files. Ancestors and children are untouched.
	DeleteIndex(p branch.Path) error
	// Location names p's own storage location.
	Location(p branch.Path) string
	// Forget drops the cached directories of phys and of the locations
	// below it that no known branch resolves to any more, and returns how
	// many it dropped. Files on disk stay where they are; memory-backed
	// content is discarded.
	Forget(phys branch.PhysicalPath) int
	Close() error
}

// Options configures a Manager.
type Options struct {
	Registry branch.Registry
	// FirstStartup seeds a new MAIN. Nil means nothing is seeded.
	FirstStartup func(b Bootstrapper) error
}

// store creates and removes the own directory of one physical path.
type store interface {
	open(phys branch.PhysicalPath) storage.Directory
	location(phys branch.PhysicalPath) string
	remove(phys branch.PhysicalPath, d storage.Directory) error
}

type manager struct {
	store    store
	registry branch.Registry
	hook     func(b Bootstrapper) error

	group  singleflight.Group
	mu     sync.Mutex
	dirs   map[branch.PhysicalPath]storage.Directory
	closed bool
}

func newManager(s store, opts Options) *manager {
	registry := opts.Registry
	if registry == nil {
		registry = branch.NewRegistry()
	}
	return &manager{
		store:    s,
		registry: registry,
		hook:     opts.FirstStartup,
		dirs:     make(map[branch.PhysicalPath]storage.Directory),
	}
}

// own returns the cached own directory of phys, creating it exactly once.
// The result is shared; closing it is a no-op.
func (m *manager) own(phys branch.PhysicalPath) (storage.Directory, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, storage.ErrAlreadyClosed
	}
	d, ok := m.dirs[phys]
	m.mu.Unlock()
	if ok {
		return storage.Shared(d), nil
	}

	v, err, _ := m.group.Do(string(phys), func() (any, error) {
		m.mu.Lock()
		if d, ok := m.dirs[phys]; ok {
			m.mu.Unlock()
			return d, nil
		}
		m.mu.Unlock()

		d := m.store.open(phys)
		glog.V(1).Infof("[directory] opened %s", d.Location())

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			d.Close()
			return nil, storage.ErrAlreadyClosed
		}
		m.dirs[phys] = d
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return storage.Shared(v.(storage.Directory)), nil
}

func (m *manager) OpenDirectory(p branch.Path, readOnly bool) (storage.Directory, error) {
	if p.IsBase() {
		readOnly = true
	}
	mainDir, err := m.own(m.registry.Physical(branch.Main))
	if err != nil {
		return nil, err
	}
	if p.IsMain() {
		if readOnly {
			return storage.ReadOnly(mainDir), nil
		}
		return mainDir, nil
	}

	levels := chain(p.Context())
	parent := mainDir
	visible := make(map[string]struct{})
	for i, level := range levels {
		phys := m.registry.Physical(level)
		stamped, err := metadata.FindCommit(parent, metadata.BranchPathKey, metadata.Exact(string(phys)))
		if err != nil {
			return nil, err
		}
		if stamped != nil {
			for _, f := range stamped.FileNames() {
				visible[f] = struct{}{}
			}
		}
		restricted := storage.Restrict(parent, maps.Clone(visible))
		if i == len(levels)-1 && readOnly {
			return restricted, nil
		}
		own, err := m.own(phys)
		if err != nil {
			return nil, err
		}
		parent = storage.Composite(own, restricted)
	}
	glog.V(2).Infof("[directory] %s sees %d ancestor files", p, len(visible))
	return parent, nil
}

// chain lists the branches from MAIN's first child down to p.
func chain(p branch.Path) []branch.Path {
	levels := make([]branch.Path, 0, p.Depth())
	for cur := p; !cur.IsMain(); {
		levels = append(levels, cur)
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		cur = parent
	}
	slices.Reverse(levels)
	return levels
}

func (m *manager) FirstStartup(b Bootstrapper) error {
	if m.hook == nil {
		return nil
	}
	glog.Infof("[directory] first startup of %s", m.Location(branch.Main))
	return m.hook(b)
}

func (m *manager) Commits(p branch.Path) ([]*index.CommitPoint, error) {
	own, err := m.own(m.registry.Physical(p))
	if err != nil {
		return nil, err
	}
	commits, err := index.ListCommits(own)
	if err != nil {
		return nil, storage.Wrap("list commits", own.Location(), err)
	}
	return commits, nil
}

func (m *manager) ListFiles(p branch.Path) ([]string, error) {
	phys := m.registry.Physical(p)
	own, err := m.own(phys)
	if err != nil {
		return nil, err
	}
	names, err := own.ListAll()
	if err != nil {
		return nil, storage.Wrap("list files", own.Location(), err)
	}
	present := make(map[string]struct{}, len(names))
	for _, n := range names {
		present[n] = struct{}{}
	}
	commits, err := m.Commits(p)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	for _, c := range commits {
		for _, f := range c.FileNames() {
			if _, ok := present[f]; ok {
				referenced[path.Join(string(phys), f)] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(referenced)), nil
}

func (m *manager) DeleteIndex(p branch.Path) error {
	phys := m.registry.Physical(p)
	m.mu.Lock()
	d, ok := m.dirs[phys]
	delete(m.dirs, phys)
	m.mu.Unlock()
	if !ok {
		d = m.store.open(phys)
	}
	if err := m.store.remove(phys, d); err != nil {
		glog.Warningf("[directory] delete index %s: %v", m.store.location(phys), err)
		return storage.Wrap("delete index", m.store.location(phys), err)
	}
	glog.Infof("[directory] deleted index %s", m.store.location(phys))
	return nil
}

func (m *manager) Forget(phys branch.PhysicalPath) int {
	live := make(map[branch.PhysicalPath]struct{})
	for _, p := range m.registry.Branches() {
		live[m.registry.Physical(p)] = struct{}{}
	}
	prefix := string(phys) + branch.Separator

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for cached := range m.dirs {
		if cached != phys && !strings.HasPrefix(string(cached), prefix) {
			continue
		}
		if _, ok := live[cached]; ok {
			continue
		}
		// Readers acquired before the move may still hold the directory, so
		// it is left open for them.
		delete(m.dirs, cached)
		n++
	}
	if n > 0 {
		glog.V(1).Infof("[directory] forgot %d director(ies) under %s", n, m.store.location(phys))
	}
	return n
}

func (m *manager) Location(p branch.Path) string {
	return m.store.location(m.registry.Physical(p))
}

func (m *manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs error
	for phys, d := range m.dirs {
		if err := d.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", phys, err))
		}
	}
	m.dirs = nil
	return errs
}
