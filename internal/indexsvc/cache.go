package indexsvc

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/metrics"
	"github.com/matteso1/revindex/internal/storage"
)

type cacheEntry struct {
	path branch.Path
	svc  *BranchService
}

// serviceCache owns every BranchService of the process. Entries are loaded
// once per path and kept in LRU order; when the cache grows past maxSize the
// least recently used clean services are closed. MAIN is never evicted for
// size.
type serviceCache struct {
	load    func(p branch.Path) (*BranchService, error)
	started func(svc *BranchService) error
	maxSize int
	metrics *metrics.Metrics

	group   singleflight.Group
	mu      sync.Mutex
	entries map[branch.Path]*list.Element
	lru     *list.List
	epochs  map[branch.Path]uint64
	closed  bool
}

func newServiceCache(maxSize int, m *metrics.Metrics, load func(branch.Path) (*BranchService, error), started func(*BranchService) error) *serviceCache {
	return &serviceCache{
		load:    load,
		started: started,
		maxSize: maxSize,
		metrics: m,
		entries: make(map[branch.Path]*list.Element),
		lru:     list.New(),
		epochs:  make(map[branch.Path]uint64),
	}
}

// get returns the cached service of p, loading it on a miss.
func (c *serviceCache) get(p branch.Path) (*BranchService, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, storage.ErrAlreadyClosed
		}
		if el, ok := c.entries[p]; ok {
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			e := el.Value.(*cacheEntry)
			if e.svc.State() == StateClosed {
				// Closed behind the cache's back; unlink and load again.
				c.closeEntry(e, true)
				continue
			}
			c.metrics.RecordCacheHit()
			return e.svc, nil
		}
		epoch := c.epochs[p]
		c.mu.Unlock()

		v, err, _ := c.group.Do(string(p), func() (any, error) {
			return c.fill(p, epoch)
		})
		if err != nil {
			return nil, err
		}
		if svc := v.(*BranchService); svc != nil {
			return svc, nil
		}
		// Invalidated while loading; load again against the new state.
	}
}

// fill loads p and inserts it unless p was invalidated since epoch, in which
// case the fresh service is closed and nil is returned.
func (c *serviceCache) fill(p branch.Path, epoch uint64) (*BranchService, error) {
	c.mu.Lock()
	if el, ok := c.entries[p]; ok {
		c.mu.Unlock()
		return el.Value.(*cacheEntry).svc, nil
	}
	c.mu.Unlock()

	start := time.Now()
	svc, err := c.load(p)
	if err != nil {
		c.metrics.RecordError()
		return nil, err
	}
	if svc.FirstStartup() {
		if err := c.started(svc); err != nil {
			return nil, multierr.Append(fmt.Errorf("first startup of %s: %w", p, err), svc.Close())
		}
	}
	c.metrics.RecordLoad(time.Since(start))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, multierr.Append(storage.ErrAlreadyClosed, svc.Close())
	}
	if c.epochs[p] != epoch {
		c.mu.Unlock()
		glog.V(1).Infof("[indexsvc] %s invalidated while loading", p)
		return nil, svc.Close()
	}
	c.entries[p] = c.lru.PushFront(&cacheEntry{path: p, svc: svc})
	c.metrics.ServiceOpened()
	victims := c.overflowLocked(p)
	c.mu.Unlock()

	for _, v := range victims {
		if _, err := c.closeEntry(v, false); err != nil {
			glog.Warningf("[indexsvc] evicting %s: %v", v.path, err)
		}
		c.mu.Lock()
		size := c.lru.Len()
		c.mu.Unlock()
		if size <= c.maxSize {
			break
		}
	}
	return svc, nil
}

// overflowLocked lists eviction candidates, least recently used first. keep
// is the entry just loaded.
func (c *serviceCache) overflowLocked(keep branch.Path) []*cacheEntry {
	if c.maxSize <= 0 || c.lru.Len() <= c.maxSize {
		return nil
	}
	var victims []*cacheEntry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cacheEntry)
		if !e.path.IsMain() && e.path != keep {
			victims = append(victims, e)
		}
	}
	return victims
}

// lookup returns the cached service of p without loading it.
func (c *serviceCache) lookup(p branch.Path) *BranchService {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[p]; ok {
		return el.Value.(*cacheEntry).svc
	}
	return nil
}

// invalidate closes p's service if it is cached, dirty or not. Loads in
// flight for p are discarded.
func (c *serviceCache) invalidate(p branch.Path) error {
	c.mu.Lock()
	c.epochs[p]++
	el, ok := c.entries[p]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.closeEntry(el.Value.(*cacheEntry), true)
	return err
}

// inactiveClose closes p's service unless it has uncommitted changes and
// force is false. It reports whether the service was closed.
func (c *serviceCache) inactiveClose(p branch.Path, force bool) (bool, error) {
	c.mu.Lock()
	el, ok := c.entries[p]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return c.closeEntry(el.Value.(*cacheEntry), force)
}

// closeEntry checks dirtiness, unlinks the entry and closes the service
// while holding the service lock, so no commit or mutation slips in between.
func (c *serviceCache) closeEntry(e *cacheEntry, force bool) (bool, error) {
	closed, err := e.svc.closeIf(
		func(dirty bool) bool { return dirty && !force },
		func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if el, ok := c.entries[e.path]; ok && el.Value.(*cacheEntry) == e {
				c.lru.Remove(el)
				delete(c.entries, e.path)
			}
		},
	)
	if closed {
		c.metrics.RecordEviction()
		c.metrics.ServiceClosed()
		glog.V(1).Infof("[indexsvc] evicted %s (force=%t)", e.path, force)
	}
	return closed, err
}

// paths lists the cached branch paths, most recently used first.
func (c *serviceCache) paths() []branch.Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]branch.Path, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).path)
	}
	return out
}

// invalidateAll closes every cached service and refuses further loads.
// Every entry is attempted even when earlier ones fail.
func (c *serviceCache) invalidateAll() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var entries []*cacheEntry
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*cacheEntry))
	}
	c.mu.Unlock()

	var errs error
	for _, e := range entries {
		if _, err := c.closeEntry(e, true); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", e.path, err))
		}
	}
	return errs
}
