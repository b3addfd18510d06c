package indexsvc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/matteso1/revindex/internal/branch"
)

// usageTracker remembers when each non-MAIN branch was last accessed.
type usageTracker struct {
	now func() time.Time

	mu   sync.Mutex
	last map[branch.Path]time.Time
}

func newUsageTracker(now func() time.Time) *usageTracker {
	if now == nil {
		now = time.Now
	}
	return &usageTracker{now: now, last: make(map[branch.Path]time.Time)}
}

func (u *usageTracker) touch(p branch.Path) {
	if p.IsMain() {
		return
	}
	u.mu.Lock()
	u.last[p] = u.now()
	u.mu.Unlock()
}

func (u *usageTracker) forget(p branch.Path) {
	u.mu.Lock()
	delete(u.last, p)
	u.mu.Unlock()
}

// idle lists the branches not accessed within timeout.
func (u *usageTracker) idle(timeout time.Duration) []branch.Path {
	u.mu.Lock()
	defer u.mu.Unlock()
	cutoff := u.now().Add(-timeout)
	var out []branch.Path
	for p, at := range u.last {
		if at.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// sweeper periodically closes idle branch services.
type sweeper struct {
	interval time.Duration
	sweep    func() int

	stopChan chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

func newSweeper(interval time.Duration, sweep func() int) *sweeper {
	return &sweeper{
		interval: interval,
		sweep:    sweep,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *sweeper) start() {
	if s.running.Swap(true) {
		return
	}
	go s.run()
}

// stop halts the sweeper and waits for a sweep in progress to finish.
func (s *sweeper) stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopChan)
	<-s.done
}

func (s *sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				glog.V(1).Infof("[indexsvc] idle sweep closed %d branch services", n)
			}
		}
	}
}
