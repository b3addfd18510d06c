package index

import (
	"errors"
	"sync"
)

// DeletionPolicy decides which commits to drop. It is invoked with every
// known commit, oldest first, when a writer opens and after each commit.
// Policies mark commits with IndexCommit.Delete; they must keep the newest.
type DeletionPolicy interface {
	OnInit(commits []IndexCommit) error
	OnCommit(commits []IndexCommit) error
}

// KeepOnlyLastCommit deletes every commit except the newest.
type KeepOnlyLastCommit struct{}

func (KeepOnlyLastCommit) OnInit(commits []IndexCommit) error {
	return KeepOnlyLastCommit{}.OnCommit(commits)
}

func (KeepOnlyLastCommit) OnCommit(commits []IndexCommit) error {
	for i := 0; i < len(commits)-1; i++ {
		commits[i].Delete()
	}
	return nil
}

// ErrNoCommit is returned when snapshotting before any commit exists.
var ErrNoCommit = errors.New("no commit to snapshot")

// SnapshotPolicy wraps another policy and protects pinned commits from
// deletion. Snapshots nest: a commit stays pinned until every Snapshot call
// for it has been matched by a Release.
type SnapshotPolicy struct {
	primary DeletionPolicy

	mu     sync.Mutex
	refs   map[int64]int
	pinned map[int64]IndexCommit
	last   IndexCommit
}

// NewSnapshotPolicy wraps primary.
func NewSnapshotPolicy(primary DeletionPolicy) *SnapshotPolicy {
	return &SnapshotPolicy{
		primary: primary,
		refs:    make(map[int64]int),
		pinned:  make(map[int64]IndexCommit),
	}
}

func (p *SnapshotPolicy) OnInit(commits []IndexCommit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.primary.OnInit(p.wrap(commits)); err != nil {
		return err
	}
	p.remember(commits)
	return nil
}

func (p *SnapshotPolicy) OnCommit(commits []IndexCommit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.primary.OnCommit(p.wrap(commits)); err != nil {
		return err
	}
	p.remember(commits)
	return nil
}

func (p *SnapshotPolicy) remember(commits []IndexCommit) {
	if len(commits) > 0 {
		p.last = commits[len(commits)-1]
	}
}

func (p *SnapshotPolicy) wrap(commits []IndexCommit) []IndexCommit {
	wrapped := make([]IndexCommit, len(commits))
	for i, c := range commits {
		wrapped[i] = &snapshotCommit{IndexCommit: c, policy: p}
	}
	return wrapped
}

// Snapshot pins the newest commit seen by the policy and returns it.
func (p *SnapshotPolicy) Snapshot() (IndexCommit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil, ErrNoCommit
	}
	gen := p.last.Generation()
	p.refs[gen]++
	p.pinned[gen] = p.last
	return p.last, nil
}

// Release unpins one snapshot of commit. The commit becomes eligible for
// deletion on the next policy pass once its last snapshot is released.
func (p *SnapshotPolicy) Release(commit IndexCommit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen := commit.Generation()
	if p.refs[gen] <= 1 {
		delete(p.refs, gen)
		delete(p.pinned, gen)
		return
	}
	p.refs[gen]--
}

// Snapshots returns the currently pinned commits.
func (p *SnapshotPolicy) Snapshots() []IndexCommit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]IndexCommit, 0, len(p.pinned))
	for _, c := range p.pinned {
		out = append(out, c)
	}
	return out
}

// IsPinned reports whether gen is held by a snapshot.
func (p *SnapshotPolicy) IsPinned(gen int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[gen] > 0
}

// snapshotCommit ignores Delete while its commit is pinned. Called with
// p.mu held.
type snapshotCommit struct {
	IndexCommit
	policy *SnapshotPolicy
}

func (c *snapshotCommit) Delete() {
	if c.policy.refs[c.Generation()] > 0 {
		return
	}
	c.IndexCommit.Delete()
}
