package indexsvc

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/config"
	"github.com/matteso1/revindex/internal/directory"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/metadata"
	"github.com/matteso1/revindex/internal/metrics"
	"github.com/matteso1/revindex/internal/retention"
	"github.com/matteso1/revindex/internal/storage"
)

var (
	pathA = branch.MustParse("MAIN/A")
	pathB = branch.MustParse("MAIN/B")
)

type fixture struct {
	svc      *IndexService
	registry *branch.MemoryRegistry
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	registry, ok := opts.Registry.(*branch.MemoryRegistry)
	if !ok {
		registry = branch.NewRegistry()
	}
	m := metrics.NewMetrics()
	if opts.Manager == nil {
		opts.Manager = directory.NewMemoryManager(directory.Options{Registry: registry})
	}
	opts.Registry = registry
	opts.Metrics = m
	if opts.Repository == "" {
		opts.Repository = "test"
	}
	s := New(opts)
	t.Cleanup(func() { s.Dispose() })
	return &fixture{svc: s, registry: registry, metrics: m}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.IdleTimeout = 0
	cfg.MetricsAddr = ""
	return cfg
}

func (f *fixture) count(t *testing.T, p branch.Path) int {
	t.Helper()
	n, err := f.svc.Count(p, index.MatchAll{})
	if err != nil {
		t.Fatalf("count %s: %v", p, err)
	}
	return n
}

func (f *fixture) ids(t *testing.T, p branch.Path) []string {
	t.Helper()
	docs, err := f.svc.Collect(p, index.MatchAll{})
	if err != nil {
		t.Fatalf("collect %s: %v", p, err)
	}
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	slices.Sort(out)
	return out
}

func (f *fixture) index(t *testing.T, p branch.Path, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := f.svc.Index(p, index.NewDocument(id).Add("branch", string(p))); err != nil {
			t.Fatalf("index %s on %s: %v", id, p, err)
		}
	}
	if err := f.svc.Commit(p); err != nil {
		t.Fatalf("commit %s: %v", p, err)
	}
}

func TestBranchVisibility(t *testing.T) {
	f := newFixture(t, Options{})

	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	f.index(t, branch.Main, "D1")
	assert.Equal(t, f.count(t, branch.Main), 1)
	assert.Equal(t, f.count(t, pathA), 0)

	assert.Equal(t, f.svc.CreateBranch(pathB, nil), nil)
	assert.Equal(t, f.count(t, pathB), 1)

	f.index(t, pathB, "D2")
	assert.Equal(t, f.count(t, branch.Main), 1)
	if diff := cmp.Diff([]string{"D1", "D2"}, f.ids(t, pathB)); diff != "" {
		t.Errorf("B ids mismatch (-want +got):\n%s", diff)
	}

	err := f.svc.CreateBranch(pathB, nil)
	assert.Equal(t, errors.Is(err, ErrBranchExists), true)
	err = f.svc.CreateBranch(branch.Main, nil)
	assert.Equal(t, errors.Is(err, branch.ErrInvalidPath), true)
}

func TestNestedBranchSeesWholeChain(t *testing.T) {
	f := newFixture(t, Options{})
	pathAC := pathA.Child("C")

	f.index(t, branch.Main, "m1", "m2")
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	assert.Equal(t, f.svc.Delete(pathA, "m1"), nil)
	f.index(t, pathA, "a1")
	assert.Equal(t, f.svc.CreateBranch(pathAC, nil), nil)

	f.index(t, branch.Main, "m3")
	f.index(t, pathA, "a2")

	if diff := cmp.Diff([]string{"a1", "m2"}, f.ids(t, pathAC)); diff != "" {
		t.Errorf("C ids mismatch (-want +got):\n%s", diff)
	}
	f.index(t, pathAC, "c1")
	if diff := cmp.Diff([]string{"a1", "a2", "m2"}, f.ids(t, pathA)); diff != "" {
		t.Errorf("A ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, f.ids(t, branch.Main)); diff != "" {
		t.Errorf("MAIN ids mismatch (-want +got):\n%s", diff)
	}
}

func TestReadYourWrites(t *testing.T) {
	f := newFixture(t, Options{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := f.svc.Index(branch.Main, index.NewDocument(id)); err != nil {
				t.Error(err)
				return
			}
			if err := f.svc.Commit(branch.Main); err != nil {
				t.Error(err)
				return
			}
			_, found, err := f.svc.Lookup(branch.Main, id)
			if err != nil || !found {
				t.Errorf("%s not visible after its commit: found=%t err=%v", id, found, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, f.count(t, branch.Main), 8)
}

func TestIndexReplacesByID(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, branch.Main, "x")
	assert.Equal(t, f.svc.Index(branch.Main, index.NewDocument("x").Add("rev", "2")), nil)
	assert.Equal(t, f.svc.Commit(branch.Main), nil)

	doc, found, err := f.svc.Lookup(branch.Main, "x")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, doc.Get("rev"), "2")
	assert.Equal(t, f.count(t, branch.Main), 1)
}

func TestSearchPrimitives(t *testing.T) {
	f := newFixture(t, Options{})
	for _, d := range []index.Document{
		index.NewDocument("1").Add("kind", "concept").Add("term", "b"),
		index.NewDocument("2").Add("kind", "concept").Add("term", "a"),
		index.NewDocument("3").Add("kind", "relationship").Add("term", "c"),
	} {
		assert.Equal(t, f.svc.Index(branch.Main, d), nil)
	}
	assert.Equal(t, f.svc.Commit(branch.Main), nil)

	top, err := f.svc.Search(branch.Main, index.NewTermQuery("kind", "concept"), 1, &index.SortField{Field: "term"})
	assert.Equal(t, err, nil)
	assert.Equal(t, top.TotalHits, 2)
	assert.Equal(t, top.Hits[0].Doc.ID(), "2")

	groups, err := f.svc.Group(branch.Main, index.MatchAll{}, "kind")
	assert.Equal(t, err, nil)
	want := map[string][]string{"concept": {"1", "2"}, "relationship": {"3"}}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, f.svc.DeleteQuery(branch.Main, index.NewTermQuery("kind", "relationship")), nil)
	assert.Equal(t, f.svc.Commit(branch.Main), nil)
	assert.Equal(t, f.count(t, branch.Main), 2)

	assert.Equal(t, f.svc.DeleteAll(branch.Main), nil)
	assert.Equal(t, f.svc.Commit(branch.Main), nil)
	assert.Equal(t, f.count(t, branch.Main), 0)

	assert.Equal(t, f.metrics.Snapshot().Searches > 0, true)
}

func TestRollbackKeepsReaders(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, branch.Main, "kept")

	svc, err := f.svc.GetBranchService(branch.Main)
	assert.Equal(t, err, nil)
	held, err := svc.Acquire()
	assert.Equal(t, err, nil)

	assert.Equal(t, f.svc.Index(branch.Main, index.NewDocument("dropped")), nil)
	assert.Equal(t, svc.Dirty(), true)
	assert.Equal(t, f.svc.Rollback(branch.Main), nil)
	assert.Equal(t, svc.Dirty(), false)

	assert.Equal(t, held.NumDocs(), 1)
	assert.Equal(t, svc.Release(held), nil)
	assert.Equal(t, f.count(t, branch.Main), 1)

	// The fresh writer keeps working.
	f.index(t, branch.Main, "after")
	if diff := cmp.Diff([]string{"after", "kept"}, f.ids(t, branch.Main)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestInactiveClose(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)

	svc, err := f.svc.GetBranchService(pathA)
	assert.Equal(t, err, nil)
	assert.Equal(t, svc.AddDocument(index.NewDocument("pending")), nil)

	closed, err := f.svc.InactiveClose(pathA, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, closed, false)
	assert.Equal(t, svc.State(), StateOpen)

	closed, err = f.svc.InactiveClose(pathA, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, closed, true)
	assert.Equal(t, svc.State(), StateClosed)
	assert.Equal(t, svc.AddDocument(index.NewDocument("late")), ErrClosed)

	again, err := f.svc.GetBranchService(pathA)
	assert.Equal(t, err, nil)
	assert.Equal(t, again == svc, false)
	assert.Equal(t, f.count(t, pathA), 0)

	closed, err = f.svc.InactiveClose(pathB, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, closed, false)
}

func TestInactiveCloseRacesCommit(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)

	for range 20 {
		svc, err := f.svc.GetBranchService(pathA)
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := svc.AddDocument(index.NewDocument("x")); err != nil && !errors.Is(err, ErrClosed) {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.svc.InactiveClose(pathA, false); err != nil {
				t.Error(err)
			}
		}()
		wg.Wait()
		// Either the add landed first and the service survived dirty, or
		// the close won and the add was rejected.
		if svc.State() == StateOpen {
			assert.Equal(t, svc.Dirty(), true)
			assert.Equal(t, svc.Rollback(), nil)
		}
	}
}

func TestBasePathIsReadOnly(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, branch.Main, "before")
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	f.index(t, branch.Main, "after")
	f.index(t, pathA, "local")

	base, err := f.svc.GetBranchService(pathA.Base())
	assert.Equal(t, err, nil)
	assert.Equal(t, base.ReadOnly(), true)
	assert.Equal(t, base.Physical(), f.registry.Physical(pathA))
	assert.Equal(t, base.AddDocument(index.NewDocument("x")), ErrReadOnly)
	assert.Equal(t, base.Commit(), ErrReadOnly)
	assert.Equal(t, base.Rollback(), ErrReadOnly)
	_, err = base.Snapshot()
	assert.Equal(t, err, ErrReadOnly)

	if diff := cmp.Diff([]string{"before"}, f.ids(t, pathA.Base())); diff != "" {
		t.Errorf("base ids mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, f.svc.Index(pathA.Base(), index.NewDocument("y")), ErrReadOnly)
}

func TestPhantomBranch(t *testing.T) {
	f := newFixture(t, Options{})
	ghost := branch.MustParse("MAIN/ghost")
	assert.Equal(t, f.registry.Register(ghost), nil)

	svc, err := f.svc.GetBranchService(ghost)
	assert.Equal(t, err, nil)
	assert.Equal(t, svc.Phantom(), true)
	assert.Equal(t, svc.AddDocument(index.NewDocument("ignored")), nil)
	assert.Equal(t, svc.Commit(), nil)
	assert.Equal(t, svc.Dirty(), false)
	assert.Equal(t, f.count(t, ghost), 0)

	_, err = svc.CreateIndexCommit(f.registry.Physical(ghost.Child("x")), nil)
	assert.Equal(t, errors.Is(err, ErrNotPopulated), true)

	// Stamping the branch replaces the phantom with a writable service.
	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(ghost, nil), nil)
	assert.Equal(t, svc.State(), StateClosed)
	real, err := f.svc.GetBranchService(ghost)
	assert.Equal(t, err, nil)
	assert.Equal(t, real.Phantom(), false)
	assert.Equal(t, f.count(t, ghost), 1)
}

func TestReopen(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	f.index(t, branch.Main, "m2")
	assert.Equal(t, f.count(t, pathA), 1)

	old, err := f.svc.GetBranchService(pathA)
	assert.Equal(t, err, nil)

	physical, err := f.svc.Reopen(pathA, "")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, physical, branch.PhysicalPath("MAIN/A"))
	assert.Equal(t, f.registry.Physical(pathA), physical)
	assert.Equal(t, old.State(), StateClosed)

	if diff := cmp.Diff([]string{"m1", "m2"}, f.ids(t, pathA)); diff != "" {
		t.Errorf("A ids mismatch (-want +got):\n%s", diff)
	}
	files, err := f.svc.ListFiles(pathA)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(files), 0)

	f.index(t, pathA, "a1")
	assert.Equal(t, f.count(t, branch.Main), 2)
	assert.Equal(t, f.count(t, pathA), 3)
	assert.Equal(t, f.metrics.Snapshot().Reopens, uint64(1))
}

func TestSnapshotPinsCommit(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, branch.Main, "1")

	pinned, err := f.svc.Snapshot(branch.Main)
	assert.Equal(t, err, nil)
	f.index(t, branch.Main, "2")
	f.index(t, branch.Main, "3")

	generations := func() []int64 {
		commits, err := f.svc.Commits(branch.Main)
		if err != nil {
			t.Fatal(err)
		}
		var gens []int64
		for _, c := range commits {
			gens = append(gens, c.Generation())
		}
		return gens
	}
	if diff := cmp.Diff([]int64{pinned.Generation(), 4}, generations()); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, f.svc.ReleaseSnapshot(branch.Main, pinned), nil)
	if diff := cmp.Diff([]int64{4}, generations()); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}
}

func TestHeadAndIndexCommits(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(pathA, map[string]string{metadata.VersionKey: "v1"}), nil)

	main, _ := f.svc.GetBranchService(branch.Main)
	stamp, err := main.GetIndexCommit(f.registry.Physical(pathA))
	assert.Equal(t, err, nil)
	assert.Equal(t, stamp.UserData()[metadata.VersionKey], "v1")
	assert.Equal(t, stamp.UserData()[metadata.BranchPathKey], "MAIN/A")

	missing, err := main.GetIndexCommit("MAIN/nowhere")
	assert.Equal(t, err, nil)
	assert.Equal(t, missing == nil, true)

	head, err := main.GetHeadIndexCommit()
	assert.Equal(t, err, nil)
	assert.Equal(t, head.Generation(), stamp.Generation())

	f.index(t, branch.Main, "m2")
	head, _ = main.GetHeadIndexCommit()
	assert.Equal(t, len(head.UserData()), 0)

	has, err := main.HasSnapshotIndexCommit()
	assert.Equal(t, err, nil)
	assert.Equal(t, has, false)
}

func TestFirstStartupOnce(t *testing.T) {
	registry := branch.NewRegistry()
	calls := 0
	manager := directory.NewMemoryManager(directory.Options{
		Registry: registry,
		FirstStartup: func(b directory.Bootstrapper) error {
			calls++
			if err := b.AddDocument(index.NewDocument("seed")); err != nil {
				return err
			}
			return b.Commit()
		},
	})
	f := newFixture(t, Options{Manager: manager, Registry: registry})

	assert.Equal(t, f.count(t, branch.Main), 1)
	closed, err := f.svc.InactiveClose(branch.Main, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, closed, true)
	assert.Equal(t, f.count(t, branch.Main), 1)
	assert.Equal(t, calls, 1)
}

func TestCacheEvictsCleanLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, Options{CacheSize: 2})
	pathC := branch.MustParse("MAIN/C")
	for _, p := range []branch.Path{pathA, pathB, pathC} {
		assert.Equal(t, f.svc.CreateBranch(p, nil), nil)
	}

	a, _ := f.svc.GetBranchService(pathA)
	assert.Equal(t, a.AddDocument(index.NewDocument("dirty")), nil)
	_, err := f.svc.GetBranchService(pathB)
	assert.Equal(t, err, nil)
	assert.Equal(t, f.svc.cache.lookup(pathA) == a, true)

	assert.Equal(t, a.Commit(), nil)
	_, err = f.svc.GetBranchService(pathC)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.State(), StateClosed)
	if diff := cmp.Diff([]branch.Path{pathC, branch.Main}, f.svc.cache.paths()); diff != "" {
		t.Errorf("cached paths mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, f.count(t, pathA), 1)
}

func TestSweepIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newFixture(t, Options{IdleTimeout: time.Minute, Now: clock})
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	assert.Equal(t, f.svc.CreateBranch(pathB, nil), nil)

	a, _ := f.svc.GetBranchService(pathA)
	b, _ := f.svc.GetBranchService(pathB)
	assert.Equal(t, b.AddDocument(index.NewDocument("pending")), nil)

	assert.Equal(t, f.svc.SweepIdle(), 0)
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	assert.Equal(t, f.svc.SweepIdle(), 1)
	assert.Equal(t, a.State(), StateClosed)
	assert.Equal(t, b.State(), StateOpen)
	main, _ := f.svc.GetBranchService(branch.Main)
	assert.Equal(t, main.State(), StateOpen)
}

func TestDispose(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: time.Hour, SweepInterval: time.Millisecond})
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	a, _ := f.svc.GetBranchService(pathA)

	assert.Equal(t, f.svc.Dispose(), nil)
	assert.Equal(t, f.svc.Dispose(), nil)
	assert.Equal(t, a.State(), StateClosed)

	_, err := f.svc.GetBranchService(branch.Main)
	assert.Equal(t, errors.Is(err, storage.ErrAlreadyClosed), true)
	_, err = f.svc.Count(branch.Main, index.MatchAll{})
	assert.Equal(t, errors.Is(err, storage.ErrAlreadyClosed), true)
}

func TestOpenFromConfigOnDisk(t *testing.T) {
	cfg := testConfig(t)

	s, err := Open(cfg, nil, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, s.CreateBranch(pathA, nil), nil)
	assert.Equal(t, s.Index(pathA, index.NewDocument("a1")), nil)
	assert.Equal(t, s.Commit(pathA), nil)
	_, err = s.Reopen(pathA, "")
	assert.Equal(t, err, nil)
	physical := s.Registry().Physical(pathA)
	assert.Equal(t, s.Dispose(), nil)

	reopened, err := Open(cfg, nil, nil)
	assert.Equal(t, err, nil)
	defer reopened.Dispose()
	assert.Equal(t, reopened.Registry().Physical(pathA), physical)
	if diff := cmp.Diff([]branch.Path{branch.Main, pathA}, reopened.Branches()); diff != "" {
		t.Errorf("branches mismatch (-want +got):\n%s", diff)
	}
	n, err := reopened.Count(pathA, index.MatchAll{})
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 0)
}

func TestChildLoadsBesideParentCommits(t *testing.T) {
	registry := branch.NewRegistry()
	f := newFixture(t, Options{
		Registry: registry,
		Manager:  directory.NewFSManager(t.TempDir(), 0022, directory.Options{Registry: registry}),
	})
	f.index(t, branch.Main, "m0")
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	f.index(t, pathA, "a0")

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		for i := 1; ; i++ {
			select {
			case <-stop:
				done <- nil
				return
			default:
			}
			if err := f.svc.Index(branch.Main, index.NewDocument(fmt.Sprintf("m%d", i))); err != nil {
				done <- err
				return
			}
			if err := f.svc.Commit(branch.Main); err != nil {
				done <- err
				return
			}
		}
	}()

	for i := 0; i < 300; i++ {
		if _, err := f.svc.InactiveClose(pathA, true); err != nil {
			t.Errorf("close %d: %v", i, err)
			break
		}
		n, err := f.svc.Count(pathA, index.MatchAll{})
		if err != nil {
			t.Errorf("count %d: %v", i, err)
			break
		}
		if n != 2 {
			t.Errorf("count %d: got %d docs, want 2", i, n)
			break
		}
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestPerVersionRetentionKeepsBranchPoints(t *testing.T) {
	f := newFixture(t, Options{Policy: retention.KeepLatestPerVersion{VersionKey: "version"}})
	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	assert.Equal(t, f.svc.CreateBranch(pathB, nil), nil)
	f.index(t, pathA, "a1")
	f.index(t, branch.Main, "m2")
	f.index(t, branch.Main, "m3")

	for _, p := range []branch.Path{pathA, pathB} {
		_, err := f.svc.InactiveClose(p, true)
		assert.Equal(t, err, nil)
	}
	if diff := cmp.Diff([]string{"a1", "m1"}, f.ids(t, pathA)); diff != "" {
		t.Errorf("A ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1"}, f.ids(t, pathB)); diff != "" {
		t.Errorf("B ids mismatch (-want +got):\n%s", diff)
	}
	b, err := f.svc.GetBranchService(pathB)
	assert.Equal(t, err, nil)
	assert.Equal(t, b.Phantom(), false)

	// A reopened branch point survives later parent commits too.
	physical, err := f.svc.Reopen(pathB, "")
	assert.Equal(t, err, nil)
	f.index(t, branch.Main, "m4")
	_, err = f.svc.InactiveClose(pathB, true)
	assert.Equal(t, err, nil)
	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, f.ids(t, pathB)); diff != "" {
		t.Errorf("reopened B ids mismatch (-want +got):\n%s", diff)
	}

	mainSvc, err := f.svc.GetBranchService(branch.Main)
	assert.Equal(t, err, nil)
	stamp, err := mainSvc.GetIndexCommit(physical)
	assert.Equal(t, err, nil)
	assert.Equal(t, stamp.UserData()["version"], string(physical))
}

func TestWriteReloadsEvictedService(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)

	calls := 0
	err := f.svc.write(pathA, func(svc *BranchService) error {
		calls++
		if calls == 1 {
			if _, err := f.svc.InactiveClose(pathA, true); err != nil {
				return err
			}
		}
		return svc.AddDocument(index.NewDocument("kept"))
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, calls, 2)
	assert.Equal(t, f.svc.Commit(pathA), nil)
	assert.Equal(t, f.count(t, pathA), 1)

	calls = 0
	err = f.svc.write(pathA, func(svc *BranchService) error {
		calls++
		return ErrClosed
	})
	assert.Equal(t, err, ErrClosed)
	assert.Equal(t, calls, 2)
}

func TestWritesRaceIdleClose(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)

	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range n {
			if err := f.svc.Index(pathA, index.NewDocument(fmt.Sprintf("d%d", i))); err != nil {
				t.Error(err)
				return
			}
			if err := f.svc.Commit(pathA); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			assert.Equal(t, f.count(t, pathA), n)
			return
		default:
		}
		if _, err := f.svc.InactiveClose(pathA, false); err != nil {
			t.Error(err)
			<-done
			return
		}
	}
}

type forgettingManager struct {
	directory.Manager
	forgot  []branch.PhysicalPath
	dropped int
}

func (m *forgettingManager) Forget(phys branch.PhysicalPath) int {
	n := m.Manager.Forget(phys)
	m.forgot = append(m.forgot, phys)
	m.dropped += n
	return n
}

func TestReopenForgetsOldLocation(t *testing.T) {
	registry := branch.NewRegistry()
	m := &forgettingManager{Manager: directory.NewMemoryManager(directory.Options{Registry: registry})}
	f := newFixture(t, Options{Registry: registry, Manager: m})
	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(pathA, nil), nil)
	f.index(t, pathA, "a1")

	physical, err := f.svc.Reopen(pathA, "")
	assert.Equal(t, err, nil)
	if diff := cmp.Diff([]branch.PhysicalPath{"MAIN/A"}, m.forgot); diff != "" {
		t.Errorf("forgot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, m.dropped, 1)

	// Reopening onto the current location keeps it.
	_, err = f.svc.Reopen(pathA, physical)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(m.forgot), 1)
	if diff := cmp.Diff([]string{"m1"}, f.ids(t, pathA)); diff != "" {
		t.Errorf("A ids mismatch (-want +got):\n%s", diff)
	}
}
