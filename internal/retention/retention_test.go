package retention

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/metadata"
	"github.com/matteso1/revindex/internal/storage"
)

func openWriter(t *testing.T, policy index.DeletionPolicy) *index.Writer {
	t.Helper()
	w, err := index.OpenWriter(storage.NewRAMDirectory(t.Name()), index.WriterConfig{Policy: policy})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func commit(t *testing.T, w *index.Writer, data map[string]string) int64 {
	t.Helper()
	w.SetCommitData(data)
	if err := w.AddDocument(index.NewDocument(fmt.Sprint(rand.Int()))); err != nil {
		t.Fatal(err)
	}
	cp, err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}
	return cp.Generation()
}

func generations(w *index.Writer) []int64 {
	var gens []int64
	for _, c := range w.Commits() {
		gens = append(gens, c.Generation())
	}
	return gens
}

func TestKeepBranchPointAndLast(t *testing.T) {
	w := openWriter(t, KeepBranchPointAndLast{})

	commit(t, w, nil)
	commit(t, w, map[string]string{metadata.BranchPathKey: "MAIN/a"})
	commit(t, w, nil)
	commit(t, w, nil)
	if diff := cmp.Diff([]int64{2, 4}, generations(w)); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}

	commit(t, w, map[string]string{metadata.BranchPathKey: "MAIN/b"})
	if diff := cmp.Diff([]int64{2, 4, 5}, generations(w)); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}
}

func TestKeepBranchPointAndLast_Invariant(t *testing.T) {
	w := openWriter(t, KeepBranchPointAndLast{})
	rng := rand.New(rand.NewPCG(1, 2))

	tagged := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		var data map[string]string
		if rng.IntN(3) == 0 {
			data = map[string]string{metadata.BranchPathKey: fmt.Sprintf("MAIN/b%d", i)}
		}
		gen := commit(t, w, data)
		if data != nil {
			tagged[gen] = true
		}

		untagged := 0
		present := make(map[int64]bool)
		for _, c := range w.Commits() {
			present[c.Generation()] = true
			if len(c.UserData()) == 0 {
				untagged++
			}
		}
		if untagged > 1 {
			t.Fatalf("after commit %d: %d untagged commits survive", gen, untagged)
		}
		for g := range tagged {
			if !present[g] {
				t.Fatalf("after commit %d: tagged commit %d was deleted", gen, g)
			}
		}
	}
}

func TestKeepLatestPerVersion(t *testing.T) {
	w := openWriter(t, KeepLatestPerVersion{VersionKey: metadata.VersionKey})

	commit(t, w, map[string]string{metadata.VersionKey: "v1"})
	commit(t, w, map[string]string{metadata.VersionKey: "v1"})
	commit(t, w, map[string]string{metadata.VersionKey: "v2"})
	commit(t, w, nil)
	commit(t, w, map[string]string{metadata.VersionKey: "v1"})
	commit(t, w, nil)

	if diff := cmp.Diff([]int64{3, 5, 6}, generations(w)); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}
}

func TestPolicies_ZeroAndOneCommit(t *testing.T) {
	for _, p := range []index.DeletionPolicy{KeepBranchPointAndLast{}, KeepLatestPerVersion{VersionKey: "v"}} {
		assert.Equal(t, p.OnInit(nil), nil)
		assert.Equal(t, p.OnCommit(nil), nil)

		w := openWriter(t, p)
		commit(t, w, nil)
		assert.Equal(t, len(w.Commits()), 1)
	}
}

func TestSnapshotProtection(t *testing.T) {
	snapshots := index.NewSnapshotPolicy(KeepBranchPointAndLast{})
	w := openWriter(t, snapshots)

	commit(t, w, nil)
	pinned, err := snapshots.Snapshot()
	assert.Equal(t, err, nil)
	commit(t, w, nil)
	commit(t, w, nil)
	if diff := cmp.Diff([]int64{1, 3}, generations(w)); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}

	snapshots.Release(pinned)
	assert.Equal(t, w.DeleteUnusedFiles(), nil)
	if diff := cmp.Diff([]int64{3}, generations(w)); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}
}

func TestNew(t *testing.T) {
	p, err := New(BranchPoint, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, p, KeepBranchPointAndLast{})

	p, err = New(PerVersion, "release")
	assert.Equal(t, err, nil)
	assert.Equal(t, p, KeepLatestPerVersion{VersionKey: "release"})

	_, err = New(PerVersion, "")
	assert.NotEqual(t, err, nil)
	_, err = New("fifo", "")
	assert.NotEqual(t, err, nil)
}

func TestKeepLatestPerVersion_GroupKey(t *testing.T) {
	assert.Equal(t, KeepLatestPerVersion{VersionKey: "version"}.GroupKey(), "version")
	assert.Equal(t, KeepLatestPerVersion{}.GroupKey(), "")
}
