package indexsvc

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/metadata"
)

func purgeable(t *testing.T, f *fixture, p branch.Path) bool {
	t.Helper()
	ok, err := f.svc.Purgeable(p)
	if err != nil {
		t.Fatalf("purgeable %s: %v", p, err)
	}
	return ok
}

func TestPurgeable(t *testing.T) {
	f := newFixture(t, Options{})
	release := branch.MustParse("MAIN/2024-01-31")
	scratch := branch.MustParse("MAIN/scratch")
	tagged := map[string]string{metadata.TagKey: "true"}

	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(release, tagged), nil)
	assert.Equal(t, f.svc.CreateBranch(scratch, map[string]string{metadata.TagKey: "false"}), nil)

	assert.Equal(t, purgeable(t, f, branch.Main), false)
	assert.Equal(t, purgeable(t, f, release), false)
	assert.Equal(t, purgeable(t, f, release.Base()), false)
	assert.Equal(t, purgeable(t, f, scratch), true)
	assert.Equal(t, purgeable(t, f, branch.MustParse("MAIN/unknown")), true)

	f.index(t, release, "r1")
	assert.Equal(t, purgeable(t, f, release), true)

	f.registry.Disconnect("test")
	assert.Equal(t, purgeable(t, f, scratch), false)
	assert.Equal(t, purgeable(t, f, release), false)
}

func TestPurgeable_NestedSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	release := branch.MustParse("MAIN/v2")
	tagged := map[string]string{metadata.TagKey: "true"}

	f.index(t, branch.Main, "m1")
	assert.Equal(t, f.svc.CreateBranch(release, tagged), nil)
	assert.Equal(t, purgeable(t, f, release), false)

	// A plain child leaves the release alone.
	assert.Equal(t, f.svc.CreateBranch(release.Child("task"), nil), nil)
	assert.Equal(t, purgeable(t, f, release), false)

	assert.Equal(t, f.svc.CreateBranch(release.Child("patch"), tagged), nil)
	svc, _ := f.svc.GetBranchService(release)
	has, err := svc.HasSnapshotIndexCommit()
	assert.Equal(t, err, nil)
	assert.Equal(t, has, true)
	assert.Equal(t, purgeable(t, f, release), true)
}
