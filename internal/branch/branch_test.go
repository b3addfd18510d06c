package branch

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	valid := []string{"MAIN", "MAIN/a", "MAIN/a/b-1", "MAIN/a^", "MAIN/a/b^"}
	for _, s := range valid {
		p, err := Parse(s)
		assert.Equal(t, err, nil)
		assert.Equal(t, p.String(), s)
	}

	invalid := []string{"", "main", "MAIN^", "MAIN//a", "MAIN/a/", "OTHER/a", "MAIN/a^/b", "MAIN/..", "MAIN/a^^"}
	for _, s := range invalid {
		_, err := Parse(s)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Parse(%q): expected ErrInvalidPath, got %v", s, err)
		}
	}
}

func TestPath(t *testing.T) {
	p := MustParse("MAIN/a/b")

	parent, ok := p.Parent()
	assert.Equal(t, ok, true)
	assert.Equal(t, parent, MustParse("MAIN/a"))
	_, ok = Main.Parent()
	assert.Equal(t, ok, false)

	assert.Equal(t, p.Name(), "b")
	assert.Equal(t, p.Depth(), 2)
	assert.Equal(t, Main.Name(), "MAIN")
	assert.Equal(t, p.Child("c"), MustParse("MAIN/a/b/c"))
	if diff := cmp.Diff([]string{"MAIN", "a", "b"}, p.Segments()); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}

	base := p.Base()
	assert.Equal(t, base, MustParse("MAIN/a/b^"))
	assert.Equal(t, base.IsBase(), true)
	assert.Equal(t, base.Base(), base)
	assert.Equal(t, base.Context(), p)
	baseParent, _ := base.Parent()
	assert.Equal(t, baseParent, MustParse("MAIN/a"))
	assert.Equal(t, p.IsBase(), false)
	assert.Equal(t, Main.IsMain(), true)
}

func TestRegistry_Physical(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, r.Physical(Main), PhysicalPath("MAIN"))
	assert.Equal(t, r.Physical(MustParse("MAIN/a/b")), PhysicalPath("MAIN/a/b"))
	assert.Equal(t, r.Physical(MustParse("MAIN/a/b^")), PhysicalPath("MAIN/a/b"))

	a := MustParse("MAIN/a")
	fresh := r.NewPhysical(a)
	assert.Equal(t, strings.HasPrefix(string(fresh), "MAIN/a~"), true)
	assert.NotEqual(t, r.NewPhysical(a), fresh)

	assert.Equal(t, r.SetPhysical(a, fresh), nil)
	assert.Equal(t, r.Physical(a), fresh)
	assert.Equal(t, r.Physical(MustParse("MAIN/a/b")), fresh.Child("b"))
	assert.Equal(t, r.Physical(MustParse("MAIN/c")), PhysicalPath("MAIN/c"))
}

func TestRegistry_Connected(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, r.Connected("snomed"), true)
	r.Disconnect("snomed")
	assert.Equal(t, r.Connected("snomed"), false)
	assert.Equal(t, r.Connected("loinc"), true)
}

func TestRegistry_Persisted(t *testing.T) {
	file := filepath.Join(t.TempDir(), "index", "registry.yaml")
	r, err := OpenRegistry(file)
	assert.Equal(t, err, nil)

	a := MustParse("MAIN/a")
	assert.Equal(t, r.Register(MustParse("MAIN/b")), nil)
	assert.Equal(t, r.SetPhysical(a, "MAIN/a~1"), nil)

	loaded, err := OpenRegistry(file)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Physical(a), PhysicalPath("MAIN/a~1"))
	want := []Path{Main, a, MustParse("MAIN/b")}
	if diff := cmp.Diff(want, loaded.Branches()); diff != "" {
		t.Errorf("branches mismatch (-want +got):\n%s", diff)
	}
}
