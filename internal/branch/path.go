// Package branch models logical branch paths, their physical storage
// correlates and the registry that maps one to the other.
package branch

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Main is the root of every branch tree.
	Main Path = "MAIN"

	// Separator joins path segments.
	Separator = "/"

	// BaseSuffix marks a base path: the read-only state of a branch's
	// parent at the moment the branch was created.
	BaseSuffix = "^"
)

// ErrInvalidPath is returned by Parse for malformed paths.
var ErrInvalidPath = errors.New("invalid branch path")

// Path is a logical branch path such as MAIN/projectA/task1. Paths are plain
// values; equality is string equality.
type Path string

// Parse validates s and returns it as a Path.
func Parse(s string) (Path, error) {
	p := Path(s)
	body := strings.TrimSuffix(s, BaseSuffix)
	if body == string(Main) && p.IsBase() {
		return "", fmt.Errorf("%w: %q: MAIN has no base", ErrInvalidPath, s)
	}
	segments := strings.Split(body, Separator)
	if segments[0] != string(Main) {
		return "", fmt.Errorf("%w: %q must start with %s", ErrInvalidPath, s, Main)
	}
	for _, seg := range segments[1:] {
		if seg == "" || strings.ContainsAny(seg, BaseSuffix+`\`) || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q: bad segment %q", ErrInvalidPath, s, seg)
		}
	}
	return p, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return string(p) }

func (p Path) IsMain() bool { return p == Main }

// IsBase reports whether p is a base path.
func (p Path) IsBase() bool { return strings.HasSuffix(string(p), BaseSuffix) }

// Base returns the base path of p.
func (p Path) Base() Path {
	if p.IsBase() {
		return p
	}
	return p + BaseSuffix
}

// Context returns the branch a base path refers to, or p itself.
func (p Path) Context() Path {
	return Path(strings.TrimSuffix(string(p), BaseSuffix))
}

// Parent returns the parent of p. MAIN has none. The parent of a base path is
// the parent of its context branch.
func (p Path) Parent() (Path, bool) {
	ctx := p.Context()
	i := strings.LastIndex(string(ctx), Separator)
	if i < 0 {
		return "", false
	}
	return ctx[:i], true
}

// Name returns the last segment of the context branch.
func (p Path) Name() string {
	ctx := string(p.Context())
	return ctx[strings.LastIndex(ctx, Separator)+1:]
}

// Child returns the child branch called name.
func (p Path) Child(name string) Path {
	return p.Context() + Separator + Path(name)
}

// Segments splits the context branch into its names.
func (p Path) Segments() []string {
	return strings.Split(string(p.Context()), Separator)
}

// Depth is the number of ancestors of p.
func (p Path) Depth() int {
	return strings.Count(string(p.Context()), Separator)
}
