// Package metadata looks up tags in the commit history of an index
// directory.
//
// Lookups scan newest to oldest, like a read that consults the newest
// segment first, and are recomputed on every call: the commit list changes
// after every commit.
package metadata

import (
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/storage"
)

// Tag keys stored in commit user data.
const (
	// BranchPathKey holds the physical branch path a commit was stamped for.
	BranchPathKey = "branchPath"
	// TagKey marks a commit as a tag (release point) when set to "true".
	TagKey = "tag"
	// VersionKey is the default key read by the per-version retention policy.
	VersionKey = "version"
	// SegmentCounterKey records the segment counter a child writer seeds from.
	SegmentCounterKey = "segmentCounter"
)

// Predicate tests a tag value. ok is false when the commit lacks the key.
type Predicate func(value string, ok bool) bool

// Exact matches commits whose tag equals want.
func Exact(want string) Predicate {
	return func(value string, ok bool) bool {
		return ok && value == want
	}
}

// NonEmpty matches commits that carry the tag with a non-empty value.
func NonEmpty(value string, ok bool) bool {
	return ok && value != ""
}

// Scan returns the newest commit in commits (ordered oldest first) whose key
// satisfies pred, or nil.
func Scan(commits []*index.CommitPoint, key string, pred Predicate) *index.CommitPoint {
	for i := len(commits) - 1; i >= 0; i-- {
		value, ok := commits[i].UserData()[key]
		if pred(value, ok) {
			return commits[i]
		}
	}
	return nil
}

// FindCommit returns the newest commit of dir whose key satisfies pred. A
// directory without a match, or without commits, yields nil and no error.
func FindCommit(dir storage.Directory, key string, pred Predicate) (*index.CommitPoint, error) {
	commits, err := index.ListCommits(dir)
	if err != nil {
		return nil, storage.Wrap("lookup "+key, dir.Location(), err)
	}
	return Scan(commits, key, pred), nil
}

// Find returns the value of key on the newest commit of dir satisfying pred,
// or def when there is none.
func Find(dir storage.Directory, key string, pred Predicate, def string) (string, error) {
	c, err := FindCommit(dir, key, pred)
	if err != nil || c == nil {
		return def, err
	}
	return c.UserData()[key], nil
}
