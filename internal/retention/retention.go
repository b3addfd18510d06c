// Package retention holds the commit retention policies of branch indexes.
// Both run underneath index.SnapshotPolicy, which keeps pinned commits alive
// whatever the policy marks.
package retention

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/matteso1/revindex/internal/index"
)

// Policy names accepted by New.
const (
	BranchPoint = "branch-point"
	PerVersion  = "per-version"
)

// KeepBranchPointAndLast keeps every tagged commit (branch points) and the
// newest commit without tags.
type KeepBranchPointAndLast struct{}

func (p KeepBranchPointAndLast) OnInit(commits []index.IndexCommit) error {
	return p.OnCommit(commits)
}

func (KeepBranchPointAndLast) OnCommit(commits []index.IndexCommit) error {
	headSeen := false
	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		if len(c.UserData()) > 0 {
			continue
		}
		if !headSeen {
			headSeen = true
			continue
		}
		glog.V(2).Infof("[retention] drop superseded head %s", c.SegmentsFileName())
		c.Delete()
	}
	return nil
}

// KeepLatestPerVersion keeps the newest commit for every distinct value of
// VersionKey. Commits without the key share one bucket.
type KeepLatestPerVersion struct {
	VersionKey string
}

// GroupKey returns the tag commits are grouped by.
func (p KeepLatestPerVersion) GroupKey() string { return p.VersionKey }

func (p KeepLatestPerVersion) OnInit(commits []index.IndexCommit) error {
	return p.OnCommit(commits)
}

func (p KeepLatestPerVersion) OnCommit(commits []index.IndexCommit) error {
	seen := make(map[string]struct{})
	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		version := c.UserData()[p.VersionKey]
		if _, ok := seen[version]; ok {
			glog.V(2).Infof("[retention] drop %s, version %q already kept", c.SegmentsFileName(), version)
			c.Delete()
			continue
		}
		seen[version] = struct{}{}
	}
	return nil
}

// New returns the policy called name.
func New(name, versionKey string) (index.DeletionPolicy, error) {
	switch name {
	case BranchPoint, "":
		return KeepBranchPointAndLast{}, nil
	case PerVersion:
		if versionKey == "" {
			return nil, fmt.Errorf("retention policy %s needs a version key", PerVersion)
		}
		return KeepLatestPerVersion{VersionKey: versionKey}, nil
	default:
		return nil, fmt.Errorf("unknown retention policy %q", name)
	}
}
