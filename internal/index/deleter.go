package index

import (
	"errors"

	"github.com/golang/glog"
	"go.uber.org/multierr"

	"github.com/matteso1/revindex/internal/storage"
)

// fileDeleter reference counts files across the commits a writer knows about
// and removes files once no remaining commit references them.
type fileDeleter struct {
	dir      storage.Directory
	policy   DeletionPolicy
	refs     map[string]int
	commits  []*CommitPoint
	onDelete func(fileName string)
}

func newFileDeleter(dir storage.Directory, policy DeletionPolicy, onDelete func(string)) *fileDeleter {
	return &fileDeleter{
		dir:      dir,
		policy:   policy,
		refs:     make(map[string]int),
		onDelete: onDelete,
	}
}

// init registers the commits found when the writer opened and runs OnInit.
func (d *fileDeleter) init(commits []*CommitPoint) error {
	for _, c := range commits {
		d.incRef(c)
	}
	d.commits = commits
	if err := d.policy.OnInit(d.view()); err != nil {
		return err
	}
	return d.deleteCommits()
}

// checkpoint registers a freshly published commit and runs OnCommit.
func (d *fileDeleter) checkpoint(c *CommitPoint) error {
	d.incRef(c)
	d.commits = append(d.commits, c)
	return d.revisit()
}

// revisit re-runs the policy, e.g. after a snapshot was released.
func (d *fileDeleter) revisit() error {
	if err := d.policy.OnCommit(d.view()); err != nil {
		return err
	}
	return d.deleteCommits()
}

func (d *fileDeleter) view() []IndexCommit {
	view := make([]IndexCommit, len(d.commits))
	for i, c := range d.commits {
		view[i] = c
	}
	return view
}

func (d *fileDeleter) incRef(c *CommitPoint) {
	for _, f := range c.FileNames() {
		d.refs[f]++
	}
}

func (d *fileDeleter) deleteCommits() error {
	if len(d.commits) == 0 {
		return nil
	}
	newest := d.commits[len(d.commits)-1]
	if newest.IsDeleted() {
		glog.Warningf("[deleter] %s: policy deleted the newest commit %s, keeping it", d.dir.Location(), newest.SegmentsFileName())
		newest.deleted = false
	}

	var errs error
	kept := d.commits[:0]
	for _, c := range d.commits {
		if !c.IsDeleted() {
			kept = append(kept, c)
			continue
		}
		glog.V(2).Infof("[deleter] %s: drop commit %s", d.dir.Location(), c.SegmentsFileName())
		for _, f := range c.FileNames() {
			d.refs[f]--
			if d.refs[f] > 0 {
				continue
			}
			delete(d.refs, f)
			errs = multierr.Append(errs, d.deleteFile(f))
		}
	}
	d.commits = kept
	return errs
}

// deleteFile removes an unreferenced file. Files that live in a read-only
// layer or are already gone are skipped.
func (d *fileDeleter) deleteFile(name string) error {
	err := d.dir.DeleteFile(name)
	switch {
	case err == nil:
		if d.onDelete != nil {
			d.onDelete(name)
		}
		return nil
	case errors.Is(err, storage.ErrReadOnly), errors.Is(err, storage.ErrFileNotFound):
		return nil
	default:
		return storage.Wrap("delete", name, err)
	}
}

// lastCommit returns the newest registered commit.
func (d *fileDeleter) lastCommit() *CommitPoint {
	if len(d.commits) == 0 {
		return nil
	}
	return d.commits[len(d.commits)-1]
}
