package directory

import (
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/storage"
)

// NewFSManager returns a Manager storing every physical branch under root,
// nested by path segment: root/MAIN, root/MAIN/a, root/MAIN/a/b.
func NewFSManager(root string, umask os.FileMode, opts Options) Manager {
	return newManager(fsStore{root: root, umask: umask}, opts)
}

type fsStore struct {
	root  string
	umask os.FileMode
}

func (s fsStore) location(phys branch.PhysicalPath) string {
	return filepath.Join(append([]string{s.root}, phys.Segments()...)...)
}

func (s fsStore) open(phys branch.PhysicalPath) storage.Directory {
	return storage.NewFSDirectory(s.location(phys), s.umask)
}

// remove deletes the files of the location but leaves child branch
// directories in place. The location itself goes once it is empty.
func (s fsStore) remove(phys branch.PhysicalPath, d storage.Directory) error {
	names, err := d.ListAll()
	if err != nil {
		return err
	}
	var errs error
	for _, name := range names {
		if err := d.DeleteFile(name); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, d.Close())
	if errs != nil {
		return errs
	}
	// Fails harmlessly while child branches still live below.
	os.Remove(s.location(phys))
	return nil
}
