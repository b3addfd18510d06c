package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Directory is a flat, append-only namespace of immutable files. Files are
// written once through CreateOutput and become visible when the output is
// closed; they are never modified in place.
type Directory interface {
	// ListAll returns the sorted names of all files.
	ListAll() ([]string, error)
	FileExists(name string) (bool, error)
	ReadFile(name string) ([]byte, error)
	// CreateOutput creates a new file. The file is published on Close.
	CreateOutput(name string) (io.WriteCloser, error)
	DeleteFile(name string) error
	// Location describes where the directory lives, for errors and logs.
	Location() string
	Close() error
}

// FSDirectory stores files in a filesystem directory. Subdirectories (nested
// branch locations) and in-flight temp files are not part of its namespace.
type FSDirectory struct {
	path   string
	umask  os.FileMode
	closed atomic.Bool
}

const tempSuffix = ".tmp"

// NewFSDirectory returns a directory rooted at path. The path is created
// lazily on the first write.
func NewFSDirectory(path string, umask os.FileMode) *FSDirectory {
	return &FSDirectory{path: path, umask: umask}
}

func (d *FSDirectory) Location() string {
	return d.path
}

func (d *FSDirectory) ListAll() ([]string, error) {
	if d.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func (d *FSDirectory) FileExists(name string) (bool, error) {
	if d.closed.Load() {
		return false, ErrAlreadyClosed
	}
	info, err := os.Stat(filepath.Join(d.path, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (d *FSDirectory) ReadFile(name string) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return data, nil
}

func (d *FSDirectory) CreateOutput(name string) (io.WriteCloser, error) {
	if d.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if err := os.MkdirAll(d.path, 0755&^d.umask); err != nil {
		return nil, err
	}
	target := filepath.Join(d.path, name)
	if _, err := os.Stat(target); err == nil {
		return nil, ErrFileExists
	}
	file, err := os.CreateTemp(d.path, "."+name+"-*"+tempSuffix)
	if err != nil {
		return nil, err
	}
	return &fsOutput{file: file, target: target}, nil
}

func (d *FSDirectory) DeleteFile(name string) error {
	if d.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := os.Remove(filepath.Join(d.path, name)); err != nil {
		if os.IsNotExist(err) {
			return ErrFileNotFound
		}
		return err
	}
	return nil
}

func (d *FSDirectory) Close() error {
	d.closed.Store(true)
	return nil
}

// fsOutput publishes its temp file under the target name once synced.
type fsOutput struct {
	file   *os.File
	target string
}

func (o *fsOutput) Write(p []byte) (int, error) {
	return o.file.Write(p)
}

func (o *fsOutput) Close() error {
	tmp := o.file.Name()
	if err := o.file.Sync(); err != nil {
		o.file.Close()
		os.Remove(tmp)
		return err
	}
	if err := o.file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, o.target)
}

// RAMDirectory keeps files in memory. It is safe for concurrent use.
type RAMDirectory struct {
	name   string
	mu     sync.RWMutex
	files  map[string][]byte
	closed bool
}

// NewRAMDirectory creates an empty in-memory directory.
func NewRAMDirectory(name string) *RAMDirectory {
	return &RAMDirectory{name: name, files: make(map[string][]byte)}
}

func (d *RAMDirectory) Location() string {
	return "ram:" + d.name
}

func (d *RAMDirectory) ListAll() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrAlreadyClosed
	}
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (d *RAMDirectory) FileExists(name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, ErrAlreadyClosed
	}
	_, ok := d.files[name]
	return ok, nil
}

func (d *RAMDirectory) ReadFile(name string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrAlreadyClosed
	}
	data, ok := d.files[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	return data, nil
}

func (d *RAMDirectory) CreateOutput(name string) (io.WriteCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrAlreadyClosed
	}
	if _, ok := d.files[name]; ok {
		return nil, ErrFileExists
	}
	return &ramOutput{dir: d, name: name}, nil
}

func (d *RAMDirectory) DeleteFile(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrAlreadyClosed
	}
	if _, ok := d.files[name]; !ok {
		return ErrFileNotFound
	}
	delete(d.files, name)
	return nil
}

func (d *RAMDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type ramOutput struct {
	dir  *RAMDirectory
	name string
	buf  bytes.Buffer
}

func (o *ramOutput) Write(p []byte) (int, error) {
	return o.buf.Write(p)
}

func (o *ramOutput) Close() error {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	if o.dir.closed {
		return ErrAlreadyClosed
	}
	if _, ok := o.dir.files[o.name]; ok {
		return ErrFileExists
	}
	o.dir.files[o.name] = o.buf.Bytes()
	return nil
}

// ReadOnly wraps d so that every write fails with ErrReadOnly.
func ReadOnly(d Directory) Directory {
	return &readOnlyDirectory{Directory: d}
}

type readOnlyDirectory struct {
	Directory
}

func (d *readOnlyDirectory) CreateOutput(name string) (io.WriteCloser, error) {
	return nil, ErrReadOnly
}

func (d *readOnlyDirectory) DeleteFile(name string) error {
	return ErrReadOnly
}

// Restrict returns a read-only view of d that exposes only the named files.
func Restrict(d Directory, visible map[string]struct{}) Directory {
	return &restrictedDirectory{inner: d, visible: visible}
}

type restrictedDirectory struct {
	inner   Directory
	visible map[string]struct{}
}

func (d *restrictedDirectory) Location() string {
	return d.inner.Location() + " (restricted)"
}

func (d *restrictedDirectory) ListAll() ([]string, error) {
	names, err := d.inner.ListAll()
	if err != nil {
		return nil, err
	}
	out := names[:0:0]
	for _, name := range names {
		if _, ok := d.visible[name]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (d *restrictedDirectory) FileExists(name string) (bool, error) {
	if _, ok := d.visible[name]; !ok {
		return false, nil
	}
	return d.inner.FileExists(name)
}

func (d *restrictedDirectory) ReadFile(name string) ([]byte, error) {
	if _, ok := d.visible[name]; !ok {
		return nil, ErrFileNotFound
	}
	return d.inner.ReadFile(name)
}

func (d *restrictedDirectory) CreateOutput(name string) (io.WriteCloser, error) {
	return nil, ErrReadOnly
}

func (d *restrictedDirectory) DeleteFile(name string) error {
	return ErrReadOnly
}

func (d *restrictedDirectory) Close() error {
	return d.inner.Close()
}

// Composite layers a writable overlay on top of a read-only base. Reads
// consult the overlay first and fall through to the base; writes land only
// in the overlay. Deleting a file that exists only in the base is a no-op.
func Composite(overlay, base Directory) Directory {
	return &compositeDirectory{overlay: overlay, base: base}
}

type compositeDirectory struct {
	overlay Directory
	base    Directory
}

func (d *compositeDirectory) Location() string {
	return d.overlay.Location()
}

func (d *compositeDirectory) ListAll() ([]string, error) {
	top, err := d.overlay.ListAll()
	if err != nil {
		return nil, err
	}
	bottom, err := d.base.ListAll()
	if err != nil {
		return nil, err
	}
	names := append(slices.Clone(top), bottom...)
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (d *compositeDirectory) FileExists(name string) (bool, error) {
	ok, err := d.overlay.FileExists(name)
	if err != nil || ok {
		return ok, err
	}
	return d.base.FileExists(name)
}

func (d *compositeDirectory) ReadFile(name string) ([]byte, error) {
	data, err := d.overlay.ReadFile(name)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrFileNotFound) {
		return nil, err
	}
	return d.base.ReadFile(name)
}

func (d *compositeDirectory) CreateOutput(name string) (io.WriteCloser, error) {
	return d.overlay.CreateOutput(name)
}

func (d *compositeDirectory) DeleteFile(name string) error {
	err := d.overlay.DeleteFile(name)
	if err == nil || !errors.Is(err, ErrFileNotFound) {
		return err
	}
	if ok, _ := d.base.FileExists(name); ok {
		return nil
	}
	return ErrFileNotFound
}

func (d *compositeDirectory) Close() error {
	return multierr.Append(d.overlay.Close(), d.base.Close())
}

// Shared wraps a directory owned by someone else (a process-wide cache); its
// Close is a no-op so one consumer can't close it under another.
func Shared(d Directory) Directory {
	return &sharedDirectory{Directory: d}
}

type sharedDirectory struct {
	Directory
}

func (d *sharedDirectory) Close() error {
	return nil
}
