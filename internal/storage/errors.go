package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when operating on a handle that has been closed
	// and must be reopened before use.
	ErrClosed = errors.New("use of closed handle")

	// ErrReadOnly is returned when writing through a read-only branch service or directory.
	ErrReadOnly = errors.New("read-only")

	// ErrAlreadyClosed is returned when a writer, reader, directory or the
	// index service itself has already been shut down.
	ErrAlreadyClosed = errors.New("already closed")

	// ErrFileNotFound is returned when a named file doesn't exist in a directory.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileExists is returned when creating a file that already exists.
	ErrFileExists = errors.New("file already exists")

	// ErrCorruptCommit is returned when a commit point fails its checksum.
	ErrCorruptCommit = errors.New("corrupted commit point")

	// ErrCorruptSegment is returned when segment data is corrupted.
	ErrCorruptSegment = errors.New("corrupted segment")
)

// StorageError is the catch-all for I/O failures. Callers match it with
// errors.As and decide on their own whether to retry.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap wraps err in a StorageError. Guard violations and already-closed
// errors pass through untouched so callers can still tell them apart.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if IsGuardViolation(err) || errors.Is(err, ErrAlreadyClosed) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// IsGuardViolation reports whether err is a programmer error that must not be retried.
func IsGuardViolation(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrReadOnly)
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
