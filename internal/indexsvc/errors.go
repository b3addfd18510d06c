package indexsvc

import (
	"errors"

	"github.com/matteso1/revindex/internal/storage"
)

var (
	// ErrClosed is returned by every operation on a closed branch service.
	ErrClosed = storage.ErrClosed

	// ErrReadOnly is returned by writes to a base path.
	ErrReadOnly = storage.ErrReadOnly

	// ErrNotPopulated is returned when stamping a child on a branch that has
	// no index yet.
	ErrNotPopulated = errors.New("branch has no index yet")

	// ErrBranchExists is returned when creating a branch its parent already
	// stamped.
	ErrBranchExists = errors.New("branch already exists")
)
