package directory

import (
	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/storage"
)

// NewMemoryManager returns a Manager keeping every branch in memory. The
// content is lost on Close.
func NewMemoryManager(opts Options) Manager {
	return newManager(memoryStore{}, opts)
}

type memoryStore struct{}

func (memoryStore) location(phys branch.PhysicalPath) string {
	return "ram:" + string(phys)
}

func (memoryStore) open(phys branch.PhysicalPath) storage.Directory {
	return storage.NewRAMDirectory(string(phys))
}

func (memoryStore) remove(_ branch.PhysicalPath, d storage.Directory) error {
	return d.Close()
}
