package branch

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// PhysicalPath addresses the storage location of a branch and is the value
// stamped into commit tags. It mirrors the logical tree, except that a
// reopened branch gets a fresh last segment.
type PhysicalPath string

func (p PhysicalPath) String() string { return string(p) }

// Segments splits p into directory names.
func (p PhysicalPath) Segments() []string {
	return strings.Split(string(p), Separator)
}

// Child returns the physical path of a child named name.
func (p PhysicalPath) Child(name string) PhysicalPath {
	return p + Separator + PhysicalPath(name)
}

// Registry is the connection/branch registry of one repository: it knows the
// branches, their current physical paths and whether the repository is still
// connected. Implementations are safe for concurrent use.
type Registry interface {
	// Physical resolves p. Base paths resolve through their context branch.
	Physical(p Path) PhysicalPath
	// SetPhysical records a new physical path for p.
	SetPhysical(p Path, physical PhysicalPath) error
	// NewPhysical returns an unused physical path for p.
	NewPhysical(p Path) PhysicalPath
	// Register records p as a known branch.
	Register(p Path) error
	Branches() []Path
	// Connected reports whether the repository is still attached.
	Connected(repository string) bool
}

// MemoryRegistry is the default Registry. With a file it persists every
// change as YAML so that a restarted process resolves the same physical
// paths.
type MemoryRegistry struct {
	mu           sync.RWMutex
	file         string
	physical     map[Path]PhysicalPath
	known        map[Path]struct{}
	disconnected map[string]struct{}
}

// registryFile is the on-disk form of a MemoryRegistry.
type registryFile struct {
	Branches []string          `yaml:"branches"`
	Physical map[string]string `yaml:"physical,omitempty"`
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		physical:     make(map[Path]PhysicalPath),
		known:        map[Path]struct{}{Main: {}},
		disconnected: make(map[string]struct{}),
	}
}

// OpenRegistry loads the registry persisted at file, or starts an empty one
// if the file does not exist yet.
func OpenRegistry(file string) (*MemoryRegistry, error) {
	r := NewRegistry()
	r.file = file
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", file, err)
	}
	for _, b := range rf.Branches {
		p, err := Parse(b)
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", file, err)
		}
		r.known[p] = struct{}{}
	}
	for logical, physical := range rf.Physical {
		p, err := Parse(logical)
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", file, err)
		}
		r.physical[p] = PhysicalPath(physical)
	}
	glog.V(1).Infof("[registry] loaded %s: %d branches, %d reopened", file, len(r.known), len(r.physical))
	return r, nil
}

func (r *MemoryRegistry) Physical(p Path) PhysicalPath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.physicalLocked(p.Context())
}

// physicalLocked walks up to the nearest ancestor with an explicit mapping.
func (r *MemoryRegistry) physicalLocked(p Path) PhysicalPath {
	var names []string
	for {
		if phys, ok := r.physical[p]; ok {
			return joinPhysical(phys, names)
		}
		parent, ok := p.Parent()
		if !ok {
			return joinPhysical(PhysicalPath(p), names)
		}
		names = append(names, p.Name())
		p = parent
	}
}

func joinPhysical(root PhysicalPath, reversed []string) PhysicalPath {
	for i := len(reversed) - 1; i >= 0; i-- {
		root = root.Child(reversed[i])
	}
	return root
}

func (r *MemoryRegistry) SetPhysical(p Path, physical PhysicalPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.physical[p.Context()] = physical
	r.known[p.Context()] = struct{}{}
	return r.saveLocked()
}

func (r *MemoryRegistry) NewPhysical(p Path) PhysicalPath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx := p.Context()
	parent, ok := ctx.Parent()
	if !ok {
		return PhysicalPath(Main)
	}
	return r.physicalLocked(parent).Child(ctx.Name() + "~" + strings.ToLower(ulid.Make().String()))
}

func (r *MemoryRegistry) Register(p Path) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[p.Context()]; ok {
		return nil
	}
	r.known[p.Context()] = struct{}{}
	return r.saveLocked()
}

func (r *MemoryRegistry) Branches() []Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.known))
}

func (r *MemoryRegistry) Connected(repository string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, gone := r.disconnected[repository]
	return !gone
}

// Disconnect marks repository as detached.
func (r *MemoryRegistry) Disconnect(repository string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected[repository] = struct{}{}
}

func (r *MemoryRegistry) saveLocked() error {
	if r.file == "" {
		return nil
	}
	rf := registryFile{Physical: make(map[string]string, len(r.physical))}
	for _, p := range slices.Sorted(maps.Keys(r.known)) {
		rf.Branches = append(rf.Branches, string(p))
	}
	for logical, physical := range r.physical {
		rf.Physical[string(logical)] = string(physical)
	}
	data, err := yaml.Marshal(rf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.file), 0755); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	tmp := r.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	if err := os.Rename(tmp, r.file); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}
