package indexsvc

import (
	"strconv"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/metadata"
)

// Purgeable reports whether the storage of p may be deleted by a sweep.
//
// MAIN never is, and nothing is while the repository is disconnected. A
// branch its parent stamped with a true tag marker survives as long as it
// has no commits of its own and no tagged child commit; everything else is
// purgeable.
func (s *IndexService) Purgeable(p branch.Path) (bool, error) {
	p = p.Context()
	if p.IsMain() {
		return false, nil
	}
	if !s.registry.Connected(s.repository) {
		return false, nil
	}
	parent, _ := p.Parent()
	parentSvc, err := s.GetBranchService(parent)
	if err != nil {
		return false, err
	}
	stamped, err := parentSvc.GetIndexCommit(s.registry.Physical(p))
	if err != nil {
		return false, err
	}
	if stamped == nil {
		return true, nil
	}
	tagged, err := strconv.ParseBool(stamped.UserData()[metadata.TagKey])
	if err != nil || !tagged {
		return true, nil
	}

	own, err := s.manager.Commits(p)
	if err != nil {
		return false, err
	}
	modified := metadata.Scan(own, metadata.BranchPathKey, unstamped) != nil
	nested := metadata.Scan(own, metadata.TagKey, metadata.NonEmpty) != nil
	return modified || nested, nil
}

// unstamped matches commits that record content rather than a child.
func unstamped(_ string, ok bool) bool { return !ok }
