package constraint

import (
	"fmt"

	"github.com/structmesh/femcore/registry"
)

// BCKind is the closed set of boundary-condition kinds. Keeping the set
// closed lets merge and validation logic switch exhaustively over it.
type BCKind uint8

const (
	// BCFixed constrains all three displacement components to zero.
	BCFixed BCKind = iota

	// Directionally constrained: a single displacement component is zero.
	BCConstrainedX
	BCConstrainedY
	BCConstrainedZ
)

// String returns the string representation of a BCKind.
func (k BCKind) String() string {
	switch k {
	case BCFixed:
		return "Fixed"
	case BCConstrainedX:
		return "ConstrainedX"
	case BCConstrainedY:
		return "ConstrainedY"
	case BCConstrainedZ:
		return "ConstrainedZ"
	default:
		return fmt.Sprintf("BCKind(%d)", uint8(k))
	}
}

// Selection is a named set of entity ids of a single kind, owned by a
// ConstraintSpec. Ids are stored in insertion order and are duplicate-free.
type Selection struct {
	Name string
	Kind registry.EntityKind
	IDs  []registry.EntityID
}

// NewSelection validates and creates a selection. Every id must match the
// declared kind; duplicates are rejected.
func NewSelection(name string, kind registry.EntityKind, ids []registry.EntityID) (Selection, error) {
	if name == "" {
		return Selection{}, fmt.Errorf("constraint: selection has no name")
	}
	if len(ids) == 0 {
		return Selection{}, fmt.Errorf("constraint: selection %q is empty", name)
	}
	seen := make(map[registry.EntityID]bool, len(ids))
	out := make([]registry.EntityID, 0, len(ids))
	for _, id := range ids {
		if id.Kind != kind {
			return Selection{}, fmt.Errorf("constraint: selection %q declared %s but contains %s", name, kind, id)
		}
		if seen[id] {
			return Selection{}, fmt.Errorf("constraint: selection %q contains duplicate %s", name, id)
		}
		seen[id] = true
		out = append(out, id)
	}
	return Selection{Name: name, Kind: kind, IDs: out}, nil
}

// Contains reports whether the selection includes id.
func (s Selection) Contains(id registry.EntityID) bool {
	for _, have := range s.IDs {
		if have == id {
			return true
		}
	}
	return false
}

// overlap returns the first id shared with other, if any.
func (s Selection) overlap(other Selection) (registry.EntityID, bool) {
	if s.Kind != other.Kind {
		return registry.EntityID{}, false
	}
	set := make(map[registry.EntityID]bool, len(s.IDs))
	for _, id := range s.IDs {
		set[id] = true
	}
	for _, id := range other.IDs {
		if set[id] {
			return id, true
		}
	}
	return registry.EntityID{}, false
}

// clone returns a deep copy of the selection.
func (s Selection) clone() Selection {
	ids := make([]registry.EntityID, len(s.IDs))
	copy(ids, s.IDs)
	return Selection{Name: s.Name, Kind: s.Kind, IDs: ids}
}
