// Package scene implements stateful scene tracking: declared per-entity
// targets are matched against live observations with a numeric tolerance and
// folded into a scene-level on/off verdict, with enough captured state to
// restore entities on deactivation.
package scene

import (
	"strings"
	"time"

	"github.com/NJLangley/stateful-scenes/internal/attr"
)

// Domain returns the platform domain of an entity id, the part before the
// first dot.
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

// Observation is a snapshot of one entity's state and attributes as reported
// by the platform.
type Observation struct {
	EntityID   string
	State      attr.Value
	Attributes map[string]attr.Value
	ObservedAt time.Time
}

// Attr returns the named attribute, absent when not reported.
func (o *Observation) Attr(name string) attr.Value {
	if o == nil {
		return attr.Value{}
	}
	return o.Attributes[name]
}

// Domain returns the entity's platform domain.
func (o *Observation) Domain() string { return Domain(o.EntityID) }

// EntitySpec is one entity's declared target within a scene.
type EntitySpec struct {
	EntityID   string
	State      attr.Value
	Attributes map[string]attr.Value
}

// Spec is a scene definition: identity, the platform scene entity that
// applies it, and the ordered entity targets it declares. Entity order
// follows the definition source because partial scans stop mid-list.
type Spec struct {
	ID       string
	EntityID string
	Name     string
	Icon     string
	Area     string
	Learn    bool

	// NumberTolerance overrides the hub-wide tolerance when set.
	NumberTolerance *float64

	Entities []EntitySpec

	index map[string]int
}

// UniqueID returns the id used to key the scene externally. Learn scenes get
// a suffix so a learned copy never collides with the scene it was sampled
// from.
func (s *Spec) UniqueID() string {
	if s.Learn {
		return s.ID + "_learned"
	}
	return s.ID
}

// Entity returns the declared target for an entity id.
func (s *Spec) Entity(entityID string) (EntitySpec, bool) {
	if s.index == nil {
		s.reindex()
	}
	i, ok := s.index[entityID]
	if !ok {
		return EntitySpec{}, false
	}
	return s.Entities[i], true
}

// EntityIDs returns the declared entity ids in definition order.
func (s *Spec) EntityIDs() []string {
	ids := make([]string, len(s.Entities))
	for i, e := range s.Entities {
		ids[i] = e.EntityID
	}
	return ids
}

// SetEntities replaces the declared targets, keeping the lookup index
// consistent. Used when a learn scene captures its targets from live state.
func (s *Spec) SetEntities(entities []EntitySpec) {
	s.Entities = entities
	s.reindex()
}

func (s *Spec) reindex() {
	s.index = make(map[string]int, len(s.Entities))
	for i, e := range s.Entities {
		s.index[e.EntityID] = i
	}
}
