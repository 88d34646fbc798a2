package scene

import (
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/attr"
)

// MatchResult is the tri-state outcome of checking one entity against its
// target. Unknown entries are excluded from the scene verdict instead of
// counting for either side.
type MatchResult int

const (
	Unknown MatchResult = iota
	Matched
	NotMatched
)

// String returns a human-readable name for the result.
func (r MatchResult) String() string {
	switch r {
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Matcher evaluates single entities against their declared targets.
// Comparison never fails: observations are untrusted and any unexpected
// shape degrades to a mismatch.
type Matcher struct {
	Allowlist         Allowlist
	Tolerance         float64
	IgnoreUnavailable bool
}

// Check compares a live observation against the entity's target. A nil
// observation means the entity is missing from the platform and counts as
// NotMatched. An unavailable entity counts as Unknown when configured to be
// ignored. Attributes are checked only when allow-listed for the entity's
// domain and present on both the target and the observation.
func (m *Matcher) Check(target EntitySpec, obs *Observation) MatchResult {
	if obs == nil {
		log.Warn().Str("entity", target.EntityID).Msg("entity not found")
		return NotMatched
	}

	if m.IgnoreUnavailable {
		if s, ok := obs.State.Str(); ok && s == "unavailable" {
			return Unknown
		}
	}

	if !attr.Equal(target.State, obs.State, m.Tolerance) {
		log.Debug().
			Str("entity", target.EntityID).
			Stringer("wanted", target.State).
			Stringer("got", obs.State).
			Msg("state not matching")
		return NotMatched
	}

	for _, name := range m.Allowlist.For(Domain(target.EntityID)) {
		tv, ok := target.Attributes[name]
		if !ok || !tv.Present() {
			continue
		}
		ov, ok := obs.Attributes[name]
		if !ok {
			continue
		}
		if !m.equalAttr(name, tv, ov) {
			log.Debug().
				Str("entity", target.EntityID).
				Str("attribute", name).
				Stringer("wanted", tv).
				Stringer("got", ov).
				Msg("attribute not matching")
			return NotMatched
		}
	}
	return Matched
}

// IsInteresting reports whether a change event can affect a scene verdict:
// the entity appeared, its state changed, or an allow-listed attribute moved
// beyond tolerance. Attributes missing on either side of the change are
// skipped.
func (m *Matcher) IsInteresting(old, new *Observation) bool {
	if new == nil {
		return false
	}
	if old == nil {
		return true
	}
	if !attr.Equal(old.State, new.State, m.Tolerance) {
		return true
	}
	for _, name := range m.Allowlist.For(new.Domain()) {
		ov, okOld := old.Attributes[name]
		nv, okNew := new.Attributes[name]
		if !okOld || !okNew {
			continue
		}
		if !m.equalAttr(name, ov, nv) {
			return true
		}
	}
	return false
}

func (m *Matcher) equalAttr(name string, a, b attr.Value) bool {
	if isColorAttribute(name) {
		return attr.EqualColor(a, b, m.Tolerance, isXYColor(name))
	}
	if !a.Present() && !b.Present() {
		return true
	}
	return attr.Equal(a, b, m.Tolerance)
}
