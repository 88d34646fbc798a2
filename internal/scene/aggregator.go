package scene

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/attr"
)

// RestoreEntry is one entity's captured pre-change state.
type RestoreEntry struct {
	State      attr.Value
	Attributes map[string]attr.Value
}

// RestorePayload maps entity ids to the state a restore call reapplies.
type RestorePayload map[string]RestoreEntry

type entityRuntime struct {
	lastMatch       MatchResult
	lastObservation *Observation
}

// Aggregator folds per-entity match results into a scene verdict and keeps
// the per-entity snapshots that feed restore payloads. It is not safe for
// concurrent use; the owning controller serializes access to it.
type Aggregator struct {
	spec    *Spec
	matcher *Matcher

	// restoreOnDeactivate doubles as the scan policy: when off, a single
	// failing entity proves the scene off and the scan stops early.
	restoreOnDeactivate bool

	runtime map[string]*entityRuntime
}

// NewAggregator returns an aggregator over the scene's declared entities.
func NewAggregator(spec *Spec, matcher *Matcher, restoreOnDeactivate bool) *Aggregator {
	a := &Aggregator{
		spec:                spec,
		matcher:             matcher,
		restoreOnDeactivate: restoreOnDeactivate,
		runtime:             make(map[string]*entityRuntime, len(spec.Entities)),
	}
	for _, e := range spec.Entities {
		a.runtime[e.EntityID] = &entityRuntime{}
	}
	return a
}

// RestoreOnDeactivate reports the current scan/restore policy.
func (a *Aggregator) RestoreOnDeactivate() bool { return a.restoreOnDeactivate }

// SetRestoreOnDeactivate switches the scan/restore policy.
func (a *Aggregator) SetRestoreOnDeactivate(v bool) { a.restoreOnDeactivate = v }

// Observe records one entity's match result and restore snapshot. The
// snapshot is stored unconditionally: restore needs the pre-change state
// even when the entity no longer matches.
func (a *Aggregator) Observe(entityID string, result MatchResult, obs *Observation) {
	rt := a.runtime[entityID]
	if rt == nil {
		rt = &entityRuntime{}
		a.runtime[entityID] = rt
	}
	rt.lastMatch = result
	rt.lastObservation = obs
}

// RecomputeAll scans every declared entity in definition order and returns
// the scene verdict. Fetch failures count as missing entities. Restore
// snapshots are never touched here, only match results; snapshots come from
// the change stream so a restore reapplies pre-activation state.
//
// When restoreOnDeactivate is off the scan stops at the first entity that
// does not match, leaving later entities' cached results stale from a
// previous pass. Callers treat the cache as advisory for that reason.
func (a *Aggregator) RecomputeAll(ctx context.Context, fetch FetchFunc) bool {
	for _, e := range a.spec.Entities {
		obs, err := fetch(ctx, e.EntityID)
		if err != nil {
			log.Warn().Err(err).Str("entity", e.EntityID).Msg("observation fetch failed")
			obs = nil
		}
		result := a.matcher.Check(e, obs)
		rt := a.runtime[e.EntityID]
		if rt == nil {
			rt = &entityRuntime{}
			a.runtime[e.EntityID] = rt
		}
		rt.lastMatch = result

		if !a.restoreOnDeactivate && result != Matched {
			return false
		}
	}
	return a.verdict()
}

// verdict drops Unknown entries and requires every remaining entity to
// match. All entities Unknown means the scene cannot be proven on.
func (a *Aggregator) verdict() bool {
	seen := false
	for _, e := range a.spec.Entities {
		rt := a.runtime[e.EntityID]
		if rt == nil || rt.lastMatch == Unknown {
			continue
		}
		if rt.lastMatch != Matched {
			return false
		}
		seen = true
	}
	return seen
}

// RestorePayload builds the entity states a deactivation should reapply:
// each observed entity's snapshot state plus the allow-listed attributes the
// snapshot carries. Entities never observed are omitted.
func (a *Aggregator) RestorePayload() RestorePayload {
	payload := make(RestorePayload)
	for _, e := range a.spec.Entities {
		rt := a.runtime[e.EntityID]
		if rt == nil || rt.lastObservation == nil {
			continue
		}
		obs := rt.lastObservation
		entry := RestoreEntry{State: obs.State}
		for _, name := range a.matcher.Allowlist.For(Domain(e.EntityID)) {
			v, ok := obs.Attributes[name]
			if !ok || !v.Present() {
				continue
			}
			if entry.Attributes == nil {
				entry.Attributes = make(map[string]attr.Value)
			}
			entry.Attributes[name] = v
		}
		payload[e.EntityID] = entry
	}
	return payload
}
