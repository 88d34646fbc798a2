package scene

import (
	"context"
	"testing"

	"github.com/NJLangley/stateful-scenes/internal/attr"
)

// twoLightSpec declares the couch light by brightness and the shelf light by
// color, in that order.
func twoLightSpec() *Spec {
	s := &Spec{ID: "evening", EntityID: "scene.evening", Name: "Evening"}
	s.SetEntities([]EntitySpec{
		{
			EntityID:   "light.couch",
			State:      attr.String("on"),
			Attributes: attr.FromAnyMap(map[string]any{"brightness": 100}),
		},
		{
			EntityID:   "light.shelf",
			State:      attr.String("on"),
			Attributes: attr.FromAnyMap(map[string]any{"rgb_color": []any{255, 0, 0}}),
		},
	})
	return s
}

type scriptedFetch struct {
	states map[string]*Observation
	calls  []string
}

func (f *scriptedFetch) fetch(_ context.Context, entityID string) (*Observation, error) {
	f.calls = append(f.calls, entityID)
	return f.states[entityID], nil
}

func matchingStates() map[string]*Observation {
	return map[string]*Observation{
		"light.couch": testObs("light.couch", "on", map[string]any{"brightness": 102}),
		"light.shelf": testObs("light.shelf", "on", map[string]any{"rgb_color": []any{254, 1, 0}}),
	}
}

func TestRecomputeAllMatched(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), true)
	fetch := &scriptedFetch{states: matchingStates()}

	if !agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("all entities within tolerance should yield on")
	}
	if len(fetch.calls) != 2 {
		t.Errorf("fetch calls = %v, want both entities", fetch.calls)
	}
}

func TestRecomputeOneMismatchFullScan(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), true)
	states := matchingStates()
	states["light.couch"] = testObs("light.couch", "off", nil)
	fetch := &scriptedFetch{states: states}

	if agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("a mismatching entity should yield off")
	}
	// Restore mode scans everything even after a mismatch.
	if len(fetch.calls) != 2 {
		t.Errorf("fetch calls = %v, want full scan", fetch.calls)
	}
}

func TestRecomputeShortCircuit(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), false)
	states := matchingStates()
	states["light.couch"] = testObs("light.couch", "off", nil)
	fetch := &scriptedFetch{states: states}

	if agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("a mismatching entity should yield off")
	}
	if len(fetch.calls) != 1 || fetch.calls[0] != "light.couch" {
		t.Errorf("fetch calls = %v, want scan stopped after first mismatch", fetch.calls)
	}
}

func TestRecomputeShortCircuitOnUnknown(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, true), false)
	states := matchingStates()
	states["light.couch"] = testObs("light.couch", "unavailable", nil)
	fetch := &scriptedFetch{states: states}

	// Without restore, anything short of a match stops the scan.
	if agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("unavailable first entity should yield off when not restoring")
	}
	if len(fetch.calls) != 1 {
		t.Errorf("fetch calls = %v, want scan stopped at unknown", fetch.calls)
	}
}

func TestRecomputeUnknownExcluded(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, true), true)
	states := matchingStates()
	states["light.couch"] = testObs("light.couch", "unavailable", nil)
	fetch := &scriptedFetch{states: states}

	if !agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("unavailable entity should be excluded, leaving a matching scene")
	}
}

func TestRecomputeAllUnknownIsOff(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, true), true)
	fetch := &scriptedFetch{states: map[string]*Observation{
		"light.couch": testObs("light.couch", "unavailable", nil),
		"light.shelf": testObs("light.shelf", "unavailable", nil),
	}}

	if agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("a scene of only unavailable entities cannot be proven on")
	}
}

func TestRecomputeMissingEntity(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), true)
	states := matchingStates()
	delete(states, "light.shelf")
	fetch := &scriptedFetch{states: states}

	if agg.RecomputeAll(context.Background(), fetch.fetch) {
		t.Error("a missing entity counts as not matched")
	}
}

func TestRecomputeKeepsSnapshots(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), true)

	// The change stream captured the couch before the scene was applied.
	before := testObs("light.couch", "on", map[string]any{"brightness": 40})
	agg.Observe("light.couch", NotMatched, before)

	fetch := &scriptedFetch{states: matchingStates()}
	agg.RecomputeAll(context.Background(), fetch.fetch)

	payload := agg.RestorePayload()
	entry, ok := payload["light.couch"]
	if !ok {
		t.Fatal("observed entity missing from restore payload")
	}
	// A full scan must not replace the pre-change snapshot, or restore
	// would reapply the scene instead of undoing it.
	if v, _ := entry.Attributes["brightness"].Num(); v != 40 {
		t.Errorf("restore brightness = %v, want pre-change 40", entry.Attributes["brightness"])
	}
}

func TestRestorePayload(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), true)
	agg.Observe("light.couch", Matched, testObs("light.couch", "on", map[string]any{
		"brightness":    80,
		"friendly_name": "Couch",
	}))

	payload := agg.RestorePayload()
	if len(payload) != 1 {
		t.Fatalf("payload entities = %d, want only the observed one", len(payload))
	}
	entry := payload["light.couch"]
	if s, _ := entry.State.Str(); s != "on" {
		t.Errorf("restore state = %s, want on", entry.State)
	}
	if _, ok := entry.Attributes["brightness"]; !ok {
		t.Error("allow-listed attribute missing from restore payload")
	}
	if _, ok := entry.Attributes["friendly_name"]; ok {
		t.Error("non-allow-listed attribute leaked into restore payload")
	}
}

func TestRestorePayloadSkipsNilSnapshots(t *testing.T) {
	agg := NewAggregator(twoLightSpec(), testMatcher(5, false), true)
	agg.Observe("light.couch", NotMatched, nil)

	if payload := agg.RestorePayload(); len(payload) != 0 {
		t.Errorf("payload = %v, want empty when only nil snapshots exist", payload)
	}
}
