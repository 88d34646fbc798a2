package storage

import (
	"time"

	"github.com/NJLangley/stateful-scenes/internal/attr"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

const (
	kindSceneSettings = "scene_settings"
	kindSceneLearned  = "scene_learned"
)

// SceneSettings are the per-scene tunable overrides persisted across
// restarts. Nil fields mean the configured default applies.
type SceneSettings struct {
	TransitionTime      *float64 `json:"transition_time,omitempty"`
	DebounceTimeMs      *int64   `json:"debounce_time_ms,omitempty"`
	NumberTolerance     *float64 `json:"number_tolerance,omitempty"`
	RestoreOnDeactivate *bool    `json:"restore_on_deactivate,omitempty"`
	IgnoreUnavailable   *bool    `json:"ignore_unavailable,omitempty"`
}

// NewSettingsStore returns the typed store for per-scene settings.
func NewSettingsStore(s *Store) *TypedStore[SceneSettings] {
	return NewTypedStore[SceneSettings](s, kindSceneSettings)
}

// LearnedTarget is one entity's captured target in a learned scene.
type LearnedTarget struct {
	EntityID   string         `json:"entity_id"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LearnedTargets is a learn scene's captured target set. Targets keep their
// declared order, which matters because scans can stop mid-list.
type LearnedTargets struct {
	CapturedAt time.Time       `json:"captured_at"`
	Targets    []LearnedTarget `json:"targets"`
}

// NewLearnedStore returns the typed store for captured learn targets.
func NewLearnedStore(s *Store) *TypedStore[LearnedTargets] {
	return NewTypedStore[LearnedTargets](s, kindSceneLearned)
}

// LearnedFromSpecs converts captured entity targets into their persisted
// form.
func LearnedFromSpecs(entities []scene.EntitySpec) LearnedTargets {
	out := LearnedTargets{
		CapturedAt: time.Now().UTC(),
		Targets:    make([]LearnedTarget, len(entities)),
	}
	for i, e := range entities {
		target := LearnedTarget{EntityID: e.EntityID, State: e.State.Interface()}
		if len(e.Attributes) > 0 {
			target.Attributes = make(map[string]any, len(e.Attributes))
			for k, v := range e.Attributes {
				target.Attributes[k] = v.Interface()
			}
		}
		out.Targets[i] = target
	}
	return out
}

// ToSpecs converts persisted learn targets back into entity targets.
func (l LearnedTargets) ToSpecs() []scene.EntitySpec {
	out := make([]scene.EntitySpec, len(l.Targets))
	for i, t := range l.Targets {
		out[i] = scene.EntitySpec{
			EntityID:   t.EntityID,
			State:      attr.FromAny(t.State),
			Attributes: attr.FromAnyMap(t.Attributes),
		}
	}
	return out
}
