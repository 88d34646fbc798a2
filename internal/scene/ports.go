package scene

import "context"

// FetchFunc reads the current observation for one entity. A nil observation
// with nil error means the platform does not know the entity.
type FetchFunc func(ctx context.Context, entityID string) (*Observation, error)

// StateSource supplies live entity observations.
type StateSource interface {
	FetchObservation(ctx context.Context, entityID string) (*Observation, error)
}

// Invoker issues the side-effecting platform calls scene control needs.
type Invoker interface {
	// ApplyTarget activates the platform scene entity with a transition.
	ApplyTarget(ctx context.Context, sceneEntityID string, transition float64) error
	// ApplyRestore reapplies captured entity states with a transition.
	ApplyRestore(ctx context.Context, payload RestorePayload, transition float64) error
	// TurnOff turns off the given entities.
	TurnOff(ctx context.Context, entityIDs []string) error
}

// SceneResolver derives the platform scene entity for a definition id.
type SceneResolver interface {
	// ResolveSceneEntity returns the scene entity id whose definition id
	// matches, or "" when none does.
	ResolveSceneEntity(ctx context.Context, sceneID string) (string, error)
}
