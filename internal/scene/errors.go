package scene

import "errors"

var (
	// ErrDefinitionNotFound is returned when the scene definition source is
	// missing entirely.
	ErrDefinitionNotFound = errors.New("scene definitions not found")

	// ErrDefinitionInvalid is returned when the definition source cannot be
	// parsed as a scene list.
	ErrDefinitionInvalid = errors.New("scene definitions invalid")

	// ErrNoResolvableEntity is returned by activation when no platform scene
	// entity could be derived for the scene.
	ErrNoResolvableEntity = errors.New("no resolvable scene entity")

	// ErrSceneNotFound is returned when a scene id is not registered.
	ErrSceneNotFound = errors.New("scene not found")

	// ErrSceneExists is returned when a scene id is already registered.
	ErrSceneExists = errors.New("scene already registered")

	// ErrNotLearnScene is returned when a capture is requested for a scene
	// that declares its targets upfront.
	ErrNotLearnScene = errors.New("scene is not a learn scene")
)
