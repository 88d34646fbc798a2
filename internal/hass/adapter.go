package hass

import (
	"context"

	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// Adapter exposes the client through the scene engine ports: it serves
// observations from the state mirror and translates scene commands into
// service calls.
type Adapter struct {
	client *Client
}

// NewAdapter creates an adapter around an existing client.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

// FetchObservation returns the mirrored state of an entity. Unknown
// entities yield (nil, nil).
func (a *Adapter) FetchObservation(ctx context.Context, entityID string) (*scene.Observation, error) {
	return a.client.cache.Get(entityID), nil
}

// ApplyTarget activates the scene entity.
func (a *Adapter) ApplyTarget(ctx context.Context, sceneEntityID string, transition float64) error {
	var data map[string]any
	if transition > 0 {
		data = map[string]any{"transition": transition}
	}
	return a.client.CallService(ctx, "scene", "turn_on", data, map[string]any{"entity_id": sceneEntityID})
}

// ApplyRestore reapplies captured entity states through scene.apply.
func (a *Adapter) ApplyRestore(ctx context.Context, payload scene.RestorePayload, transition float64) error {
	entities := make(map[string]any, len(payload))
	for entityID, entry := range payload {
		ent := make(map[string]any, len(entry.Attributes)+1)
		for name, val := range entry.Attributes {
			ent[name] = val.Interface()
		}
		if entry.State.Present() {
			ent["state"] = entry.State.Interface()
		}
		entities[entityID] = ent
	}

	data := map[string]any{"entities": entities}
	if transition > 0 {
		data["transition"] = transition
	}
	return a.client.CallService(ctx, "scene", "apply", data, nil)
}

// TurnOff turns off all listed entities.
func (a *Adapter) TurnOff(ctx context.Context, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return a.client.CallService(ctx, "homeassistant", "turn_off", nil, map[string]any{"entity_id": entityIDs})
}

// ResolveSceneEntity finds the scene.* entity whose registry id matches.
// Returns "" when no entity carries the id.
func (a *Adapter) ResolveSceneEntity(ctx context.Context, sceneID string) (string, error) {
	for _, obs := range a.client.cache.All() {
		if obs.Domain() != "scene" {
			continue
		}
		if id, ok := obs.Attr("id").Str(); ok && id == sceneID {
			return obs.EntityID, nil
		}
	}
	return "", nil
}
