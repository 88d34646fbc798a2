package hass

import (
	"context"
	"testing"

	"github.com/NJLangley/stateful-scenes/internal/attr"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	client, err := NewClient(Config{URL: "http://127.0.0.1:8123", Token: "test"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewAdapter(client)
}

func cacheObs(entityID, state string, attrs map[string]any) *scene.Observation {
	return &scene.Observation{
		EntityID:   entityID,
		State:      attr.String(state),
		Attributes: attr.FromAnyMap(attrs),
	}
}

func TestAdapterFetchObservation(t *testing.T) {
	a := newTestAdapter(t)
	a.client.cache.Set("light.couch", cacheObs("light.couch", "on", map[string]any{"brightness": 100}))

	obs, err := a.FetchObservation(context.Background(), "light.couch")
	if err != nil {
		t.Fatalf("FetchObservation: %v", err)
	}
	if obs == nil {
		t.Fatal("expected observation")
	}
	if got, ok := obs.Attr("brightness").Num(); !ok || got != 100 {
		t.Errorf("brightness = %v, want 100", obs.Attr("brightness"))
	}

	missing, err := a.FetchObservation(context.Background(), "light.unknown")
	if err != nil {
		t.Fatalf("FetchObservation: %v", err)
	}
	if missing != nil {
		t.Errorf("unknown entity = %+v, want nil", missing)
	}
}

func TestAdapterResolveSceneEntity(t *testing.T) {
	a := newTestAdapter(t)
	a.client.cache.Set("scene.evening", cacheObs("scene.evening", "2024-03-11T19:00:00+00:00", map[string]any{
		"id":            "abc123",
		"friendly_name": "Evening",
	}))
	a.client.cache.Set("light.couch", cacheObs("light.couch", "on", map[string]any{"id": "abc123"}))

	got, err := a.ResolveSceneEntity(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("ResolveSceneEntity: %v", err)
	}
	if got != "scene.evening" {
		t.Errorf("resolved %q, want scene.evening", got)
	}

	none, err := a.ResolveSceneEntity(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ResolveSceneEntity: %v", err)
	}
	if none != "" {
		t.Errorf("resolved %q for unknown id, want empty", none)
	}
}

func TestStateCacheReplace(t *testing.T) {
	cache := NewStateCache()
	cache.Set("light.old", cacheObs("light.old", "on", nil))

	cache.Replace(map[string]*scene.Observation{
		"light.new": cacheObs("light.new", "off", nil),
	})

	if cache.Get("light.old") != nil {
		t.Error("stale entity survived Replace")
	}
	if cache.Get("light.new") == nil {
		t.Error("fresh entity missing after Replace")
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want 1", cache.Len())
	}

	cache.Delete("light.new")
	if cache.Len() != 0 {
		t.Errorf("Len after Delete = %d, want 0", cache.Len())
	}
}
