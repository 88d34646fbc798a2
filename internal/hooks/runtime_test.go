package hooks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/NJLangley/stateful-scenes/internal/attr"
	"github.com/NJLangley/stateful-scenes/internal/db"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/kv"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

type stubSource struct {
	mu     sync.Mutex
	states map[string]*scene.Observation
}

func (s *stubSource) FetchObservation(_ context.Context, entityID string) (*scene.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[entityID], nil
}

type stubInvoker struct {
	mu      sync.Mutex
	applied []string
}

func (s *stubInvoker) ApplyTarget(_ context.Context, sceneEntityID string, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, sceneEntityID)
	return nil
}

func (s *stubInvoker) ApplyRestore(_ context.Context, _ scene.RestorePayload, _ float64) error {
	return nil
}

func (s *stubInvoker) TurnOff(_ context.Context, _ []string) error { return nil }

func (s *stubInvoker) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func newTestRuntime(t *testing.T, bus *eventbus.Bus) (*Runtime, *stubInvoker) {
	t.Helper()

	source := &stubSource{states: map[string]*scene.Observation{
		"light.couch": {EntityID: "light.couch", State: attr.String("on")},
	}}
	invoker := &stubInvoker{}
	hub := scene.NewHub(source, invoker, scene.HubConfig{NumberTolerance: 1})

	sp := &scene.Spec{
		ID:       "evening",
		EntityID: "scene.evening",
		Name:     "Evening",
		Entities: []scene.EntitySpec{{EntityID: "light.couch", State: attr.String("on")}},
	}
	if _, err := hub.Register(context.Background(), sp, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	r := NewRuntime(hub, bus, nil)
	t.Cleanup(r.Close)
	return r, invoker
}

func writeScript(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hooks.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoadScript(t *testing.T) {
	r, _ := newTestRuntime(t, nil)

	path := writeScript(t, `
local log = require("log")
local scenes = require("scenes")

log.info("hooks ready", { count = #scenes.list() })

scenes.on_verdict(function(event) end)
scenes.on_command(function(event) end)

evening_on = scenes.is_on("evening")
missing = scenes.is_on("nope")
detail = scenes.get("evening")
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}

	if len(r.scenes.verdictHandlers) != 1 {
		t.Errorf("verdict handlers = %d, want 1", len(r.scenes.verdictHandlers))
	}
	if len(r.scenes.commandHandlers) != 1 {
		t.Errorf("command handlers = %d, want 1", len(r.scenes.commandHandlers))
	}
	if got := r.L.GetGlobal("evening_on"); got != lua.LFalse {
		t.Errorf("evening_on = %v, want false", got)
	}
	if got := r.L.GetGlobal("missing"); got != lua.LNil {
		t.Errorf("missing = %v, want nil", got)
	}

	detail, ok := r.L.GetGlobal("detail").(*lua.LTable)
	if !ok {
		t.Fatalf("detail is not a table")
	}
	if name := detail.RawGetString("name"); lua.LVAsString(name) != "Evening" {
		t.Errorf("detail.name = %v, want Evening", name)
	}
}

func TestLoadScriptMissing(t *testing.T) {
	r, _ := newTestRuntime(t, nil)

	if err := r.LoadScript(filepath.Join(t.TempDir(), "absent.lua")); err == nil {
		t.Fatal("expected error for missing script")
	}
}

func TestDispatchVerdict(t *testing.T) {
	r, _ := newTestRuntime(t, nil)

	path := writeScript(t, `
local scenes = require("scenes")

seen = 0
scenes.on_verdict(function(event)
    seen = seen + 1
    last_scene = event.scene_id
    last_on = event.on
end)
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}

	r.scenes.dispatch(r.L, r.scenes.verdictHandlers, map[string]any{
		"scene_id": "evening",
		"name":     "Evening",
		"on":       true,
	})

	if got := lua.LVAsNumber(r.L.GetGlobal("seen")); got != 1 {
		t.Errorf("seen = %v, want 1", got)
	}
	if got := lua.LVAsString(r.L.GetGlobal("last_scene")); got != "evening" {
		t.Errorf("last_scene = %q, want evening", got)
	}
	if got := r.L.GetGlobal("last_on"); got != lua.LTrue {
		t.Errorf("last_on = %v, want true", got)
	}
}

func TestDispatchSurvivesFailingHandler(t *testing.T) {
	r, _ := newTestRuntime(t, nil)

	path := writeScript(t, `
local scenes = require("scenes")

scenes.on_verdict(function(event)
    error("boom")
end)
scenes.on_verdict(function(event)
    survived = true
end)
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}

	r.scenes.dispatch(r.L, r.scenes.verdictHandlers, map[string]any{"scene_id": "evening"})

	if got := r.L.GetGlobal("survived"); got != lua.LTrue {
		t.Errorf("survived = %v, want true", got)
	}
}

func TestActivateFromScript(t *testing.T) {
	r, invoker := newTestRuntime(t, nil)

	path := writeScript(t, `
local scenes = require("scenes")
scenes.activate("evening")
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if len(invoker.applied) != 1 || invoker.applied[0] != "scene.evening" {
		t.Errorf("applied = %v, want [scene.evening]", invoker.applied)
	}
}

func TestActivateUnknownSceneRaises(t *testing.T) {
	r, _ := newTestRuntime(t, nil)

	path := writeScript(t, `
local scenes = require("scenes")
scenes.activate("nope")
`)
	if err := r.LoadScript(path); err == nil {
		t.Fatal("expected error for unknown scene")
	}
}

func TestBindDispatchesBusEvents(t *testing.T) {
	bus := eventbus.NewWithConfig(1, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Close(ctx)
	})

	r, invoker := newTestRuntime(t, bus)

	path := writeScript(t, `
local scenes = require("scenes")
scenes.on_verdict(function(event)
    if event.on then
        scenes.activate("evening")
    end
end)
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Bind(ctx, bus)
	go r.Run(ctx)

	bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeSceneVerdict,
		Data: map[string]interface{}{"scene_id": "movie", "on": true},
	})

	waitFor(t, func() bool { return invoker.appliedCount() == 1 }, "verdict handler never ran")
}

func TestDoAfterClose(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	r.Close()

	if ok := r.Do(context.Background(), func(context.Context) {}); ok {
		t.Fatal("Do after Close should report false")
	}
}

func TestKVModule(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "scenes.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	source := &stubSource{states: map[string]*scene.Observation{}}
	hub := scene.NewHub(source, &stubInvoker{}, scene.HubConfig{NumberTolerance: 1})

	r := NewRuntime(hub, nil, kv.NewManager(database.DB))
	t.Cleanup(r.Close)

	path := writeScript(t, `
local kv = require("kv")

local prefs = kv.bucket("prefs")
prefs:store("mode", "cinema")
stored = prefs:get("mode")
has_mode = prefs:exists("mode")

prefs:store("volume", 40)
key_count = #prefs:keys()
removed = prefs:delete("volume")

local scratch = kv.bucket("scratch", { persistent = false })
scratch:store("counter", 3)
counter = scratch:get("counter")
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}

	if got := lua.LVAsString(r.L.GetGlobal("stored")); got != "cinema" {
		t.Errorf("stored = %q, want cinema", got)
	}
	if got := r.L.GetGlobal("has_mode"); got != lua.LTrue {
		t.Errorf("has_mode = %v, want true", got)
	}
	if got := lua.LVAsNumber(r.L.GetGlobal("key_count")); got != 2 {
		t.Errorf("key_count = %v, want 2", got)
	}
	if got := r.L.GetGlobal("removed"); got != lua.LTrue {
		t.Errorf("removed = %v, want true", got)
	}
	if got := lua.LVAsNumber(r.L.GetGlobal("counter")); got != 3 {
		t.Errorf("counter = %v, want 3", got)
	}

	// Persistent buckets survive a fresh VM over the same database.
	r2 := NewRuntime(hub, nil, kv.NewManager(database.DB))
	t.Cleanup(r2.Close)

	path2 := writeScript(t, `
local kv = require("kv")
reloaded = kv.bucket("prefs"):get("mode")
`)
	if err := r2.LoadScript(path2); err != nil {
		t.Fatalf("load script: %v", err)
	}
	if got := lua.LVAsString(r2.L.GetGlobal("reloaded")); got != "cinema" {
		t.Errorf("reloaded = %q, want cinema", got)
	}
}

func TestKVModuleWithoutManager(t *testing.T) {
	r, _ := newTestRuntime(t, nil)

	path := writeScript(t, `
local ok = pcall(require, "kv")
kv_available = ok
`)
	if err := r.LoadScript(path); err != nil {
		t.Fatalf("load script: %v", err)
	}
	if got := r.L.GetGlobal("kv_available"); got != lua.LFalse {
		t.Errorf("kv_available = %v, want false", got)
	}
}
