package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NJLangley/stateful-scenes/internal/attr"
	"github.com/NJLangley/stateful-scenes/internal/db"
	"github.com/NJLangley/stateful-scenes/internal/ledger"
	"github.com/NJLangley/stateful-scenes/internal/scene"
	"github.com/NJLangley/stateful-scenes/internal/storage"
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

func (s *stubSource) set(o *scene.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[o.EntityID] = o
}

type stubInvoker struct {
	mu        sync.Mutex
	applied   []string
	turnedOff int
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

func (s *stubInvoker) TurnOff(_ context.Context, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnedOff++
	return nil
}

// testServer builds a server over a hub with three scenes: a declared one, a
// learn one and one whose scene entity never resolved.
func testServer(t *testing.T, opts Options) (*Server, *stubSource, *stubInvoker) {
	t.Helper()

	source := &stubSource{states: map[string]*scene.Observation{
		"light.couch": {
			EntityID:   "light.couch",
			State:      attr.String("on"),
			Attributes: map[string]attr.Value{"brightness": attr.Number(200)},
		},
	}}
	invoker := &stubInvoker{}
	hub := scene.NewHub(source, invoker, scene.HubConfig{NumberTolerance: 1})

	specs := []*scene.Spec{
		{
			ID:       "evening",
			EntityID: "scene.evening",
			Name:     "Evening",
			Entities: []scene.EntitySpec{{
				EntityID:   "light.couch",
				State:      attr.String("on"),
				Attributes: map[string]attr.Value{"brightness": attr.Number(200)},
			}},
		},
		{
			ID:       "movie",
			EntityID: "scene.movie",
			Name:     "Movie",
			Learn:    true,
			Entities: []scene.EntitySpec{{EntityID: "light.couch"}},
		},
		{
			ID:       "orphan",
			Name:     "Orphan",
			Entities: []scene.EntitySpec{{EntityID: "light.couch", State: attr.String("on")}},
		},
	}
	for _, sp := range specs {
		if _, err := hub.Register(context.Background(), sp, nil); err != nil {
			t.Fatalf("register %s: %v", sp.ID, err)
		}
	}

	opts.Hub = hub
	opts.Version = "test"
	return NewServer(opts), source, invoker
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, Options{Healthy: func() bool { return false }})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
	if body["connected"] != false {
		t.Errorf("connected = %v, want false", body["connected"])
	}
	if body["scenes"].(float64) != 3 {
		t.Errorf("scenes = %v, want 3", body["scenes"])
	}
}

func TestListScenes(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/scenes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := decodeBody(t, w)
	if body["count"].(float64) != 3 {
		t.Fatalf("count = %v, want 3", body["count"])
	}

	ids := map[string]bool{}
	for _, raw := range body["scenes"].([]any) {
		view := raw.(map[string]any)
		ids[view["unique_id"].(string)] = true
	}
	for _, want := range []string{"evening", "movie_learned", "orphan"} {
		if !ids[want] {
			t.Errorf("scene %s missing from listing %v", want, ids)
		}
	}
}

func TestGetScene(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/scenes/evening", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := decodeBody(t, w)
	if body["id"] != "evening" || body["name"] != "Evening" {
		t.Errorf("unexpected identity: %v", body)
	}
	if body["entity_id"] != "scene.evening" {
		t.Errorf("entity_id = %v, want scene.evening", body["entity_id"])
	}
	if body["activation"] != "unknown" {
		t.Errorf("activation = %v, want unknown", body["activation"])
	}
	entities := body["entities"].([]any)
	if len(entities) != 1 || entities[0] != "light.couch" {
		t.Errorf("entities = %v, want [light.couch]", entities)
	}
}

func TestGetSceneNotFound(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/scenes/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != ErrCodeNotFound {
		t.Errorf("code = %v, want %s", body["code"], ErrCodeNotFound)
	}
}

func TestActivateScene(t *testing.T) {
	srv, _, invoker := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/evening/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["status"] != "activated" {
		t.Errorf("status = %v, want activated", body["status"])
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if len(invoker.applied) != 1 || invoker.applied[0] != "scene.evening" {
		t.Errorf("applied = %v, want [scene.evening]", invoker.applied)
	}
}

func TestActivateSceneNotFound(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/nope/activate", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestActivateSceneUnresolved(t *testing.T) {
	srv, _, invoker := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/orphan/activate", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if len(invoker.applied) != 0 {
		t.Errorf("applied = %v, want none", invoker.applied)
	}
}

func TestDeactivateScene(t *testing.T) {
	srv, _, invoker := testServer(t, Options{})

	doJSON(t, srv, http.MethodPost, "/api/v1/scenes/evening/activate", nil)
	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/evening/deactivate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if invoker.turnedOff != 1 {
		t.Errorf("turnedOff = %d, want 1", invoker.turnedOff)
	}
}

func TestLearnDeclaredSceneConflict(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/evening/learn", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestLearnScene(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/movie_learned/learn", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/scenes/movie_learned", nil)
	body := decodeBody(t, w)
	if body["learned"] != true {
		t.Errorf("learned = %v, want true", body["learned"])
	}
	// Captured targets mirror live state, so the scene reads as on.
	if body["on"] != true {
		t.Errorf("on = %v, want true", body["on"])
	}
}

func TestCheckScene(t *testing.T) {
	srv, source, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/evening/check", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["on"] != true {
		t.Errorf("on = %v, want true", body["on"])
	}

	source.set(&scene.Observation{
		EntityID:   "light.couch",
		State:      attr.String("on"),
		Attributes: map[string]attr.Value{"brightness": attr.Number(100)},
	})
	w = doJSON(t, srv, http.MethodPost, "/api/v1/scenes/evening/check", nil)
	if body := decodeBody(t, w); body["on"] != false {
		t.Errorf("on after drift = %v, want false", body["on"])
	}
}

func TestCreateExternalScene(t *testing.T) {
	srv, source, _ := testServer(t, Options{})
	source.set(&scene.Observation{
		EntityID: "scene.morning",
		State:    attr.String("scening"),
		Attributes: map[string]attr.Value{
			"id":            attr.String("morning"),
			"friendly_name": attr.String("Morning"),
			"icon":          attr.String("mdi:weather-sunset-up"),
		},
	})

	body := map[string]any{"entity_id": "scene.morning", "entities": []string{"light.couch"}}
	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/external", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	view := decodeBody(t, w)
	if view["unique_id"] != "morning_learned" {
		t.Errorf("unique_id = %v, want morning_learned", view["unique_id"])
	}
	if view["name"] != "Morning" {
		t.Errorf("name = %v, want Morning", view["name"])
	}
	if view["icon"] != "mdi:weather-sunset-up" {
		t.Errorf("icon = %v, want mdi:weather-sunset-up", view["icon"])
	}
	if view["learned"] != true {
		t.Errorf("learned = %v, want true", view["learned"])
	}
	// Captured targets mirror live state, so the scene reads as on.
	if view["on"] != true {
		t.Errorf("on = %v, want true", view["on"])
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/scenes/external", body)
	if w.Code != http.StatusConflict {
		t.Errorf("repeat status = %d, want 409", w.Code)
	}
}

func TestCreateExternalSceneUnknownEntity(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/external", map[string]any{
		"entity_id": "scene.nope",
		"entities":  []string{"light.couch"},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCreateExternalSceneValidation(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing entity_id", map[string]any{"entities": []string{"light.couch"}}},
		{"missing entities", map[string]any{"entity_id": "scene.morning"}},
	}
	for _, tc := range cases {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/scenes/external", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, w.Code)
		}
	}
}

func newSettingsStore(t *testing.T) *storage.TypedStore[storage.SceneSettings] {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return storage.NewSettingsStore(storage.NewStore(database.DB))
}

func TestUpdateSettings(t *testing.T) {
	settings := newSettingsStore(t)
	srv, _, _ := testServer(t, Options{Settings: settings})

	w := doJSON(t, srv, http.MethodPatch, "/api/v1/scenes/evening/settings", map[string]any{
		"transition_time":  2.5,
		"debounce_time_ms": 500,
		"number_tolerance": 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["transition_time"].(float64) != 2.5 {
		t.Errorf("transition_time = %v, want 2.5", body["transition_time"])
	}
	if body["debounce_time_ms"].(float64) != 500 {
		t.Errorf("debounce_time_ms = %v, want 500", body["debounce_time_ms"])
	}

	ctl, _ := srv.hub.Controller("evening")
	if ctl.TransitionTime() != 2.5 {
		t.Errorf("TransitionTime = %v, want 2.5", ctl.TransitionTime())
	}
	if ctl.DebounceTime() != 500*time.Millisecond {
		t.Errorf("DebounceTime = %v, want 500ms", ctl.DebounceTime())
	}
	if ctl.NumberTolerance() != 10 {
		t.Errorf("NumberTolerance = %v, want 10", ctl.NumberTolerance())
	}

	// A later partial update merges into the persisted override set.
	w = doJSON(t, srv, http.MethodPatch, "/api/v1/scenes/evening/settings", map[string]any{
		"ignore_unavailable": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("second patch status = %d, want 200", w.Code)
	}

	saved, _, err := settings.Get("evening")
	if err != nil {
		t.Fatalf("read persisted settings: %v", err)
	}
	if saved.TransitionTime == nil || *saved.TransitionTime != 2.5 {
		t.Errorf("persisted transition = %v, want 2.5", saved.TransitionTime)
	}
	if saved.IgnoreUnavailable == nil || !*saved.IgnoreUnavailable {
		t.Errorf("persisted ignore_unavailable = %v, want true", saved.IgnoreUnavailable)
	}
	if saved.RestoreOnDeactivate != nil {
		t.Errorf("persisted restore_on_deactivate = %v, want unset", saved.RestoreOnDeactivate)
	}
}

func TestUpdateSettingsBadJSON(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/scenes/evening/settings", bytes.NewReader([]byte("{nope")))
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer database.Close()

	led := ledger.New(database.DB)
	run1, run2 := ledger.NewRunID(), ledger.NewRunID()
	appends := []error{
		led.Append(run1, "evening", ledger.EventSceneActivated, "api", nil),
		led.Append(run1, "evening", ledger.EventVerdictChanged, "", map[string]any{"on": true}),
		led.Append(run2, "movie_learned", ledger.EventSceneActivated, "mqtt", nil),
	}
	for _, err := range appends {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	srv, _, _ := testServer(t, Options{Ledger: led})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["count"].(float64) != 3 {
		t.Errorf("count = %v, want 3", body["count"])
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/ledger?limit=1", nil)
	if body := decodeBody(t, w); body["count"].(float64) != 1 {
		t.Errorf("limited count = %v, want 1", body["count"])
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/scenes/evening/ledger", nil)
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Fatalf("scene count = %v, want 2", body["count"])
	}
	for _, raw := range body["entries"].([]any) {
		entry := raw.(map[string]any)
		if entry["scene_id"] != "evening" {
			t.Errorf("entry scene_id = %v, want evening", entry["scene_id"])
		}
	}
}

func TestLedgerLimitValidation(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	for _, limit := range []string{"abc", "0", "-5"} {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/ledger?limit="+limit, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit %q: status = %d, want 400", limit, w.Code)
		}
	}
}

func TestLedgerWithoutStore(t *testing.T) {
	srv, _, _ := testServer(t, Options{})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0", body["count"])
	}
}
