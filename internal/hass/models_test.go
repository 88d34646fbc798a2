package hass

import (
	"testing"
	"time"
)

func TestDecodeEvent(t *testing.T) {
	raw := map[string]any{
		"event_type": "state_changed",
		"origin":     "LOCAL",
		"time_fired": "2024-03-11T19:24:07.968462+00:00",
		"data": map[string]any{
			"entity_id": "light.couch",
			"old_state": map[string]any{
				"entity_id": "light.couch",
				"state":     "on",
				"attributes": map[string]any{
					"brightness":    float64(40),
					"friendly_name": "Couch",
				},
				"last_changed": "2024-03-11T19:20:00+00:00",
				"last_updated": "2024-03-11T19:20:00+00:00",
			},
			"new_state": map[string]any{
				"entity_id": "light.couch",
				"state":     "on",
				"attributes": map[string]any{
					"brightness":    float64(100),
					"friendly_name": "Couch",
				},
				"last_changed": "2024-03-11T19:24:07.968462+00:00",
				"last_updated": "2024-03-11T19:24:07.968462+00:00",
			},
		},
	}

	ev, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}

	if ev.EventType != EventStateChanged {
		t.Errorf("EventType = %q, want %q", ev.EventType, EventStateChanged)
	}
	if ev.Data.EntityID != "light.couch" {
		t.Errorf("EntityID = %q, want light.couch", ev.Data.EntityID)
	}

	wantFired := time.Date(2024, 3, 11, 19, 24, 7, 968462000, time.UTC)
	if !ev.TimeFired.Equal(wantFired) {
		t.Errorf("TimeFired = %v, want %v", ev.TimeFired, wantFired)
	}

	if ev.Data.OldState == nil || ev.Data.NewState == nil {
		t.Fatal("expected both old and new states")
	}
	if got := ev.Data.OldState.Attributes["brightness"]; got != float64(40) {
		t.Errorf("old brightness = %v, want 40", got)
	}
	if got := ev.Data.NewState.Attributes["brightness"]; got != float64(100) {
		t.Errorf("new brightness = %v, want 100", got)
	}
}

func TestDecodeEventNilStates(t *testing.T) {
	raw := map[string]any{
		"event_type": "state_changed",
		"time_fired": "2024-03-11T19:24:07+00:00",
		"data": map[string]any{
			"entity_id": "light.new",
			"old_state": nil,
			"new_state": map[string]any{
				"entity_id":  "light.new",
				"state":      "off",
				"attributes": map[string]any{},
			},
		},
	}

	ev, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if ev.Data.OldState != nil {
		t.Errorf("OldState = %+v, want nil", ev.Data.OldState)
	}
	if ev.Data.NewState == nil || ev.Data.NewState.State != "off" {
		t.Errorf("NewState = %+v, want state off", ev.Data.NewState)
	}
}

func TestStateObservation(t *testing.T) {
	updated := time.Date(2024, 3, 11, 19, 24, 7, 0, time.UTC)
	st := &State{
		EntityID: "light.couch",
		State:    "on",
		Attributes: map[string]any{
			"brightness": float64(100),
			"rgb_color":  []any{float64(255), float64(0), float64(0)},
		},
		LastUpdated: updated,
	}

	obs := st.Observation()
	if obs.EntityID != "light.couch" {
		t.Errorf("EntityID = %q", obs.EntityID)
	}
	if got, ok := obs.State.Str(); !ok || got != "on" {
		t.Errorf("State = %v, want on", obs.State)
	}
	if got, ok := obs.Attr("brightness").Num(); !ok || got != 100 {
		t.Errorf("brightness = %v, want 100", obs.Attr("brightness"))
	}
	if !obs.ObservedAt.Equal(updated) {
		t.Errorf("ObservedAt = %v, want %v", obs.ObservedAt, updated)
	}

	var missing *State
	if missing.Observation() != nil {
		t.Error("nil state should convert to nil observation")
	}
}

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8123", want: "ws://127.0.0.1:8123/api/websocket"},
		{base: "https://ha.example.com", want: "wss://ha.example.com/api/websocket"},
		{base: "http://ha.local:8123/", want: "ws://ha.local:8123/api/websocket"},
		{base: "ws://ha.local:8123", want: "ws://ha.local:8123/api/websocket"},
		{base: "ftp://ha.local", wantErr: true},
	}

	for _, tt := range tests {
		got, err := wsEndpoint(tt.base)
		if tt.wantErr {
			if err == nil {
				t.Errorf("wsEndpoint(%q): expected error, got %q", tt.base, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("wsEndpoint(%q): %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("wsEndpoint(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
