package hass

import (
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/NJLangley/stateful-scenes/internal/attr"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// Message types of the Home Assistant websocket protocol.
const (
	msgTypeAuthRequired = "auth_required"
	msgTypeAuth         = "auth"
	msgTypeAuthOK       = "auth_ok"
	msgTypeAuthInvalid  = "auth_invalid"
	msgTypeResult       = "result"
	msgTypeEvent        = "event"
	msgTypePong         = "pong"
)

// EventStateChanged is the event type carrying entity state transitions.
const EventStateChanged = "state_changed"

// wireMessage is the envelope of every message received from the server.
// Only the fields relevant to the current Type are populated.
type wireMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   map[string]any  `json:"event,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Version string          `json:"ha_version,omitempty"`
	Message string          `json:"message,omitempty"`
}

// wireError carries the error details of a failed command result.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authRequest is sent in response to auth_required.
type authRequest struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// State is an entity state object as reported by get_states and
// state_changed events.
type State struct {
	EntityID    string         `json:"entity_id"    mapstructure:"entity_id"`
	State       string         `json:"state"        mapstructure:"state"`
	Attributes  map[string]any `json:"attributes"   mapstructure:"attributes"`
	LastChanged time.Time      `json:"last_changed" mapstructure:"last_changed"`
	LastUpdated time.Time      `json:"last_updated" mapstructure:"last_updated"`
}

// Event is a server event. Data is populated for state_changed events.
type Event struct {
	EventType string           `json:"event_type" mapstructure:"event_type"`
	Origin    string           `json:"origin"     mapstructure:"origin"`
	TimeFired time.Time        `json:"time_fired" mapstructure:"time_fired"`
	Data      StateChangedData `json:"data"       mapstructure:"data"`
}

// StateChangedData carries the old and new state of one entity. Either
// state may be nil: OldState on entity creation, NewState on removal.
type StateChangedData struct {
	EntityID string `json:"entity_id" mapstructure:"entity_id"`
	OldState *State `json:"old_state" mapstructure:"old_state"`
	NewState *State `json:"new_state" mapstructure:"new_state"`
}

// decodeEvent maps a loosely typed event payload into an Event. Timestamps
// arrive as RFC 3339 strings with sub-second precision.
func decodeEvent(raw map[string]any) (*Event, error) {
	var ev Event
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:     &ev,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Observation converts the state into the engine's observation form.
func (s *State) Observation() *scene.Observation {
	if s == nil {
		return nil
	}
	observedAt := s.LastUpdated
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	return &scene.Observation{
		EntityID:   s.EntityID,
		State:      attr.String(s.State),
		Attributes: attr.FromAnyMap(s.Attributes),
		ObservedAt: observedAt,
	}
}
