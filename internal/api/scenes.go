package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/scene"
	"github.com/NJLangley/stateful-scenes/internal/storage"
)

// sceneView is the JSON shape of one scene.
type sceneView struct {
	ID       string `json:"id"`
	UniqueID string `json:"unique_id"`
	Name     string `json:"name"`
	EntityID string `json:"entity_id,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Area     string `json:"area,omitempty"`

	Learn   bool `json:"learn,omitempty"`
	Learned bool `json:"learned"`

	On         bool     `json:"on"`
	Activation string   `json:"activation"`
	Entities   []string `json:"entities"`

	TransitionTime      float64 `json:"transition_time"`
	DebounceTimeMs      int64   `json:"debounce_time_ms"`
	NumberTolerance     float64 `json:"number_tolerance"`
	RestoreOnDeactivate bool    `json:"restore_on_deactivate"`
	IgnoreUnavailable   bool    `json:"ignore_unavailable"`
}

func viewOf(ctl *scene.Controller) sceneView {
	sp := ctl.Spec()
	return sceneView{
		ID:                  sp.ID,
		UniqueID:            sp.UniqueID(),
		Name:                sp.Name,
		EntityID:            sp.EntityID,
		Icon:                sp.Icon,
		Area:                sp.Area,
		Learn:               sp.Learn,
		Learned:             ctl.Learned(),
		On:                  ctl.IsOn(),
		Activation:          ctl.Activation().String(),
		Entities:            sp.EntityIDs(),
		TransitionTime:      ctl.TransitionTime(),
		DebounceTimeMs:      ctl.DebounceTime().Milliseconds(),
		NumberTolerance:     ctl.NumberTolerance(),
		RestoreOnDeactivate: ctl.RestoreOnDeactivate(),
		IgnoreUnavailable:   ctl.IgnoreUnavailable(),
	}
}

// handleListScenes returns all registered scenes.
func (s *Server) handleListScenes(w http.ResponseWriter, _ *http.Request) {
	controllers := s.hub.Controllers()
	scenes := make([]sceneView, 0, len(controllers))
	for _, ctl := range controllers {
		scenes = append(scenes, viewOf(ctl))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes, "count": len(scenes)})
}

// handleGetScene returns a single scene by unique id.
func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.lookupScene(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ctl))
}

// handleActivateScene applies the scene.
func (s *Server) handleActivateScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.hub.Activate(r.Context(), id); err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.publishCommand(id, "activate")
	writeJSON(w, http.StatusOK, map[string]any{"scene_id": id, "status": "activated"})
}

// handleDeactivateScene turns the scene off per its restore policy.
func (s *Server) handleDeactivateScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.hub.Deactivate(r.Context(), id); err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.publishCommand(id, "deactivate")
	writeJSON(w, http.StatusOK, map[string]any{"scene_id": id, "status": "deactivated"})
}

// handleLearnScene captures a learn scene's targets from live state.
func (s *Server) handleLearnScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.hub.LearnScene(r.Context(), id); err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.publishCommand(id, "learn")
	writeJSON(w, http.StatusOK, map[string]any{"scene_id": id, "status": "learned"})
}

// externalSceneRequest names a platform scene entity to adopt and the
// entities whose live state becomes its targets.
type externalSceneRequest struct {
	EntityID string   `json:"entity_id"`
	Entities []string `json:"entities"`
}

// handleCreateExternal adopts a platform scene entity that has no local
// definition. Identity comes from the entity's reported attributes; targets
// are captured from the live state of the listed entities.
func (s *Server) handleCreateExternal(w http.ResponseWriter, r *http.Request) {
	var req externalSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.EntityID == "" {
		writeBadRequest(w, "entity_id is required")
		return
	}
	if len(req.Entities) == 0 {
		writeBadRequest(w, "entities is required")
		return
	}

	spec, err := s.hub.PrepareExternalScene(r.Context(), req.EntityID, req.Entities)
	if err != nil {
		if errors.Is(err, scene.ErrSceneNotFound) {
			writeNotFound(w, "scene entity not found")
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	ctl, err := s.hub.Register(r.Context(), spec, nil)
	if err != nil {
		if errors.Is(err, scene.ErrSceneExists) {
			writeConflict(w, err.Error())
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	// Capture through the hub so the learned targets are persisted and
	// announced like any other learn scene.
	if err := s.hub.LearnScene(r.Context(), ctl.ID()); err != nil {
		log.Warn().Err(err).Str("scene_id", ctl.ID()).Msg("External scene capture failed")
	}

	writeJSON(w, http.StatusCreated, viewOf(ctl))
}

// handleCheckScene forces a re-evaluation against live state.
func (s *Server) handleCheckScene(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.lookupScene(w, r)
	if !ok {
		return
	}

	on := ctl.CheckAllStates(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"scene_id": ctl.ID(), "on": on})
}

// handleUpdateSettings applies a partial settings update to a scene and
// persists the override so it survives restarts.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.lookupScene(w, r)
	if !ok {
		return
	}

	var req storage.SceneSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.TransitionTime != nil {
		ctl.SetTransitionTime(*req.TransitionTime)
	}
	if req.DebounceTimeMs != nil {
		ctl.SetDebounceTime(time.Duration(*req.DebounceTimeMs) * time.Millisecond)
	}
	if req.NumberTolerance != nil {
		ctl.SetNumberTolerance(*req.NumberTolerance)
	}
	if req.IgnoreUnavailable != nil {
		ctl.SetIgnoreUnavailable(*req.IgnoreUnavailable)
	}
	if req.RestoreOnDeactivate != nil {
		ctl.SetRestoreOnDeactivate(r.Context(), *req.RestoreOnDeactivate)
	}

	if s.settings != nil {
		err := s.settings.Update(ctl.ID(), func(cur storage.SceneSettings) storage.SceneSettings {
			if req.TransitionTime != nil {
				cur.TransitionTime = req.TransitionTime
			}
			if req.DebounceTimeMs != nil {
				cur.DebounceTimeMs = req.DebounceTimeMs
			}
			if req.NumberTolerance != nil {
				cur.NumberTolerance = req.NumberTolerance
			}
			if req.IgnoreUnavailable != nil {
				cur.IgnoreUnavailable = req.IgnoreUnavailable
			}
			if req.RestoreOnDeactivate != nil {
				cur.RestoreOnDeactivate = req.RestoreOnDeactivate
			}
			return cur
		})
		if err != nil {
			writeInternalError(w, "failed to persist settings")
			return
		}
	}

	writeJSON(w, http.StatusOK, viewOf(ctl))
}

func (s *Server) lookupScene(w http.ResponseWriter, r *http.Request) (*scene.Controller, bool) {
	id := chi.URLParam(r, "id")
	ctl, ok := s.hub.Controller(id)
	if !ok {
		writeNotFound(w, "scene not found")
		return nil, false
	}
	return ctl, true
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scene.ErrSceneNotFound):
		writeNotFound(w, "scene not found")
	case errors.Is(err, scene.ErrNotLearnScene):
		writeConflict(w, err.Error())
	case errors.Is(err, scene.ErrNoResolvableEntity):
		writeConflict(w, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}

func (s *Server) publishCommand(sceneID, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeSceneCommand,
		Data: map[string]interface{}{
			"scene_id": sceneID,
			"action":   action,
			"source":   "api",
		},
	})
}
