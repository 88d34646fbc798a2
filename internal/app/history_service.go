package app

import (
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/history"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// HistoryService wraps the InfluxDB recorder. Telemetry is best-effort: an
// unreachable InfluxDB logs a warning and the daemon runs without it.
type HistoryService struct {
	cfg *config.Config
	hub *scene.Hub
	bus *eventbus.Bus

	recorder *history.Recorder
}

// NewHistoryService creates a new HistoryService without connecting.
func NewHistoryService(cfg *config.Config, hub *scene.Hub, bus *eventbus.Bus) *HistoryService {
	return &HistoryService{cfg: cfg, hub: hub, bus: bus}
}

// Start connects the recorder and subscribes it to scene events.
func (s *HistoryService) Start() {
	if !s.cfg.History.Enabled {
		log.Debug().Msg("History recorder disabled")
		return
	}

	recorder, err := history.Connect(s.cfg.History)
	if err != nil {
		log.Warn().Err(err).Msg("History recorder unavailable, continuing without")
		return
	}
	s.recorder = recorder

	s.bus.Subscribe(eventbus.EventTypeSceneVerdict, func(ev eventbus.Event) {
		sceneID, _ := ev.Data["scene_id"].(string)
		on, _ := ev.Data["on"].(bool)

		name := sceneID
		if ctl, ok := s.hub.Controller(sceneID); ok {
			name = ctl.Spec().Name
		}
		s.recorder.RecordVerdict(sceneID, name, on)
	})
	s.bus.Subscribe(eventbus.EventTypeSceneCommand, func(ev eventbus.Event) {
		sceneID, _ := ev.Data["scene_id"].(string)
		action, _ := ev.Data["action"].(string)
		source, _ := ev.Data["source"].(string)
		s.recorder.RecordCommand(sceneID, action, source)
	})
}

// Close flushes pending writes and disconnects.
func (s *HistoryService) Close() {
	if s.recorder != nil {
		s.recorder.Close()
	}
}
