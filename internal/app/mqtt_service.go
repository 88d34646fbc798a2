package app

import (
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/mqtt"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// MQTTService wraps the MQTT scene-switch bridge.
type MQTTService struct {
	cfg    *config.Config
	bus    *eventbus.Bus
	Bridge *mqtt.Bridge
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, hub *scene.Hub, bus *eventbus.Bus) *MQTTService {
	bridge := mqtt.New(mqtt.Config{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		TopicRoot:       cfg.MQTT.TopicRoot,
		QoS:             cfg.MQTT.QoS,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, hub, bus)

	return &MQTTService{
		cfg:    cfg,
		bus:    bus,
		Bridge: bridge,
	}
}

// Start connects the bridge and mirrors scene events onto retained topics.
// An unreachable broker fails startup; drops after that are retried by the
// client's auto-reconnect.
func (s *MQTTService) Start() error {
	if !s.cfg.MQTT.Enabled {
		log.Debug().Msg("MQTT bridge disabled")
		return nil
	}

	s.bus.Subscribe(eventbus.EventTypeSceneVerdict, func(ev eventbus.Event) {
		sceneID, _ := ev.Data["scene_id"].(string)
		on, _ := ev.Data["on"].(bool)
		s.Bridge.PublishVerdict(sceneID, on)
	})

	// Scenes register and capture after the broker session is up, so both
	// moments resync discovery entries and retained states.
	s.bus.Subscribe(eventbus.EventTypeConnectivity, func(ev eventbus.Event) {
		if status, _ := ev.Data["status"].(string); status == "connected" {
			s.Bridge.SyncRetained()
		}
	})
	s.bus.Subscribe(eventbus.EventTypeSceneLearned, func(eventbus.Event) {
		s.Bridge.SyncRetained()
	})

	return s.Bridge.Connect()
}

// Close publishes the offline status and disconnects.
func (s *MQTTService) Close() {
	s.Bridge.Close()
}
