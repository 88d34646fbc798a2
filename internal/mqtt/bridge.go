// Package mqtt exposes scenes as switch-style MQTT devices: a retained
// state topic and an ON/OFF command topic per scene, plus an availability
// topic backed by a broker-side last will.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	commandTimeout    = 30 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
	payloadOn     = "ON"
	payloadOff    = "OFF"
)

// Config contains broker settings for the bridge.
type Config struct {
	Broker    string // e.g. tcp://127.0.0.1:1883
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
	QoS       byte

	// DiscoveryPrefix enables Home Assistant MQTT discovery when set.
	DiscoveryPrefix string
}

// Bridge publishes scene state over MQTT and executes inbound commands.
type Bridge struct {
	cfg    Config
	hub    *scene.Hub
	bus    *eventbus.Bus
	client paho.Client
}

// New creates a bridge. Call Connect to establish the broker session.
func New(cfg Config, hub *scene.Hub, bus *eventbus.Bus) *Bridge {
	return &Bridge{
		cfg: cfg,
		hub: hub,
		bus: bus,
	}
}

// Connect establishes the broker session. Subscriptions, availability and
// the retained scene states are published on every (re)connect.
func (b *Bridge) Connect() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)

	// Broker publishes offline on unexpected disconnect
	opts.SetWill(b.availabilityTopic(), statusOffline, 1, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		// Clean sessions drop subscriptions on disconnect, so set
		// everything up again on every connect.
		token := client.Subscribe(b.commandWildcard(), b.cfg.QoS, b.handleCommand)
		if ok := token.WaitTimeout(publishTimeout); !ok || token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", b.commandWildcard()).Msg("Command subscription failed")
		}

		client.Publish(b.availabilityTopic(), 1, true, statusOnline)
		b.publishDiscovery()
		b.PublishAll()

		log.Info().Str("broker", b.cfg.Broker).Msg("Connected to MQTT broker")
	})

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = paho.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect: timeout after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	return nil
}

// Close publishes a graceful offline status and disconnects.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}

	if b.client.IsConnected() {
		token := b.client.Publish(b.availabilityTopic(), 1, true, statusOffline)
		token.WaitTimeout(publishTimeout)
	}

	b.client.Disconnect(disconnectQuiesce)
	log.Debug().Msg("MQTT bridge stopped")
}

// PublishVerdict publishes the retained on/off state of one scene.
func (b *Bridge) PublishVerdict(sceneID string, on bool) {
	payload := payloadOff
	if on {
		payload = payloadOn
	}
	b.publish(b.stateTopic(sceneID), payload, true)
}

// PublishAll publishes the current state of every registered scene.
func (b *Bridge) PublishAll() {
	for _, ctl := range b.hub.Controllers() {
		b.PublishVerdict(ctl.ID(), ctl.IsOn())
	}
}

// SyncRetained republishes discovery entries and retained states for every
// scene. Called when scenes register after the broker session is already up.
func (b *Bridge) SyncRetained() {
	b.publishDiscovery()
	b.PublishAll()
}

// publishDiscovery announces each scene as a switch through Home Assistant
// MQTT discovery.
func (b *Bridge) publishDiscovery() {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}

	for _, ctl := range b.hub.Controllers() {
		sp := ctl.Spec()
		entry := map[string]any{
			"name":               sp.Name,
			"unique_id":          b.cfg.ClientID + "_" + ctl.ID(),
			"state_topic":        b.stateTopic(ctl.ID()),
			"command_topic":      b.commandTopic(ctl.ID()),
			"availability_topic": b.availabilityTopic(),
			"payload_on":         payloadOn,
			"payload_off":        payloadOff,
		}
		if sp.Icon != "" {
			entry["icon"] = sp.Icon
		}

		data, err := json.Marshal(entry)
		if err != nil {
			log.Warn().Err(err).Str("scene_id", ctl.ID()).Msg("Failed to build discovery payload")
			continue
		}

		topic := fmt.Sprintf("%s/switch/%s_%s/config", b.cfg.DiscoveryPrefix, b.cfg.ClientID, ctl.ID())
		b.publish(topic, string(data), true)
	}
}

func (b *Bridge) handleCommand(_ paho.Client, msg paho.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("Command handler panic recovered")
		}
	}()

	sceneID := b.sceneIDFromCommandTopic(msg.Topic())
	if sceneID == "" {
		log.Warn().Str("topic", msg.Topic()).Msg("Command on unexpected topic")
		return
	}

	cmd := strings.ToUpper(strings.TrimSpace(string(msg.Payload())))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var action string
	var err error
	switch cmd {
	case payloadOn:
		action = "activate"
		err = b.hub.Activate(ctx, sceneID)
	case payloadOff:
		action = "deactivate"
		err = b.hub.Deactivate(ctx, sceneID)
	default:
		log.Warn().Str("scene_id", sceneID).Str("payload", cmd).Msg("Unsupported command payload")
		return
	}

	if err != nil {
		log.Error().Err(err).Str("scene_id", sceneID).Str("action", action).Msg("Scene command failed")
		return
	}

	b.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeSceneCommand,
		Data: map[string]interface{}{
			"scene_id": sceneID,
			"action":   action,
			"source":   "mqtt",
		},
	})
}

// sceneIDFromCommandTopic extracts the scene id from a command topic.
// Returns "" for topics outside the command namespace.
func (b *Bridge) sceneIDFromCommandTopic(topic string) string {
	prefix := b.cfg.TopicRoot + "/scene/"
	const suffix = "/set"

	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func (b *Bridge) publish(topic, payload string, retained bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}

	token := b.client.Publish(topic, b.cfg.QoS, retained, payload)
	go func() {
		if ok := token.WaitTimeout(publishTimeout); !ok || token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("Publish failed")
		}
	}()
}

func (b *Bridge) availabilityTopic() string {
	return b.cfg.TopicRoot + "/status"
}

func (b *Bridge) stateTopic(sceneID string) string {
	return fmt.Sprintf("%s/scene/%s/state", b.cfg.TopicRoot, sceneID)
}

func (b *Bridge) commandTopic(sceneID string) string {
	return fmt.Sprintf("%s/scene/%s/set", b.cfg.TopicRoot, sceneID)
}

func (b *Bridge) commandWildcard() string {
	return b.cfg.TopicRoot + "/scene/+/set"
}
