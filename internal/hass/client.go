// Package hass maintains the websocket session with Home Assistant: it
// authenticates, mirrors entity states into a local cache, republishes
// state_changed events onto the event bus and executes service calls.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// ErrAuthFailed is returned when Home Assistant rejects the access token.
// Retrying cannot recover from it.
var ErrAuthFailed = errors.New("authentication failed")

// ErrNotConnected is returned for commands issued without an active connection.
var ErrNotConnected = errors.New("not connected")

const heartbeatInterval = 30 * time.Second

// Config contains connection and reconnection settings.
type Config struct {
	URL     string        // Base URL, e.g. http://homeassistant.local:8123
	Token   string        // Long-lived access token
	Timeout time.Duration // Per-command timeout

	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite

	RateLimitRPS float64 // Service call rate limit
}

// DefaultConfig returns sensible defaults for the client configuration.
func DefaultConfig() Config {
	return Config{
		URL:          "http://127.0.0.1:8123",
		Timeout:      30 * time.Second,
		MinBackoff:   1 * time.Second,
		MaxBackoff:   2 * time.Minute,
		Multiplier:   2.0,
		RateLimitRPS: 10.0,
	}
}

// Client is a Home Assistant websocket client with automatic reconnection.
type Client struct {
	cfg      Config
	endpoint string
	limiter  *rate.Limiter
	cache    *StateCache

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID    int64
	pendingMu sync.Mutex
	pending   map[int64]chan wireMessage
}

// NewClient creates a new client. The websocket endpoint is derived from
// the configured base URL.
func NewClient(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = def.RateLimitRPS
	}

	endpoint, err := wsEndpoint(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Home Assistant URL: %w", err)
	}

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		cache:    NewStateCache(),
		pending:  make(map[int64]chan wireMessage),
	}, nil
}

// Cache returns the entity state mirror.
func (c *Client) Cache() *StateCache {
	return c.cache
}

// Connected reports whether a websocket session is currently established.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Run maintains the websocket session with automatic reconnection until the
// context is cancelled. Returns ErrMaxReconnectsExceeded if max reconnects
// is exceeded, or ErrAuthFailed if the token is rejected.
func (c *Client) Run(ctx context.Context, bus *eventbus.Bus) error {
	retryCount := 0
	currentBackoff := c.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.connect(ctx, bus)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, ErrAuthFailed) {
				log.Error().Err(err).Msg("Home Assistant rejected credentials, terminating")
				return err
			}

			retryCount++

			// Check if we exceeded max reconnects
			if c.cfg.MaxReconnects > 0 && retryCount > c.cfg.MaxReconnects {
				log.Error().
					Int("max_reconnects", c.cfg.MaxReconnects).
					Msg("Home Assistant: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Int("retry", retryCount).
				Int("max_reconnects", c.cfg.MaxReconnects).
				Msg("Home Assistant disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			// Calculate next backoff with multiplier, capped at max
			nextBackoff := time.Duration(float64(currentBackoff) * c.cfg.Multiplier)
			if nextBackoff > c.cfg.MaxBackoff {
				nextBackoff = c.cfg.MaxBackoff
			}
			currentBackoff = nextBackoff

			continue
		}

		// Reset retry count and backoff on successful connection
		retryCount = 0
		currentBackoff = c.cfg.MinBackoff
	}
}

func (c *Client) connect(ctx context.Context, bus *eventbus.Bus) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return err
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.failPending()

		bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeConnectivity,
			Data: map[string]interface{}{"status": "disconnected"},
		})
	}()

	readErr := make(chan error, 1)
	go c.readLoop(conn, bus, readErr)
	go c.heartbeat(loopCtx, conn)

	if err := c.subscribeEvents(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	if err := c.primeStates(ctx); err != nil {
		return fmt.Errorf("prime states: %w", err)
	}

	log.Info().
		Str("url", c.endpoint).
		Int("entities", c.cache.Len()).
		Msg("Connected to Home Assistant")

	bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeConnectivity,
		Data: map[string]interface{}{"status": "connected"},
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		return err
	}
}

// handshake performs the auth exchange on a fresh connection.
func (c *Client) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	var hello wireMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if hello.Type != msgTypeAuthRequired {
		return fmt.Errorf("unexpected handshake message %q", hello.Type)
	}

	if err := conn.WriteJSON(authRequest{Type: msgTypeAuth, AccessToken: c.cfg.Token}); err != nil {
		return fmt.Errorf("send credentials: %w", err)
	}

	var verdict wireMessage
	if err := conn.ReadJSON(&verdict); err != nil {
		return fmt.Errorf("read auth verdict: %w", err)
	}

	switch verdict.Type {
	case msgTypeAuthOK:
		log.Debug().Str("ha_version", verdict.Version).Msg("Authenticated with Home Assistant")
		return nil
	case msgTypeAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthFailed, verdict.Message)
	default:
		return fmt.Errorf("unexpected auth response %q", verdict.Type)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, bus *eventbus.Bus, readErr chan<- error) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			readErr <- err
			return
		}

		switch msg.Type {
		case msgTypeResult, msgTypePong:
			c.resolvePending(msg)
		case msgTypeEvent:
			c.handleEvent(msg.Event, bus)
		default:
			log.Trace().Str("type", msg.Type).Msg("Unhandled message type")
		}
	}
}

// heartbeat pings the server periodically so half-open connections are
// detected and torn down.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.call(ctx, map[string]any{"type": "ping"}); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("Heartbeat failed, dropping connection")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleEvent(raw map[string]any, bus *eventbus.Bus) {
	ev, err := decodeEvent(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decode event")
		return
	}

	if ev.EventType != EventStateChanged {
		log.Trace().Str("event_type", ev.EventType).Msg("Unhandled event type")
		return
	}

	entityID := ev.Data.EntityID
	oldObs := ev.Data.OldState.Observation()
	newObs := ev.Data.NewState.Observation()

	if newObs == nil {
		c.cache.Delete(entityID)
	} else {
		c.cache.Set(entityID, newObs)
	}

	bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeStateChanged,
		Data: map[string]interface{}{
			"entity_id": entityID,
			"old":       oldObs,
			"new":       newObs,
		},
	})
}

func (c *Client) subscribeEvents(ctx context.Context) error {
	_, err := c.call(ctx, map[string]any{
		"type":       "subscribe_events",
		"event_type": EventStateChanged,
	})
	return err
}

// primeStates replaces the cache with a full state dump. Runs once per
// connection so entities that changed while offline are picked up.
func (c *Client) primeStates(ctx context.Context) error {
	raw, err := c.call(ctx, map[string]any{"type": "get_states"})
	if err != nil {
		return err
	}

	var states []*State
	if err := json.Unmarshal(raw, &states); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	fresh := make(map[string]*scene.Observation, len(states))
	for _, st := range states {
		fresh[st.EntityID] = st.Observation()
	}
	c.cache.Replace(fresh)

	return nil
}

// CallService executes a Home Assistant service call. Calls are rate
// limited; a burst of scene restores must not flood the server.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any, target map[string]any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	cmd := map[string]any{
		"type":    "call_service",
		"domain":  domain,
		"service": service,
	}
	if len(data) > 0 {
		cmd["service_data"] = data
	}
	if len(target) > 0 {
		cmd["target"] = target
	}

	if _, err := c.call(ctx, cmd); err != nil {
		return err
	}

	log.Debug().
		Str("domain", domain).
		Str("service", service).
		Msg("Service call executed")

	return nil
}

// call sends a command and waits for its result message.
func (c *Client) call(ctx context.Context, cmd map[string]any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	cmd["id"] = id

	ch := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeJSON(cmd); err != nil {
		c.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Type == msgTypePong {
			return nil, nil
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("command %v failed: %s (%s)", cmd["type"], resp.Error.Message, resp.Error.Code)
			}
			return nil, fmt.Errorf("command %v failed", cmd["type"])
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("command %v timed out", cmd["type"])
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) writeJSON(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	return conn.WriteJSON(v)
}

// resolvePending routes a result message to its waiting caller. A result
// with no waiter arrives when the caller already timed out.
func (c *Client) resolvePending(msg wireMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		log.Trace().Int64("id", msg.ID).Msg("Result with no waiter")
		return
	}
	ch <- msg
}

func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending aborts all in-flight commands after a disconnect.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// wsEndpoint derives the websocket URL from the configured base URL.
func wsEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}
