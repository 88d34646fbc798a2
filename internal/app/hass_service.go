package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/hass"
)

// HassService wraps the Home Assistant WebSocket client and the adapter that
// exposes it to the scene engine.
type HassService struct {
	cfg *config.Config

	Client  *hass.Client
	Adapter *hass.Adapter
}

// NewHassService creates the client from configuration without connecting.
func NewHassService(cfg *config.Config) (*HassService, error) {
	client, err := hass.NewClient(hass.Config{
		URL:           cfg.HomeAssistant.URL,
		Token:         cfg.HomeAssistant.Token,
		Timeout:       cfg.HomeAssistant.Timeout.Duration(),
		MinBackoff:    cfg.HomeAssistant.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.HomeAssistant.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.HomeAssistant.RetryMultiplier,
		MaxReconnects: cfg.HomeAssistant.MaxReconnects,
		RateLimitRPS:  cfg.HomeAssistant.RateLimitRPS,
	})
	if err != nil {
		return nil, err
	}

	return &HassService{
		cfg:     cfg,
		Client:  client,
		Adapter: hass.NewAdapter(client),
	}, nil
}

// StartBackground starts the connection loop. Reconnects are handled inside
// Run; the errors it returns are terminal, so they trigger shutdown through
// onFatalError.
func (s *HassService) StartBackground(ctx context.Context, bus *eventbus.Bus, onFatalError func(error)) {
	go func() {
		if err := s.Client.Run(ctx, bus); err != nil {
			if errors.Is(err, hass.ErrAuthFailed) || errors.Is(err, hass.ErrMaxReconnectsExceeded) {
				log.Error().Err(err).Msg("Home Assistant connection unrecoverable, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			} else {
				log.Error().Err(err).Msg("Home Assistant event loop error")
			}
		}
	}()
}
