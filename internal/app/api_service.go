package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/api"
	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/ledger"
	"github.com/NJLangley/stateful-scenes/internal/scene"
	"github.com/NJLangley/stateful-scenes/internal/storage"
)

// APIService wraps the HTTP API server.
type APIService struct {
	cfg    *config.Config
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(
	cfg *config.Config,
	hub *scene.Hub,
	bus *eventbus.Bus,
	ldg *ledger.Ledger,
	settings *storage.TypedStore[storage.SceneSettings],
	healthy func() bool,
) *APIService {
	server := api.NewServer(api.Options{
		Host:     cfg.API.Host,
		Port:     cfg.API.Port,
		Version:  Version,
		Hub:      hub,
		Bus:      bus,
		Ledger:   ldg,
		Settings: settings,
		Healthy:  healthy,
	})

	return &APIService{
		cfg:    cfg,
		server: server,
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.API.Enabled {
		log.Debug().Msg("API server disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}
