package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/hooks"
	"github.com/NJLangley/stateful-scenes/internal/kv"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// HooksService wraps the Lua hook runtime.
type HooksService struct {
	cfg     *config.Config
	bus     *eventbus.Bus
	Runtime *hooks.Runtime
}

// NewHooksService creates a new HooksService.
func NewHooksService(cfg *config.Config, hub *scene.Hub, bus *eventbus.Bus, kvm *kv.Manager) *HooksService {
	return &HooksService{
		cfg:     cfg,
		bus:     bus,
		Runtime: hooks.NewRuntime(hub, bus, kvm),
	}
}

// Start loads the hook script and begins the worker goroutine. A script that
// fails to load fails startup.
func (s *HooksService) Start(ctx context.Context) error {
	if !s.cfg.Hooks.Enabled {
		log.Debug().Msg("Lua hooks disabled")
		return nil
	}

	if err := s.Runtime.LoadScript(s.cfg.Hooks.Script); err != nil {
		return err
	}

	s.Runtime.Bind(ctx, s.bus)
	go s.Runtime.Run(ctx)
	return nil
}

// Close stops the runtime.
func (s *HooksService) Close() {
	s.Runtime.Close()
}
