package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/db"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/kv"
	"github.com/NJLangley/stateful-scenes/internal/ledger"
	"github.com/NJLangley/stateful-scenes/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus

	// Persistent per-scene state
	Settings *storage.TypedStore[storage.SceneSettings]
	Learned  *storage.TypedStore[storage.LearnedTargets]
	KV       *kv.Manager

	// High-level services
	Hass    *HassService
	Scenes  *SceneService
	MQTT    *MQTTService
	API     *APIService
	History *HistoryService
	Hooks   *HooksService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger and persistent scene state
	s.Ledger = ledger.New(database.DB)
	store := storage.NewStore(database.DB)
	s.Settings = storage.NewSettingsStore(store)
	s.Learned = storage.NewLearnedStore(store)
	s.KV = kv.NewManager(database.DB)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize Home Assistant connection
	s.Hass, err = NewHassService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize the scene engine
	s.Scenes, err = NewSceneService(cfg, s.Hass.Adapter, s.Bus, s.Ledger, s.Settings, s.Learned)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize outward surfaces
	s.MQTT = NewMQTTService(cfg, s.Scenes.Hub, s.Bus)
	s.API = NewAPIService(cfg, s.Scenes.Hub, s.Bus, s.Ledger, s.Settings, s.Hass.Client.Connected)
	s.History = NewHistoryService(cfg, s.Scenes.Hub, s.Bus)
	s.Hooks = NewHooksService(cfg, s.Scenes.Hub, s.Bus, s.KV)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., rejected credentials).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Bus subscriptions first, so nothing published by the platform
	// connection is missed.
	s.Scenes.Start(ctx)

	if err := s.Hooks.Start(ctx); err != nil {
		return err
	}
	if err := s.MQTT.Start(); err != nil {
		return err
	}
	s.History.Start()
	s.API.Start(ctx)

	s.Hass.StartBackground(ctx, s.Bus, onFatalError)

	go s.cleanupLoop(ctx)

	return nil
}

// cleanupLoop periodically prunes ledger entries past the retention window
// and expired kv entries.
func (s *Services) cleanupLoop(ctx context.Context) {
	interval := s.cfg.Ledger.CleanupInterval.Duration()
	if interval <= 0 {
		return
	}
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if retention > 0 {
				deleted, err := s.Ledger.DeleteOlderThan(retention)
				if err != nil {
					log.Error().Err(err).Msg("Ledger cleanup failed")
				} else if deleted > 0 {
					log.Info().Int64("deleted", deleted).Msg("Ledger cleanup done")
				}
			}

			expired, err := s.KV.CleanupExpired()
			if err != nil {
				log.Error().Err(err).Msg("KV cleanup failed")
			} else if expired > 0 {
				log.Debug().Int64("expired", expired).Msg("Expired kv entries removed")
			}
		}
	}
}

// ClearLearned drops all persisted learned scene targets.
func (s *Services) ClearLearned() error {
	return s.Learned.Clear()
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Hooks != nil {
		s.Hooks.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.History != nil {
		s.History.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
