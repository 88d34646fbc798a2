// Package api serves the HTTP control surface: scene listing and commands,
// per-scene setting overrides and the transition ledger.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/ledger"
	"github.com/NJLangley/stateful-scenes/internal/scene"
	"github.com/NJLangley/stateful-scenes/internal/storage"
)

// Options carries the collaborators of the HTTP server.
type Options struct {
	Host    string
	Port    int
	Version string

	Hub      *scene.Hub
	Bus      *eventbus.Bus
	Ledger   *ledger.Ledger
	Settings *storage.TypedStore[storage.SceneSettings]

	// Healthy reports platform connectivity for the health endpoint.
	Healthy func() bool
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	version  string
	hub      *scene.Hub
	bus      *eventbus.Bus
	ledger   *ledger.Ledger
	settings *storage.TypedStore[storage.SceneSettings]
	healthy  func() bool

	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		version:  opts.Version,
		hub:      opts.Hub,
		bus:      opts.Bus,
		ledger:   opts.Ledger,
		settings: opts.Settings,
		healthy:  opts.Healthy,
	}
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.buildRouter(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/scenes", func(r chi.Router) {
			r.Get("/", s.handleListScenes)
			r.Post("/external", s.handleCreateExternal)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScene)
				r.Post("/activate", s.handleActivateScene)
				r.Post("/deactivate", s.handleDeactivateScene)
				r.Post("/learn", s.handleLearnScene)
				r.Post("/check", s.handleCheckScene)
				r.Patch("/settings", s.handleUpdateSettings)
				r.Get("/ledger", s.handleSceneLedger)
			})
		})

		r.Get("/ledger", s.handleLedger)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := true
	if s.healthy != nil {
		connected = s.healthy()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"connected": connected,
		"scenes":    len(s.hub.Controllers()),
	})
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
