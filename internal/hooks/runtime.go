// Package hooks runs a user Lua script against scene events. The script
// registers handlers for verdict flips, executed commands and learn captures,
// and can command scenes back through the hub.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/kv"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// Work is a unit of execution on the Lua VM. All Lua execution MUST go
// through the runtime's work queue: the LState is not thread-safe.
type Work func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L      *lua.LState
	scenes *scenesModule

	// Work queue for thread-safe Lua execution
	workQueue chan Work

	// Shutdown signaling - closing this channel signals senders to stop
	// Using a channel in select is race-free (unlike mutex + bool)
	closing   chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a Lua runtime bound to the hub. Commands issued from
// Lua publish to the bus like every other command surface. The kv manager is
// optional; without it scripts have no kv module.
func NewRuntime(hub *scene.Hub, bus *eventbus.Bus, kvm *kv.Manager) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		L:         L,
		scenes:    newScenesModule(hub, bus),
		workQueue: make(chan Work, 100),
		closing:   make(chan struct{}),
	}

	L.PreloadModule("log", logLoader)
	L.PreloadModule("scenes", r.scenes.loader)
	if kvm != nil {
		L.PreloadModule("kv", newKVModule(kvm).loader)
	}

	return r
}

// Close signals the runtime to stop accepting new work and closes the Lua
// state. Idempotent, and safe to call concurrently with Do - senders see the
// closing signal.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		// The work queue is never closed to avoid send-on-closed-channel
		// panics; Run exits on the closing signal and the channel gets
		// collected.
		r.L.Close()
	})
}

// Do queues work for the Lua VM (thread-safe, non-blocking). Returns false
// if the runtime is closing, the queue is full or the context is cancelled.
func (r *Runtime) Do(ctx context.Context, work Work) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// Run starts the Lua worker goroutine - the ONLY goroutine that touches the
// LState. Exits when the context is cancelled or the runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	// Modules read the Go context back off the LState for cancellation
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript loads and executes the hook script (must be called before Run)
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading hook script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute hook script: %w", err)
	}

	log.Info().
		Int("verdict_handlers", len(r.scenes.verdictHandlers)).
		Int("command_handlers", len(r.scenes.commandHandlers)).
		Int("learned_handlers", len(r.scenes.learnedHandlers)).
		Msg("Hook script loaded")
	return nil
}

// Bind subscribes the runtime to scene events. Handlers convert the event
// off the bus worker and queue the Lua dispatch for the VM goroutine.
func (r *Runtime) Bind(ctx context.Context, bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeSceneVerdict, func(ev eventbus.Event) {
		r.Do(ctx, func(context.Context) {
			r.scenes.dispatch(r.L, r.scenes.verdictHandlers, ev.Data)
		})
	})
	bus.Subscribe(eventbus.EventTypeSceneCommand, func(ev eventbus.Event) {
		r.Do(ctx, func(context.Context) {
			r.scenes.dispatch(r.L, r.scenes.commandHandlers, ev.Data)
		})
	})
	bus.Subscribe(eventbus.EventTypeSceneLearned, func(ev eventbus.Event) {
		r.Do(ctx, func(context.Context) {
			r.scenes.dispatch(r.L, r.scenes.learnedHandlers, ev.Data)
		})
	})
}
