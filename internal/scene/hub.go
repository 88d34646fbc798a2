package scene

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/attr"
)

// HubConfig carries the defaults every controller starts from.
type HubConfig struct {
	NumberTolerance     float64
	TransitionTime      float64
	DebounceTime        time.Duration
	RestoreOnDeactivate bool
	IgnoreUnavailable   bool
	Allowlist           Allowlist

	// OnChange receives activation flips from every registered scene.
	OnChange func(sceneID string, on bool)

	// OnLearned receives the captured targets whenever a learn scene
	// completes a capture.
	OnLearned func(sceneID string, targets []EntitySpec)
}

// Hub owns the scene controllers and routes entity change events to the
// scenes that track them.
type Hub struct {
	mu  sync.RWMutex
	cfg HubConfig

	source  StateSource
	invoker Invoker

	controllers map[string]*Controller
	order       []string
	watchers    map[string][]*Controller
}

// NewHub returns an empty hub using the given platform collaborators.
func NewHub(source StateSource, invoker Invoker, cfg HubConfig) *Hub {
	if cfg.Allowlist == nil {
		cfg.Allowlist = DefaultAllowlist()
	}
	return &Hub{
		cfg:         cfg,
		source:      source,
		invoker:     invoker,
		controllers: make(map[string]*Controller),
		watchers:    make(map[string][]*Controller),
	}
}

// Register builds a controller for the definition and starts tracking its
// entities. The platform scene entity is resolved through the resolver when
// the definition does not name one; a scene that stays unresolved registers
// anyway but cannot be activated. A missing icon is filled from the scene
// entity's reported attributes.
func (h *Hub) Register(ctx context.Context, spec *Spec, resolver SceneResolver) (*Controller, error) {
	if spec.EntityID == "" && resolver != nil {
		entityID, err := resolver.ResolveSceneEntity(ctx, spec.ID)
		if err != nil {
			log.Warn().Err(err).Str("scene", spec.ID).Msg("scene entity resolution failed")
		}
		spec.EntityID = entityID
	}
	if spec.EntityID == "" {
		log.Warn().Str("scene", spec.ID).Str("name", spec.Name).
			Msg("no scene entity resolved, activation will fail")
	} else if spec.Icon == "" {
		if obs, err := h.source.FetchObservation(ctx, spec.EntityID); err == nil {
			if icon, ok := obs.Attr("icon").Str(); ok {
				spec.Icon = icon
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := spec.UniqueID()
	if _, exists := h.controllers[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSceneExists, id)
	}

	ctl := NewController(spec, h.source, h.invoker, ControllerConfig{
		TransitionTime:      h.cfg.TransitionTime,
		DebounceTime:        h.cfg.DebounceTime,
		RestoreOnDeactivate: h.cfg.RestoreOnDeactivate,
		IgnoreUnavailable:   h.cfg.IgnoreUnavailable,
		NumberTolerance:     h.cfg.NumberTolerance,
		Allowlist:           h.cfg.Allowlist,
		OnChange:            h.cfg.OnChange,
	})
	h.controllers[id] = ctl
	h.order = append(h.order, id)
	for _, entityID := range spec.EntityIDs() {
		h.watchers[entityID] = append(h.watchers[entityID], ctl)
	}
	log.Info().
		Str("scene", id).
		Str("name", spec.Name).
		Str("entity", spec.EntityID).
		Int("entities", len(spec.Entities)).
		Bool("learn", spec.Learn).
		Msg("scene registered")
	return ctl, nil
}

// RegisterAll registers every definition, skipping ones that fail with a
// warning so a single bad scene does not block the rest.
func (h *Hub) RegisterAll(ctx context.Context, specs []*Spec, resolver SceneResolver) []*Controller {
	out := make([]*Controller, 0, len(specs))
	for _, spec := range specs {
		ctl, err := h.Register(ctx, spec, resolver)
		if err != nil {
			log.Warn().Err(err).Str("scene", spec.ID).Msg("scene registration skipped")
			continue
		}
		out = append(out, ctl)
	}
	return out
}

// Controller returns the controller registered under a scene's unique id.
func (h *Hub) Controller(sceneID string) (*Controller, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ctl, ok := h.controllers[sceneID]
	return ctl, ok
}

// Controllers returns every controller in registration order.
func (h *Hub) Controllers() []*Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Controller, len(h.order))
	for i, id := range h.order {
		out[i] = h.controllers[id]
	}
	return out
}

// TrackedEntities returns every entity id watched by at least one scene.
func (h *Hub) TrackedEntities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.watchers))
	for entityID := range h.watchers {
		out = append(out, entityID)
	}
	return out
}

// DispatchChange fans one entity change event out to every scene tracking
// that entity.
func (h *Hub) DispatchChange(ctx context.Context, entityID string, old, new *Observation) {
	h.mu.RLock()
	targets := h.watchers[entityID]
	h.mu.RUnlock()
	for _, ctl := range targets {
		ctl.HandleChange(ctx, entityID, old, new)
	}
}

// InitialScan evaluates every scene once, in registration order. Used at
// startup and after reconnects so verdicts reflect live state before any
// change events arrive.
func (h *Hub) InitialScan(ctx context.Context) {
	for _, ctl := range h.Controllers() {
		ctl.CheckAllStates(ctx)
	}
}

// Activate turns a scene on. Learn scenes capture their targets from live
// state right after the platform call, so later comparison tracks what the
// scene actually produced.
func (h *Hub) Activate(ctx context.Context, sceneID string) error {
	ctl, ok := h.Controller(sceneID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	if err := ctl.Activate(ctx); err != nil {
		return err
	}
	if ctl.Spec().Learn && !ctl.Learned() {
		if err := h.captureLearned(ctx, ctl); err != nil {
			log.Warn().Err(err).Str("scene", sceneID).Msg("learn capture failed")
		}
	}
	return nil
}

// Deactivate turns a scene off per its restore policy.
func (h *Hub) Deactivate(ctx context.Context, sceneID string) error {
	ctl, ok := h.Controller(sceneID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	return ctl.Deactivate(ctx)
}

// LearnScene captures a learn scene's targets from current live state
// without activating it.
func (h *Hub) LearnScene(ctx context.Context, sceneID string) error {
	ctl, ok := h.Controller(sceneID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	if !ctl.Spec().Learn {
		return fmt.Errorf("%w: %s", ErrNotLearnScene, sceneID)
	}
	return h.captureLearned(ctx, ctl)
}

func (h *Hub) captureLearned(ctx context.Context, ctl *Controller) error {
	ids := ctl.Spec().EntityIDs()
	samples := LearnSceneStates(ctx, h.source, ids)
	if len(samples) == 0 {
		return fmt.Errorf("no entity states captured for %s", ctl.ID())
	}
	targets := TargetsFromObservations(ids, samples)
	ctl.CompleteLearn(targets)
	log.Info().Str("scene", ctl.ID()).Int("entities", len(samples)).Msg("scene targets learned")
	if h.cfg.OnLearned != nil {
		h.cfg.OnLearned(ctl.ID(), targets)
	}
	ctl.CheckAllStates(ctx)
	return nil
}

// PrepareExternalScene builds a learn definition wrapping a platform scene
// entity that has no local definition, sampling the given entities for its
// initial targets. The scene id, name and icon come from the entity's
// reported attributes.
func (h *Hub) PrepareExternalScene(ctx context.Context, sceneEntityID string, entityIDs []string) (*Spec, error) {
	obs, err := h.source.FetchObservation(ctx, sceneEntityID)
	if err != nil {
		return nil, fmt.Errorf("fetch scene entity %s: %w", sceneEntityID, err)
	}
	if obs == nil {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, sceneEntityID)
	}
	id, _ := obs.Attr("id").Str()
	if id == "" {
		id = sceneEntityID
	}
	name, _ := obs.Attr("friendly_name").Str()
	icon, _ := obs.Attr("icon").Str()

	samples := LearnSceneStates(ctx, h.source, entityIDs)
	spec := &Spec{
		ID:       id,
		EntityID: sceneEntityID,
		Name:     name,
		Icon:     icon,
		Learn:    true,
	}
	spec.SetEntities(TargetsFromObservations(entityIDs, samples))
	return spec, nil
}

// LearnSceneStates samples the current observation of each entity. Entities
// the platform does not know are logged and left out.
func LearnSceneStates(ctx context.Context, source StateSource, entityIDs []string) map[string]*Observation {
	out := make(map[string]*Observation, len(entityIDs))
	for _, id := range entityIDs {
		obs, err := source.FetchObservation(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("entity", id).Msg("learn sample failed")
			continue
		}
		if obs == nil {
			log.Warn().Str("entity", id).Msg("learn sample missing entity")
			continue
		}
		out[id] = obs
	}
	return out
}

// TargetsFromObservations converts sampled observations into declared
// targets, keeping every reported attribute. Order follows the given entity
// id list; entities without a sample are dropped.
func TargetsFromObservations(order []string, samples map[string]*Observation) []EntitySpec {
	out := make([]EntitySpec, 0, len(samples))
	for _, id := range order {
		obs, ok := samples[id]
		if !ok {
			continue
		}
		attrs := make(map[string]attr.Value, len(obs.Attributes))
		for k, v := range obs.Attributes {
			attrs[k] = v
		}
		out = append(out, EntitySpec{EntityID: id, State: obs.State, Attributes: attrs})
	}
	return out
}
