package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/hass"
	"github.com/NJLangley/stateful-scenes/internal/ledger"
	"github.com/NJLangley/stateful-scenes/internal/scene"
	"github.com/NJLangley/stateful-scenes/internal/storage"
)

// SceneService owns the scene hub: definitions, verdict evaluation, and the
// bus subscriptions that feed it.
type SceneService struct {
	cfg *config.Config

	Hub *scene.Hub

	adapter  *hass.Adapter
	bus      *eventbus.Bus
	ledger   *ledger.Ledger
	settings *storage.TypedStore[storage.SceneSettings]
	learned  *storage.TypedStore[storage.LearnedTargets]

	specs        []*scene.Spec
	registerOnce sync.Once
}

// NewSceneService loads the scene definitions and builds the hub. A broken
// definition file fails startup; registration itself waits for the first
// platform connection, when entity state is known.
func NewSceneService(
	cfg *config.Config,
	adapter *hass.Adapter,
	bus *eventbus.Bus,
	ldg *ledger.Ledger,
	settings *storage.TypedStore[storage.SceneSettings],
	learned *storage.TypedStore[storage.LearnedTargets],
) (*SceneService, error) {
	specs, err := scene.LoadDefinitions(cfg.Scenes.Path)
	if err != nil {
		return nil, err
	}

	s := &SceneService{
		cfg:      cfg,
		adapter:  adapter,
		bus:      bus,
		ledger:   ldg,
		settings: settings,
		learned:  learned,
		specs:    specs,
	}

	allowlist := scene.DefaultAllowlist()
	if len(cfg.Scenes.Attributes) > 0 {
		allowlist = allowlist.Merge(cfg.Scenes.Attributes)
	}

	s.Hub = scene.NewHub(adapter, adapter, scene.HubConfig{
		NumberTolerance:     cfg.Scenes.NumberTolerance,
		TransitionTime:      cfg.Scenes.TransitionTime,
		DebounceTime:        cfg.Scenes.DebounceTime.Duration(),
		RestoreOnDeactivate: cfg.Scenes.RestoreOnDeactivate,
		IgnoreUnavailable:   cfg.Scenes.IgnoreUnavailable,
		Allowlist:           allowlist,

		// Runs under the controller lock: publish and return.
		OnChange: func(sceneID string, on bool) {
			bus.Publish(eventbus.Event{
				Type: eventbus.EventTypeSceneVerdict,
				Data: map[string]interface{}{"scene_id": sceneID, "on": on},
			})
		},
		OnLearned: s.persistLearned,
	})

	return s, nil
}

// Start wires the hub into the event bus. Must run before the platform
// connection starts so the first connectivity event is not missed.
func (s *SceneService) Start(ctx context.Context) {
	s.bus.Subscribe(eventbus.EventTypeStateChanged, func(ev eventbus.Event) {
		s.handleStateChanged(ctx, ev)
	})
	s.bus.Subscribe(eventbus.EventTypeConnectivity, func(ev eventbus.Event) {
		s.handleConnectivity(ctx, ev)
	})
	s.bus.Subscribe(eventbus.EventTypeSceneCommand, s.recordCommand)
	s.bus.Subscribe(eventbus.EventTypeSceneVerdict, s.recordVerdict)
	s.bus.Subscribe(eventbus.EventTypeSceneLearned, s.recordLearned)
}

func (s *SceneService) handleStateChanged(ctx context.Context, ev eventbus.Event) {
	entityID, _ := ev.Data["entity_id"].(string)
	if entityID == "" {
		return
	}
	oldObs, _ := ev.Data["old"].(*scene.Observation)
	newObs, _ := ev.Data["new"].(*scene.Observation)
	s.Hub.DispatchChange(ctx, entityID, oldObs, newObs)
}

// handleConnectivity registers scenes once the platform state cache is
// primed, and rescans verdicts after every reconnect.
func (s *SceneService) handleConnectivity(ctx context.Context, ev eventbus.Event) {
	status, _ := ev.Data["status"].(string)
	if status != "connected" {
		return
	}
	s.registerOnce.Do(func() { s.registerScenes(ctx) })
	s.Hub.InitialScan(ctx)
}

func (s *SceneService) registerScenes(ctx context.Context) {
	s.Hub.RegisterAll(ctx, s.specs, s.adapter)

	for _, ctl := range s.Hub.Controllers() {
		s.applySettings(ctx, ctl)
		s.restoreLearned(ctl)
	}
	log.Info().Int("scenes", len(s.Hub.Controllers())).Msg("Scenes registered")
}

// applySettings reapplies persisted per-scene overrides.
func (s *SceneService) applySettings(ctx context.Context, ctl *scene.Controller) {
	st, _, err := s.settings.Get(ctl.ID())
	if err != nil {
		log.Warn().Err(err).Str("scene_id", ctl.ID()).Msg("Failed to load scene settings")
		return
	}
	if st.TransitionTime != nil {
		ctl.SetTransitionTime(*st.TransitionTime)
	}
	if st.DebounceTimeMs != nil {
		ctl.SetDebounceTime(time.Duration(*st.DebounceTimeMs) * time.Millisecond)
	}
	if st.NumberTolerance != nil {
		ctl.SetNumberTolerance(*st.NumberTolerance)
	}
	if st.IgnoreUnavailable != nil {
		ctl.SetIgnoreUnavailable(*st.IgnoreUnavailable)
	}
	if st.RestoreOnDeactivate != nil {
		ctl.SetRestoreOnDeactivate(ctx, *st.RestoreOnDeactivate)
	}
}

// restoreLearned re-arms learn scenes from targets captured in an earlier run.
func (s *SceneService) restoreLearned(ctl *scene.Controller) {
	if !ctl.Spec().Learn || ctl.Learned() {
		return
	}
	targets, _, err := s.learned.Get(ctl.ID())
	if err != nil {
		log.Warn().Err(err).Str("scene_id", ctl.ID()).Msg("Failed to load learned targets")
		return
	}
	if len(targets.Targets) == 0 {
		return
	}
	ctl.CompleteLearn(targets.ToSpecs())
	log.Info().Str("scene_id", ctl.ID()).Int("entities", len(targets.Targets)).Msg("Learned targets restored")
}

// persistLearned stores captured targets so learn scenes survive restarts,
// then announces the capture. The hub invokes it with no locks held.
func (s *SceneService) persistLearned(sceneID string, targets []scene.EntitySpec) {
	if err := s.learned.Set(sceneID, storage.LearnedFromSpecs(targets)); err != nil {
		log.Error().Err(err).Str("scene_id", sceneID).Msg("Failed to persist learned targets")
	}

	ids := make([]string, len(targets))
	for i, tgt := range targets {
		ids[i] = tgt.EntityID
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeSceneLearned,
		Data: map[string]interface{}{"scene_id": sceneID, "entities": ids},
	})
}

// recordCommand appends executed activate/deactivate commands to the ledger.
func (s *SceneService) recordCommand(ev eventbus.Event) {
	sceneID, _ := ev.Data["scene_id"].(string)
	action, _ := ev.Data["action"].(string)
	source, _ := ev.Data["source"].(string)

	var eventType ledger.EventType
	switch action {
	case "activate":
		eventType = ledger.EventSceneActivated
	case "deactivate":
		eventType = ledger.EventSceneDeactivated
	default:
		return
	}

	if err := s.ledger.Append(ledger.NewRunID(), sceneID, eventType, source, nil); err != nil {
		log.Error().Err(err).Str("scene_id", sceneID).Msg("Ledger append failed")
	}
}

func (s *SceneService) recordVerdict(ev eventbus.Event) {
	sceneID, _ := ev.Data["scene_id"].(string)
	on, _ := ev.Data["on"].(bool)

	err := s.ledger.Append(ledger.NewRunID(), sceneID, ledger.EventVerdictChanged, "evaluation", map[string]any{"on": on})
	if err != nil {
		log.Error().Err(err).Str("scene_id", sceneID).Msg("Ledger append failed")
	}
}

func (s *SceneService) recordLearned(ev eventbus.Event) {
	sceneID, _ := ev.Data["scene_id"].(string)
	entities, _ := ev.Data["entities"].([]string)

	err := s.ledger.Append(ledger.NewRunID(), sceneID, ledger.EventTargetsLearned, "capture", map[string]any{"entities": entities})
	if err != nil {
		log.Error().Err(err).Str("scene_id", sceneID).Msg("Ledger append failed")
	}
}
