package scene

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Activation is a controller's lifecycle state. Unknown means no activation
// has been attempted or proven yet.
type Activation int

const (
	ActivationUnknown Activation = iota
	ActivationOn
	ActivationOff
)

// String returns a human-readable name for the activation state.
func (a Activation) String() string {
	switch a {
	case ActivationOn:
		return "on"
	case ActivationOff:
		return "off"
	case ActivationUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ControllerConfig carries the per-scene tunables a controller starts with.
type ControllerConfig struct {
	TransitionTime      float64
	DebounceTime        time.Duration
	RestoreOnDeactivate bool
	IgnoreUnavailable   bool
	NumberTolerance     float64
	Allowlist           Allowlist

	// OnChange is invoked whenever the activation state flips, with the
	// scene's unique id and the new on state. It runs with the controller
	// lock held and must not call back into the controller.
	OnChange func(sceneID string, on bool)
}

// Controller drives one scene: activation, deactivation with restore, and
// debounced re-evaluation as tracked entities change. All access is
// serialized through its mutex, so one logical observation stream per scene
// is processed in arrival order while distinct scenes run independently.
type Controller struct {
	mu      sync.Mutex
	spec    *Spec
	matcher *Matcher
	agg     *Aggregator

	source  StateSource
	invoker Invoker

	activation Activation
	transition float64
	debounce   time.Duration
	learned    bool
	onChange   func(sceneID string, on bool)

	timer *time.Timer
}

// NewController builds a controller for one scene definition. A per-scene
// tolerance in the definition overrides the configured default.
func NewController(spec *Spec, source StateSource, invoker Invoker, cfg ControllerConfig) *Controller {
	allowlist := cfg.Allowlist
	if allowlist == nil {
		allowlist = DefaultAllowlist()
	}
	tolerance := cfg.NumberTolerance
	if spec.NumberTolerance != nil {
		tolerance = *spec.NumberTolerance
	}
	matcher := &Matcher{
		Allowlist:         allowlist,
		Tolerance:         tolerance,
		IgnoreUnavailable: cfg.IgnoreUnavailable,
	}
	return &Controller{
		spec:       spec,
		matcher:    matcher,
		agg:        NewAggregator(spec, matcher, cfg.RestoreOnDeactivate),
		source:     source,
		invoker:    invoker,
		transition: cfg.TransitionTime,
		debounce:   cfg.DebounceTime,
		learned:    !spec.Learn,
		onChange:   cfg.OnChange,
	}
}

// ID returns the scene's unique id.
func (c *Controller) ID() string { return c.spec.UniqueID() }

// Spec returns the scene definition. Callers must treat it as read-only.
func (c *Controller) Spec() *Spec { return c.spec }

// IsOn reports whether the scene is currently considered active.
func (c *Controller) IsOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activation == ActivationOn
}

// Activation returns the current lifecycle state.
func (c *Controller) Activation() Activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activation
}

// Activate applies the scene's target state through its platform scene
// entity and marks the scene on. Fails when no scene entity could be
// resolved for the definition.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spec.EntityID == "" {
		return fmt.Errorf("%w: %s", ErrNoResolvableEntity, c.spec.Name)
	}
	if err := c.invoker.ApplyTarget(ctx, c.spec.EntityID, c.transition); err != nil {
		return fmt.Errorf("apply scene %s: %w", c.spec.EntityID, err)
	}
	c.setActivationLocked(ActivationOn)
	return nil
}

// Deactivate turns the scene off: either restoring each entity's captured
// pre-activation state or issuing a plain turn-off over the declared entity
// set, per the restore policy. Already-off and never-activated scenes are
// left alone.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activation != ActivationOn {
		return nil
	}
	var err error
	if c.agg.RestoreOnDeactivate() {
		err = c.invoker.ApplyRestore(ctx, c.agg.RestorePayload(), c.transition)
	} else {
		err = c.invoker.TurnOff(ctx, c.spec.EntityIDs())
	}
	if err != nil {
		return fmt.Errorf("deactivate scene %s: %w", c.spec.UniqueID(), err)
	}
	c.setActivationLocked(ActivationOff)
	return nil
}

// CheckAllStates re-evaluates every declared entity against its target and
// moves the activation state to match the verdict. Learn scenes that have
// not captured targets yet keep their current state; comparison never
// drives them.
func (c *Controller) CheckAllStates(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputeLocked(ctx)
}

func (c *Controller) recomputeLocked(ctx context.Context) bool {
	if c.spec.Learn && !c.learned {
		return c.activation == ActivationOn
	}
	on := c.agg.RecomputeAll(ctx, c.source.FetchObservation)
	if on {
		c.setActivationLocked(ActivationOn)
	} else {
		c.setActivationLocked(ActivationOff)
	}
	return on
}

// HandleChange processes one tracked entity's change event. The pre-change
// observation becomes the entity's restore snapshot unconditionally; if the
// change is interesting the debounce timer is reset and a full re-evaluation
// runs once events go quiet.
func (c *Controller) HandleChange(ctx context.Context, entityID string, old, new *Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.spec.Entity(entityID)
	if !ok {
		return
	}
	c.agg.Observe(entityID, c.matcher.Check(target, new), old)

	if !c.matcher.IsInteresting(old, new) {
		return
	}
	if c.spec.Learn && !c.learned {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.CheckAllStates(ctx)
	})
}

// CompleteLearn installs targets captured from live state and enables
// comparison for a learn scene.
func (c *Controller) CompleteLearn(entities []EntitySpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spec.SetEntities(entities)
	c.learned = true
}

// Learned reports whether the scene has usable targets: always true for
// declared scenes, true for learn scenes once captured.
func (c *Controller) Learned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.learned
}

// Close stops any pending debounce timer.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// TransitionTime returns the transition passed to platform calls, seconds.
func (c *Controller) TransitionTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition
}

// SetTransitionTime sets the transition passed to platform calls, seconds.
func (c *Controller) SetTransitionTime(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition = seconds
}

// DebounceTime returns the quiet period before re-evaluation.
func (c *Controller) DebounceTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debounce
}

// SetDebounceTime sets the quiet period before re-evaluation.
func (c *Controller) SetDebounceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.debounce = d
}

// NumberTolerance returns the numeric comparison tolerance.
func (c *Controller) NumberTolerance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matcher.Tolerance
}

// SetNumberTolerance sets the numeric comparison tolerance.
func (c *Controller) SetNumberTolerance(tolerance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tolerance < 0 {
		tolerance = 0
	}
	c.matcher.Tolerance = tolerance
}

// IgnoreUnavailable reports whether unavailable entities are excluded from
// the verdict.
func (c *Controller) IgnoreUnavailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matcher.IgnoreUnavailable
}

// SetIgnoreUnavailable switches unavailable-entity handling.
func (c *Controller) SetIgnoreUnavailable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matcher.IgnoreUnavailable = v
}

// RestoreOnDeactivate reports the restore policy.
func (c *Controller) RestoreOnDeactivate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agg.RestoreOnDeactivate()
}

// SetRestoreOnDeactivate switches the restore policy. Enabling it triggers
// an immediate re-evaluation: the short-circuit scan may have left cached
// results stale, and restore needs a full pass.
func (c *Controller) SetRestoreOnDeactivate(ctx context.Context, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enable := !c.agg.RestoreOnDeactivate() && v
	c.agg.SetRestoreOnDeactivate(v)
	if enable {
		c.recomputeLocked(ctx)
	}
}

func (c *Controller) setActivationLocked(a Activation) {
	if c.activation == a {
		return
	}
	c.activation = a
	log.Debug().
		Str("scene", c.spec.UniqueID()).
		Str("name", c.spec.Name).
		Stringer("activation", a).
		Msg("scene activation changed")
	if c.onChange != nil {
		c.onChange(c.spec.UniqueID(), a == ActivationOn)
	}
}
