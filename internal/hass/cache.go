package hass

import (
	"sync"

	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// StateCache is a pure in-memory mirror of entity states.
// It does NOT fetch from network - the client primes it from get_states
// and keeps it current from the event stream.
type StateCache struct {
	mu     sync.RWMutex
	states map[string]*scene.Observation
}

// NewStateCache creates an empty state cache.
func NewStateCache() *StateCache {
	return &StateCache{
		states: make(map[string]*scene.Observation),
	}
}

// Get returns the cached observation for an entity, or nil if unknown.
func (c *StateCache) Get(entityID string) *scene.Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[entityID]
}

// Set stores an observation.
func (c *StateCache) Set(entityID string, obs *scene.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[entityID] = obs
}

// Delete removes an entity from the cache. Used when an entity is removed
// from the registry.
func (c *StateCache) Delete(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, entityID)
}

// Replace swaps the full cache contents. Used after a reconnect so entities
// that disappeared while offline do not linger.
func (c *StateCache) Replace(states map[string]*scene.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = states
}

// All returns a snapshot of every cached observation.
func (c *StateCache) All() []*scene.Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*scene.Observation, 0, len(c.states))
	for _, obs := range c.states {
		out = append(out, obs)
	}
	return out
}

// Len returns the number of cached entities.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}
