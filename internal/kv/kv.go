// Package kv provides named key-value buckets for hook scripts: persistent
// buckets live in SQLite and survive restarts, memory buckets reset with the
// process. Values round-trip through JSON; entries may carry a TTL.
package kv

import (
	"database/sql"
	"sync"
	"time"
)

// StoreOptions carries per-entry write options.
type StoreOptions struct {
	// TTL expires the entry after the given duration. Zero means no expiry.
	TTL time.Duration
}

// Bucket is a named key-value namespace.
type Bucket interface {
	Name() string
	IsPersistent() bool

	Store(key string, value any, opts *StoreOptions) error
	Get(key string) (any, error)
	Exists(key string) (bool, error)
	Delete(key string) (bool, error)
	Keys() ([]string, error)
	Clear() error
}

// Manager hands out buckets by name, caching instances so repeated lookups
// share state. A name is either persistent or in-memory, whichever was
// requested first.
type Manager struct {
	mu      sync.Mutex
	db      *sql.DB
	buckets map[string]Bucket
}

// NewManager creates a manager backed by the given database for persistent
// buckets.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:      db,
		buckets: make(map[string]Bucket),
	}
}

// Bucket returns the named bucket, creating it on first use.
func (m *Manager) Bucket(name string, persistent bool) Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[name]; ok {
		return b
	}

	var b Bucket
	if persistent && m.db != nil {
		b = NewSQLiteBucket(m.db, name)
	} else {
		b = NewMemoryBucket(name)
	}
	m.buckets[name] = b
	return b
}

// CleanupExpired removes expired persistent entries. Memory buckets expire
// lazily on access.
func (m *Manager) CleanupExpired() (int64, error) {
	if m.db == nil {
		return 0, nil
	}
	return CleanupExpired(m.db)
}
