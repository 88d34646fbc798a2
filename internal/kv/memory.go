package kv

import (
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// MemoryBucket is a process-local bucket. Expired entries are dropped on
// access, mirroring the persistent bucket's lazy expiry.
type MemoryBucket struct {
	mu      sync.Mutex
	name    string
	entries map[string]memoryEntry
}

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		entries: make(map[string]memoryEntry),
	}
}

// Name returns the bucket name.
func (b *MemoryBucket) Name() string { return b.name }

// IsPersistent returns false.
func (b *MemoryBucket) IsPersistent() bool { return false }

// Store saves a value with the given key.
func (b *MemoryBucket) Store(key string, value any, opts *StoreOptions) error {
	entry := memoryEntry{value: value}
	if opts != nil && opts.TTL > 0 {
		entry.expiresAt = time.Now().Add(opts.TTL)
	}

	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
	return nil
}

// Get retrieves a value by key, nil when absent or expired.
func (b *MemoryBucket) Get(key string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	if entry.expired() {
		delete(b.entries, key)
		return nil, nil
	}
	return entry.value, nil
}

// Exists returns true if the key exists and has not expired.
func (b *MemoryBucket) Exists(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	if entry.expired() {
		delete(b.entries, key)
		return false, nil
	}
	return true, nil
}

// Delete removes a key from the bucket.
func (b *MemoryBucket) Delete(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

// Keys returns all non-expired keys in the bucket.
func (b *MemoryBucket) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.entries))
	for key, entry := range b.entries {
		if entry.expired() {
			delete(b.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Clear removes all keys from the bucket.
func (b *MemoryBucket) Clear() error {
	b.mu.Lock()
	b.entries = make(map[string]memoryEntry)
	b.mu.Unlock()
	return nil
}
