package cache

import (
	"context"
	"sync"

	"github.com/sells-group/extract-cli/internal/model"
)

type memKey struct {
	fp            model.Fingerprint
	field         string
	schemaVersion int
}

// MemoryBackend keeps entries in process memory. Used for single runs and
// tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[memKey]model.CacheEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[memKey]model.CacheEntry)}
}

func toMemKey(k model.CacheKey) memKey {
	return memKey{fp: k.Fingerprint, field: k.FieldName, schemaVersion: k.SchemaVersion}
}

func (b *MemoryBackend) Get(_ context.Context, key model.CacheKey) (*model.CacheEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[toMemKey(key)]
	if !ok || e.PolicyVersion != key.PolicyVersion {
		return nil, nil
	}
	return &e, nil
}

func (b *MemoryBackend) Put(_ context.Context, entry model.CacheEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[toMemKey(entry.Key())] = entry
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key model.CacheKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, toMemKey(key))
	return nil
}

// Len returns the number of stored entries.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
