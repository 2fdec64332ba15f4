// Package cache memoizes accepted field values per document fingerprint so
// repeated documents skip backend calls.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/model"
)

// Backend stores cache entries. Implementations must make Put and Delete
// atomic per key. Get returns (nil, nil) on a miss.
type Backend interface {
	Get(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error)
	Put(ctx context.Context, entry model.CacheEntry) error
	Delete(ctx context.Context, key model.CacheKey) error
}

// BatchBackend is a Backend that writes many entries in one round trip.
type BatchBackend interface {
	Backend
	PutMany(ctx context.Context, entries []model.CacheEntry) error
}

const lockStripes = 64

// Manager is the cache authority shared by every cascade. Entries are scoped
// to one schema and policy version; a version bump turns every older entry
// into a miss.
type Manager struct {
	backend       Backend
	schemaVersion int
	policyVersion int

	locks [lockStripes]sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// NewManager creates a Manager over backend for the given schema versions.
func NewManager(backend Backend, schemaVersion, policyVersion int) *Manager {
	return &Manager{backend: backend, schemaVersion: schemaVersion, policyVersion: policyVersion}
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Writes int64 `json:"writes"`
}

func (m *Manager) key(fp model.Fingerprint, field string) model.CacheKey {
	return model.CacheKey{
		Fingerprint:   fp,
		FieldName:     field,
		SchemaVersion: m.schemaVersion,
		PolicyVersion: m.policyVersion,
	}
}

func stripe(k model.CacheKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Fingerprint))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.FieldName))
	return int(h.Sum32() % lockStripes)
}

func (m *Manager) lock(k model.CacheKey) *sync.Mutex {
	return &m.locks[stripe(k)]
}

// lockAll takes every stripe covering entries in ascending order and
// returns the matching unlock.
func (m *Manager) lockAll(entries []model.CacheEntry) func() {
	var held [lockStripes]bool
	for _, e := range entries {
		held[stripe(e.Key())] = true
	}
	for i := range held {
		if held[i] {
			m.locks[i].Lock()
		}
	}
	return func() {
		for i := lockStripes - 1; i >= 0; i-- {
			if held[i] {
				m.locks[i].Unlock()
			}
		}
	}
}

func (m *Manager) entry(fp model.Fingerprint, v model.FieldValue) model.CacheEntry {
	return model.CacheEntry{
		Fingerprint:   fp,
		FieldName:     v.FieldName,
		SchemaVersion: m.schemaVersion,
		PolicyVersion: m.policyVersion,
		Value:         v,
		TierUsed:      v.TierUsed,
		WrittenAt:     time.Now().UTC(),
	}
}

// Lookup returns the cached value for (fp, field). A hit equals the value
// that was stored; provenance is counted in Stats, not on the value. Backend
// errors are logged and reported as a miss so a degraded cache never fails
// extraction.
func (m *Manager) Lookup(ctx context.Context, fp model.Fingerprint, field string) (model.FieldValue, bool) {
	k := m.key(fp, field)
	mu := m.lock(k)
	mu.Lock()
	entry, err := m.backend.Get(ctx, k)
	mu.Unlock()

	if err != nil {
		zap.L().Warn("cache: lookup failed",
			zap.String("fingerprint", fp.Short()),
			zap.String("field", field),
			zap.Error(err),
		)
		m.misses.Add(1)
		return model.FieldValue{}, false
	}
	if entry == nil || entry.SchemaVersion != m.schemaVersion || entry.PolicyVersion != m.policyVersion {
		m.misses.Add(1)
		return model.FieldValue{}, false
	}

	m.hits.Add(1)
	v := entry.Value
	v.FieldName = field
	v.TierUsed = entry.TierUsed
	v.Locked = entry.TierUsed == model.TierDeterministic
	v.NeedsReview = false
	return v, true
}

// Store writes an accepted value. Writing the same value twice leaves one
// entry.
func (m *Manager) Store(ctx context.Context, fp model.Fingerprint, v model.FieldValue) error {
	if v.FieldName == "" {
		return eris.New("cache: value has no field name")
	}
	entry := m.entry(fp, v)

	mu := m.lock(entry.Key())
	mu.Lock()
	defer mu.Unlock()
	if err := m.backend.Put(ctx, entry); err != nil {
		return eris.Wrapf(err, "cache: store %s", v.FieldName)
	}
	m.writes.Add(1)
	return nil
}

// StoreAll writes the accepted values of one document. A BatchBackend gets
// them in one PutMany; other backends get one Put per value.
func (m *Manager) StoreAll(ctx context.Context, fp model.Fingerprint, values []model.FieldValue) error {
	if len(values) == 0 {
		return nil
	}
	bb, ok := m.backend.(BatchBackend)
	if !ok {
		for _, v := range values {
			if err := m.Store(ctx, fp, v); err != nil {
				return err
			}
		}
		return nil
	}

	entries := make([]model.CacheEntry, 0, len(values))
	for _, v := range values {
		if v.FieldName == "" {
			return eris.New("cache: value has no field name")
		}
		entries = append(entries, m.entry(fp, v))
	}

	unlock := m.lockAll(entries)
	defer unlock()
	if err := bb.PutMany(ctx, entries); err != nil {
		return eris.Wrapf(err, "cache: store %d values", len(entries))
	}
	m.writes.Add(int64(len(entries)))
	return nil
}

// Invalidate drops the cached value for (fp, field).
func (m *Manager) Invalidate(ctx context.Context, fp model.Fingerprint, field string) error {
	k := m.key(fp, field)
	mu := m.lock(k)
	mu.Lock()
	defer mu.Unlock()
	return eris.Wrapf(m.backend.Delete(ctx, k), "cache: invalidate %s", field)
}

// Stats returns the hit, miss and write counters.
func (m *Manager) Stats() Stats {
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), Writes: m.writes.Load()}
}
