package cache

import (
	"context"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/store"
)

// StoreBackend persists entries in the run database (sqlite or postgres).
type StoreBackend struct {
	st store.Store
}

// NewStoreBackend adapts st to the Backend interface.
func NewStoreBackend(st store.Store) *StoreBackend {
	return &StoreBackend{st: st}
}

func (b *StoreBackend) Get(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error) {
	return b.st.GetCacheEntry(ctx, key)
}

func (b *StoreBackend) Put(ctx context.Context, entry model.CacheEntry) error {
	return b.st.PutCacheEntry(ctx, entry)
}

// PutMany writes entries with the store's batch upsert.
func (b *StoreBackend) PutMany(ctx context.Context, entries []model.CacheEntry) error {
	_, err := b.st.PutCacheEntries(ctx, entries)
	return err
}

func (b *StoreBackend) Delete(ctx context.Context, key model.CacheKey) error {
	return b.st.DeleteCacheEntry(ctx, key)
}
