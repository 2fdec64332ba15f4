package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-cli/internal/model"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "extract:cache"

// RedisBackend stores entries as JSON strings. Entries carry no TTL: they are
// invalidated by version, never by time.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend creates a backend with its own client.
func NewRedisBackend(opts *redis.Options, prefix string) *RedisBackend {
	return NewRedisBackendFromClient(redis.NewClient(opts), prefix)
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key for a cache key. The policy version is stored in
// the value so that a policy bump overwrites in place.
func (b *RedisBackend) Key(k model.CacheKey) string {
	return fmt.Sprintf("%s:%s:%s:v%d", b.prefix, k.Fingerprint, k.FieldName, k.SchemaVersion)
}

func (b *RedisBackend) Get(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error) {
	data, err := b.rdb.Get(ctx, b.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis: get cache entry")
	}

	var e model.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, eris.Wrap(err, "redis: decode cache entry")
	}
	if e.PolicyVersion != key.PolicyVersion {
		return nil, nil
	}
	return &e, nil
}

func (b *RedisBackend) Put(ctx context.Context, entry model.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "redis: encode cache entry")
	}
	return eris.Wrap(b.rdb.Set(ctx, b.Key(entry.Key()), data, 0).Err(), "redis: put cache entry")
}

func (b *RedisBackend) Delete(ctx context.Context, key model.CacheKey) error {
	return eris.Wrap(b.rdb.Del(ctx, b.Key(key)).Err(), "redis: delete cache entry")
}

// Ping verifies connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return eris.Wrap(b.rdb.Ping(ctx).Err(), "redis: ping")
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
