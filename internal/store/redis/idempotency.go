package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const defaultLocalCacheSize = 4096

// KeyValue is the subset of redis.Cmdable the idempotency store needs.
type KeyValue interface {
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// IdempotencyStore records processed idempotency keys in Redis with a TTL.
// A process-local LRU remembers keys this process has seen processed so hot
// duplicates skip the round trip. Each local entry carries the Redis key's
// expiry, so it never outlives the Redis TTL.
type IdempotencyStore struct {
	kv     KeyValue
	prefix string
	ttl    time.Duration
	local  *expirable.LRU[string, time.Time]
	now    func() time.Time
}

// NewIdempotencyStore creates a store writing keys as <prefix>:<key>.
// cacheSize <= 0 selects a default size.
func NewIdempotencyStore(kv KeyValue, prefix string, ttl time.Duration, cacheSize int) *IdempotencyStore {
	if cacheSize <= 0 {
		cacheSize = defaultLocalCacheSize
	}
	return &IdempotencyStore{
		kv:     kv,
		prefix: prefix,
		ttl:    ttl,
		local:  expirable.NewLRU[string, time.Time](cacheSize, nil, ttl),
		now:    time.Now,
	}
}

// IsProcessed reports whether key was marked within the TTL.
func (s *IdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	if expiresAt, ok := s.local.Get(key); ok {
		if s.now().Before(expiresAt) {
			return true, nil
		}
		s.local.Remove(key)
	}

	// PTTL is -2 for a missing key and -1 for a key without expiry.
	remaining, err := s.kv.PTTL(ctx, IdempotencyKey(s.prefix, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis.IdempotencyStore.IsProcessed: %w", err)
	}
	switch {
	case remaining == -2:
		return false, nil
	case remaining < 0:
		remaining = s.ttl
	}
	if remaining > 0 {
		s.local.Add(key, s.now().Add(min(remaining, s.ttl)))
	}
	return true, nil
}

// MarkProcessed records key with the configured TTL.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string) error {
	if err := s.kv.Set(ctx, IdempotencyKey(s.prefix, key), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis.IdempotencyStore.MarkProcessed: %w", err)
	}
	s.local.Add(key, s.now().Add(s.ttl))
	return nil
}
