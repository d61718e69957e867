package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

const (
	defaultCacheCallTimeout = 250 * time.Millisecond
	scanBatch               = 200
)

// RedisCache implements domain.Cache on Redis. Every call is bounded by a
// short timeout and failures are reported as domain.ErrCacheUnavailable.
type RedisCache struct {
	redis   *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisCache wraps client. Keys are namespaced with prefix, which may be empty.
func NewRedisCache(client *redis.Client, prefix string, timeout time.Duration) *RedisCache {
	if client == nil {
		panic("storage.NewRedisCache: redis client is nil")
	}
	if timeout <= 0 {
		timeout = defaultCacheCallTimeout
	}
	return &RedisCache{redis: client, prefix: prefix, timeout: timeout}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrCacheUnavailable, op, err)
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	data, err := c.redis.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return data, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.redis.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.redis.Del(ctx, full...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// DeleteByPrefix walks the keyspace with SCAN MATCH and deletes matches in
// batches. It returns the number of keys removed.
func (c *RedisCache) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("%w: empty prefix", domain.ErrInvalidItem)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	pattern := escapeGlob(c.key(prefix)) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, unavailable("scan", err)
		}
		if len(keys) > 0 {
			n, err := c.redis.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, unavailable("del", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var _ domain.Cache = (*RedisCache)(nil)
