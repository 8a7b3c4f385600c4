package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the durable tier behind the reactive store. Values are JSON
// documents stored as strings. A miss is reported as redis.Nil.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) (map[string]string, error)
}

// IsMiss reports whether err means the key does not exist.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// RedisCache wraps go-redis. Keys are namespaced with prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", err
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisCache) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	out := map[string]string{}
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for i, k := range keys {
				s, ok := values[i].(string)
				if !ok {
					continue
				}
				out[strings.TrimPrefix(k, r.prefix)] = s
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// MemoryCache is a simple in-memory TTL cache. A ttl <= 0 never expires.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item := memItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	out := map[string]string{}
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) {
			out[k] = v.value
		}
	}
	return out, nil
}

func (m *MemoryCache) cleanupLocked() {
	now := time.Now()
	for k, v := range m.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client, prefix string) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client, prefix)
		}
	}
	return NewMemoryCache()
}
