package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the durable tier behind the semantic cache. Get reports a missing
// key as (nil, false, nil) so that absence is distinguishable from failure.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Iterate calls visit for every entry until visit returns false.
	Iterate(ctx context.Context, visit func(key string, value []byte) bool) error
	Clear(ctx context.Context) error
}

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("cache store closed")

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Iterate(ctx context.Context, visit func(key string, value []byte) bool) error {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !visit(k, v) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.data = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// RedisStore keeps entries under a key prefix so Iterate and Clear never touch
// keys that belong to other tenants of the same database.
type RedisStore struct {
	client *redis.Client
	prefix string
	expiry time.Duration
}

// NewRedisStore creates a Redis-backed store. A non-zero expiry is applied to
// every write so abandoned entries disappear even if Cleanup never runs.
func NewRedisStore(client *redis.Client, prefix string, expiry time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "genmediator:cache:"
	}
	return &RedisStore{client: client, prefix: prefix, expiry: expiry}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.expiry).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Iterate(ctx context.Context, visit func(key string, value []byte) bool) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("redis mget: %w", err)
			}
			for i, raw := range values {
				s, ok := raw.(string)
				if !ok {
					// Deleted between SCAN and MGET.
					continue
				}
				if !visit(keys[i][len(r.prefix):], []byte(s)) {
					return nil
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	if db != 0 {
		opt.DB = db
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
