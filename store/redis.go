package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// RedisStore is a Store[T] backed by Redis: values are JSON-encoded under
// prefix+key, with a parallel set at the index key tracking live members so
// List/Count don't need a KEYS scan.
type RedisStore[T any] struct {
	client *redis.Client
	prefix string
	index  string
	ttl    time.Duration

	mu     sync.RWMutex
	closed bool
}

// RedisStoreConfig configures a RedisStore. Options, if set, takes
// precedence over Addr/Password/DB. Prefix defaults to "data:" when empty.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Options  *redis.Options
}

// NewRedisStore dials Redis and verifies reachability with PING before
// returning.
func NewRedisStore[T any](config RedisStoreConfig) (*RedisStore[T], error) {
	opts := config.Options
	if opts == nil {
		opts = &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis unreachable: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "data:"
	}

	return &RedisStore[T]{
		client: client,
		prefix: prefix,
		index:  prefix + "index",
		ttl:    config.TTL,
	}, nil
}

func (r *RedisStore[T]) prefixedKey(key string) string {
	return r.prefix + key
}

func (r *RedisStore[T]) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save JSON-encodes value and writes it along with an index-set membership
// entry, both in one pipeline.
func (r *RedisStore[T]) Save(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.prefixedKey(key), data, r.ttl)
	pipe.SAdd(ctx, r.index, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	return nil
}

// Load decodes the value stored under key, or returns ErrNotFound.
func (r *RedisStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := r.checkOpen(); err != nil {
		return zero, err
	}

	raw, err := r.client.Get(ctx, r.prefixedKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("store: load: %w", err)
	}

	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, fmt.Errorf("store: unmarshal: %w", err)
	}
	return value, nil
}

// Delete removes key and its index-set membership together.
func (r *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.prefixedKey(key))
	pipe.SRem(ctx, r.index, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// Exists reports whether key is currently present in Redis.
func (r *RedisStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := r.checkOpen(); err != nil {
		return false, err
	}

	n, err := r.client.Exists(ctx, r.prefixedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists: %w", err)
	}
	return n > 0, nil
}

// List returns the index set's current members.
func (r *RedisStore[T]) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	keys, err := r.client.SMembers(ctx, r.index).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return keys, nil
}

// Close closes the underlying Redis client.
func (r *RedisStore[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStoreClosed
	}
	r.closed = true
	return r.client.Close()
}

// Count returns the index set's cardinality.
func (r *RedisStore[T]) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	n, err := r.client.SCard(ctx, r.index).Result()
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}
