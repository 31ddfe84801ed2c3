package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "axmq:session:"
	redisIndexKey   = "axmq:sessions"
	redisPingBudget = 5 * time.Second
)

// RedisStore persists sessions as JSON blobs in Redis, with a set at
// redisIndexKey tracking which client ids currently have one. It is the
// backend selected by axmqd's -session-store-redis flag, for deployments
// that want session state to survive a broker restart without a local
// pebble directory.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.RWMutex
	closed bool
}

// RedisStoreConfig configures a RedisStore. Options, if set, takes
// precedence over Addr/Password/DB.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL expires a saved session after this long with no further Save; 0
	// disables expiry (the default for clean_session=false persistence).
	TTL     time.Duration
	Options *redis.Options
}

// NewRedisStore dials Redis and confirms reachability with a PING before
// returning; a connection that cannot be established is reported as a
// StoreUnavailable-class error to the caller rather than surfacing on the
// first Save.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	opts := config.Options
	if opts == nil {
		opts = &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingBudget)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis unreachable: %w", err)
	}

	return &RedisStore{client: client, ttl: config.TTL}, nil
}

func redisKey(clientID string) string {
	return redisKeyPrefix + clientID
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save serializes session and writes it alongside an index-set membership
// entry, both in a single pipeline.
func (r *RedisStore) Save(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	value, err := json.Marshal(sessionToData(session))
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, redisKey(session.GetClientID()), value, r.ttl)
	pipe.SAdd(ctx, redisIndexKey, session.GetClientID())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Load fetches and deserializes the session saved under clientID.
func (r *RedisStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := r.client.Get(ctx, redisKey(clientID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session: load: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}
	return dataToSession(&data), nil
}

// Delete removes clientID's key and its index-set membership together.
func (r *RedisStore) Delete(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, redisKey(clientID))
	pipe.SRem(ctx, redisIndexKey, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Exists reports whether clientID's key is currently present in Redis.
func (r *RedisStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := r.checkOpen(); err != nil {
		return false, err
	}

	n, err := r.client.Exists(ctx, redisKey(clientID)).Result()
	if err != nil {
		return false, fmt.Errorf("session: exists: %w", err)
	}
	return n > 0, nil
}

// List returns the index set's current members.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return ids, nil
}

// Close closes the underlying Redis client. Further calls on r return
// ErrStoreClosed.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStoreClosed
	}
	r.closed = true
	return r.client.Close()
}

// Count returns the index set's cardinality.
func (r *RedisStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	n, err := r.client.SCard(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	return n, nil
}

// CountByState loads every indexed session and tallies those matching
// state. Unlike Count, this is O(n) round trips; it exists for parity with
// MemoryStore/PebbleStore, not for a hot path.
func (r *RedisStore) CountByState(ctx context.Context, state State) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, id := range ids {
		s, err := r.Load(ctx, id)
		if err != nil {
			continue
		}
		if s.GetState() == state {
			count++
		}
	}
	return count, nil
}
