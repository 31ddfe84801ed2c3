package store

import (
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

// PebbleStore is a Store[T] backed by a CockroachDB Pebble LSM tree on
// local disk, values encoded with CBOR. Every consumer of Store[T] shares
// one Pebble directory's key space by giving each a distinct Prefix
// (PersistentRetainedStore uses "retained:").
type PebbleStore[T any] struct {
	db     *pebble.DB
	prefix []byte

	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures a PebbleStore. Prefix defaults to "data:"
// when empty.
type PebbleStoreConfig struct {
	Path   string
	Prefix string
	Opts   *pebble.Options
}

const defaultPebblePrefix = "data:"

// NewPebbleStore opens (creating if absent) the Pebble directory at
// config.Path.
func NewPebbleStore[T any](config PebbleStoreConfig) (*PebbleStore[T], error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{ErrorIfExists: false}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = defaultPebblePrefix
	}

	return &PebbleStore[T]{db: db, prefix: []byte(prefix)}, nil
}

func (p *PebbleStore[T]) prefixedKey(key string) []byte {
	buf := make([]byte, len(p.prefix)+len(key))
	copy(buf, p.prefix)
	copy(buf[len(p.prefix):], key)
	return buf
}

func (p *PebbleStore[T]) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save CBOR-encodes value and writes it under key, fsynced.
func (p *PebbleStore[T]) Save(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkOpen(); err != nil {
		return err
	}

	data, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return p.db.Set(p.prefixedKey(key), data, pebble.Sync)
}

// Load decodes the value stored under key, or returns ErrNotFound.
func (p *PebbleStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := p.checkOpen(); err != nil {
		return zero, err
	}

	data, closer, err := p.db.Get(p.prefixedKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	defer closer.Close()

	var value T
	if err := cbor.Unmarshal(data, &value); err != nil {
		return zero, err
	}
	return value, nil
}

// Delete removes key from the database.
func (p *PebbleStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.db.Delete(p.prefixedKey(key), pebble.Sync)
}

// Exists reports whether key has a stored value.
func (p *PebbleStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := p.checkOpen(); err != nil {
		return false, err
	}

	_, closer, err := p.db.Get(p.prefixedKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (p *PebbleStore[T]) prefixIter() (*pebble.Iterator, error) {
	return p.db.NewIter(&pebble.IterOptions{
		LowerBound: p.prefix,
		UpperBound: append(append([]byte(nil), p.prefix...), 0xff),
	})
}

// List returns every key currently stored under this store's prefix.
func (p *PebbleStore[T]) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	iter, err := p.prefixIter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(p.prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying Pebble database.
func (p *PebbleStore[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStoreClosed
	}
	p.closed = true
	return p.db.Close()
}

// Count returns how many keys are stored under this store's prefix.
func (p *PebbleStore[T]) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := p.checkOpen(); err != nil {
		return 0, err
	}

	iter, err := p.prefixIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return count, nil
}
