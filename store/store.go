// Package store provides the generic, pluggable key-value persistence the
// broker's durable collaborators are built from: retained messages
// (RetainedRecord, wired by PersistentRetainedStore) today, with the same
// three backends available to anything else needing a durable map keyed by
// string.
package store

import "context"

// Reader is the read-only half of Store[T], split out so a caller that only
// needs lookups (e.g. a metrics endpoint) doesn't have to depend on Save.
type Reader[T any] interface {
	Load(ctx context.Context, key string) (T, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Metrics exposes a size count independent of the rest of Store[T].
type Metrics interface {
	Count(ctx context.Context) (int64, error)
}

// Store is the durable key/value contract every backend (MemoryStore,
// PebbleStore, RedisStore) in this package satisfies for some value type T.
// A broker component that needs persistence depends on this interface, not
// on a specific backend, so swapping storage engines never touches caller
// code.
type Store[T any] interface {
	Reader[T]
	Metrics

	Save(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
	Close() error
}
