package store

import "errors"

// Sentinel errors shared by every Store[T] backend in this package
// (MemoryStore, PebbleStore, RedisStore) and by the topic.RetainedStore
// adapter built on top of them.
var (
	ErrNotFound      = errors.New("store: key not found")
	ErrAlreadyExists = errors.New("store: key already exists")
	ErrStoreClosed   = errors.New("store: closed")
)
