package session

import (
	"context"
)

// Store persists Sessions for clients that connected with
// clean_session=false, so their subscriptions, offline queue, and QoS
// in-flight state survive both a disconnect and a broker restart. The
// Router is the only caller: it Saves on disconnect and on offline
// enqueue, Loads/Lists during Restore, and Deletes when a clean-session
// CONNECT or disconnect discards prior state.
type Store interface {
	// Save stores or replaces the session under its client id.
	Save(ctx context.Context, session *Session) error

	// Load retrieves a session by client id, or ErrSessionNotFound.
	Load(ctx context.Context, clientID string) (*Session, error)

	// Delete removes a session; deleting an absent one is not an error.
	Delete(ctx context.Context, clientID string) error

	// Exists reports whether a session is persisted for clientID.
	Exists(ctx context.Context, clientID string) (bool, error)

	// List returns the client ids of every persisted session.
	List(ctx context.Context) ([]string, error)

	// Close releases the backend; further calls return ErrStoreClosed.
	Close() error
}

// StoreMetrics is the optional counting surface a backend may expose
// alongside Store; all three backends in this package implement it.
type StoreMetrics interface {
	// Count returns the total number of persisted sessions.
	Count(ctx context.Context) (int64, error)

	// CountByState returns how many persisted sessions are in state.
	CountByState(ctx context.Context, state State) (int64, error)
}
