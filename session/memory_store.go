package session

import (
	"context"
	"sync"
)

// MemoryStore keeps every Session in a plain map and never persists
// anything to disk; a process restart loses all clean_session=false state.
// It is the default backend when axmqd is run without a -session-store
// flag, and is what every router_test.go Router is built against.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Save records session under its client id, replacing any prior entry.
func (m *MemoryStore) Save(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.sessions[session.GetClientID()] = session
	return nil
}

// Load returns the session saved under clientID, or ErrSessionNotFound.
func (m *MemoryStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	session, ok := m.sessions[clientID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Delete removes clientID's session, if any; deleting an absent session is
// not an error.
func (m *MemoryStore) Delete(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	delete(m.sessions, clientID)
	return nil
}

// Exists reports whether clientID currently has a saved session.
func (m *MemoryStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrStoreClosed
	}

	_, ok := m.sessions[clientID]
	return ok, nil
}

// List returns every currently-saved client id, in no particular order.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(m.sessions))
	for clientID := range m.sessions {
		ids = append(ids, clientID)
	}
	return ids, nil
}

// Close discards the map and marks the store unusable. Further calls
// return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.closed = true
	m.sessions = nil
	return nil
}

// Count returns how many sessions are currently saved.
func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	return int64(len(m.sessions)), nil
}

// CountByState returns how many saved sessions report the given State.
func (m *MemoryStore) CountByState(ctx context.Context, state State) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	for _, s := range m.sessions {
		if s.GetState() == state {
			count++
		}
	}
	return count, nil
}
