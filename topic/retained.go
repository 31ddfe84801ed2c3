package topic

import (
	"context"
	"sync"
	"time"
)

// RetainedStore is the external collaborator that persists retained
// messages across restarts. The Trie's in-memory retained slot is the
// source of truth for matching; RetainedStore keeps it durable.
type RetainedStore interface {
	Store(ctx context.Context, topic string, payload []byte, qos byte) error
	Delete(ctx context.Context, topic string) error
	FindExact(ctx context.Context, topic string) (*RetainedMessage, error)
	FindMatching(ctx context.Context, filter string) ([]RetainedMessage, error)
}

// Index is the subscription index and retained-message cache used by the
// Router: a Trie plus a secondary per-client view needed to drop every
// subscription a disconnecting client held without re-walking the trie by
// filter.
type Index struct {
	trie  *Trie
	store RetainedStore

	mu   sync.RWMutex
	subs map[string]map[string]byte // clientID -> filter -> qos
}

// NewIndex creates an Index. store may be nil, in which case retained
// messages live only in the trie's in-memory cache.
func NewIndex(store RetainedStore) *Index {
	return &Index{
		trie:  NewTrie(),
		store: store,
		subs:  make(map[string]map[string]byte),
	}
}

// Subscribe validates and installs (clientID, filter, qos) in both the trie
// and the per-client bookkeeping map.
func (ix *Index) Subscribe(clientID, filter string, qos byte) error {
	if err := ix.trie.Subscribe(clientID, filter, qos); err != nil {
		return err
	}

	ix.mu.Lock()
	if ix.subs[clientID] == nil {
		ix.subs[clientID] = make(map[string]byte)
	}
	ix.subs[clientID][filter] = qos
	ix.mu.Unlock()

	return nil
}

// Unsubscribe removes (clientID, filter).
func (ix *Index) Unsubscribe(clientID, filter string) bool {
	found := ix.trie.Unsubscribe(clientID, filter)

	ix.mu.Lock()
	if clientSubs, ok := ix.subs[clientID]; ok {
		delete(clientSubs, filter)
		if len(clientSubs) == 0 {
			delete(ix.subs, clientID)
		}
	}
	ix.mu.Unlock()

	return found
}

// UnsubscribeAll removes every subscription a client holds, used on
// clean-session disconnect.
func (ix *Index) UnsubscribeAll(clientID string) int {
	ix.mu.Lock()
	clientSubs, ok := ix.subs[clientID]
	if !ok {
		ix.mu.Unlock()
		return 0
	}
	filters := make([]string, 0, len(clientSubs))
	for filter := range clientSubs {
		filters = append(filters, filter)
	}
	delete(ix.subs, clientID)
	ix.mu.Unlock()

	count := 0
	for _, filter := range filters {
		if ix.trie.Unsubscribe(clientID, filter) {
			count++
		}
	}
	return count
}

// ClientSubscriptions returns a copy of the filters a client currently
// holds in the index, with their granted qos.
func (ix *Index) ClientSubscriptions(clientID string) map[string]byte {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[string]byte, len(ix.subs[clientID]))
	for filter, qos := range ix.subs[clientID] {
		out[filter] = qos
	}
	return out
}

// Match returns the deduplicated matching subscriptions for topic.
func (ix *Index) Match(topic string) []Subscription {
	return ix.trie.Match(topic)
}

// SetRetained stores or clears the retained message for topic, writing
// through to the backing RetainedStore when configured.
func (ix *Index) SetRetained(ctx context.Context, topic string, payload []byte, qos byte) error {
	if err := ix.trie.SetRetained(topic, payload, qos, time.Now()); err != nil {
		return err
	}

	if ix.store == nil {
		return nil
	}
	if len(payload) == 0 {
		return ix.store.Delete(ctx, topic)
	}
	return ix.store.Store(ctx, topic, payload, qos)
}

// RetainedMatching replays retained messages reachable under filter, as
// used when a client subscribes.
func (ix *Index) RetainedMatching(filter string) []RetainedMessage {
	return ix.trie.RetainedMatching(filter)
}

// Count returns the total number of subscriptions held across all clients.
func (ix *Index) Count() int {
	return ix.trie.Count()
}

// CountClients returns the number of distinct clients with subscriptions.
func (ix *Index) CountClients() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.subs)
}
