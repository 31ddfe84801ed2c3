// Package session implements the per-client Session: subscriptions,
// offline message queue, and QoS in-flight state that survive a
// disconnect when clean_session is false.
package session

import (
	"sync"
	"time"

	"github.com/axmq/ax/codec"
	"github.com/axmq/ax/qos"
)

// State reports whether a session currently has a live Connection
// attached.
type State byte

const (
	StateDisconnected State = iota
	StateActive
)

// Session holds everything the Router needs to resume a client across a
// reconnect: its granted subscriptions, anything queued for it while it
// was offline, and the QoS 1/2 handshake state.
type Session struct {
	mu sync.RWMutex

	ClientID     string
	CleanSession bool
	state        State
	CreatedAt    time.Time

	subs         map[string]byte // topic filter -> granted qos
	offlineQueue []*codec.PublishPacket

	QoS *qos.Tracker
}

// New creates a Session for clientID. cleanSession controls whether the
// Router discards subs/offlineQueue/QoS state on disconnect.
func New(clientID string, cleanSession bool) *Session {
	return &Session{
		ClientID:     clientID,
		CleanSession: cleanSession,
		state:        StateActive,
		CreatedAt:    time.Now(),
		subs:         make(map[string]byte),
		QoS:          qos.NewTracker(),
	}
}

// SetActive marks the session as having a live Connection attached.
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
}

// SetDisconnected marks the session as having no live Connection.
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
}

// GetState returns whether a Connection is currently attached.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// GetClientID returns the owning client id.
func (s *Session) GetClientID() string {
	return s.ClientID
}

// AddSubscription records that filter is granted at qos.
func (s *Session) AddSubscription(filter string, qosGranted byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[filter] = qosGranted
}

// RemoveSubscription drops filter.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, filter)
}

// Subscriptions returns a snapshot of filter -> granted qos.
func (s *Session) Subscriptions() map[string]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]byte, len(s.subs))
	for k, v := range s.subs {
		out[k] = v
	}
	return out
}

// ClearSubscriptions empties the subscription set, leaving the offline
// queue and QoS state as they are (Clear drops all three).
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]byte)
}

// Enqueue appends pkt to the offline queue, used while the client is
// disconnected with clean_session=false.
func (s *Session) Enqueue(pkt *codec.PublishPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineQueue = append(s.offlineQueue, pkt)
}

// DrainQueue removes and returns every queued packet, in arrival order,
// for replay to a reconnecting client.
func (s *Session) DrainQueue() []*codec.PublishPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.offlineQueue
	s.offlineQueue = nil
	return drained
}

// QueueLen reports how many packets are currently queued offline.
func (s *Session) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offlineQueue)
}

// Clear discards all resumable state: subscriptions, offline queue, and
// QoS in-flight maps. Called when a clean_session client disconnects.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]byte)
	s.offlineQueue = nil
	s.QoS = qos.NewTracker()
}
