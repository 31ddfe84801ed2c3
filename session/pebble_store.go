package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/axmq/ax/codec"
	"github.com/axmq/ax/qos"
)

var (
	sessionPrefix = []byte("session:")
)

// PebbleStore is a Pebble-based implementation of the Store interface
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// publishData is the serializable form of a queued/in-flight PUBLISH.
type publishData struct {
	DUP       bool   `json:"dup"`
	QoS       byte   `json:"qos"`
	Retain    bool   `json:"retain"`
	TopicName string `json:"topic_name"`
	PacketID  uint16 `json:"packet_id"`
	Payload   []byte `json:"payload"`
}

func toPublishData(p *codec.PublishPacket) *publishData {
	if p == nil {
		return nil
	}
	return &publishData{
		DUP: p.DUP, QoS: byte(p.QoS), Retain: p.Retain,
		TopicName: p.TopicName, PacketID: p.PacketID, Payload: p.Payload,
	}
}

func fromPublishData(d *publishData) *codec.PublishPacket {
	if d == nil {
		return nil
	}
	return &codec.PublishPacket{
		DUP: d.DUP, QoS: codec.QoS(d.QoS), Retain: d.Retain,
		TopicName: d.TopicName, PacketID: d.PacketID, Payload: d.Payload,
	}
}

// sessionData is the serializable representation of a session
type sessionData struct {
	ClientID     string                   `json:"client_id"`
	CleanSession bool                     `json:"clean_session"`
	State        State                    `json:"state"`
	CreatedAt    time.Time                `json:"created_at"`
	Subs         map[string]byte          `json:"subs"`
	OfflineQueue []*publishData           `json:"offline_queue"`
	NextPacketID uint16                   `json:"next_packet_id"`
	Outgoing     map[uint16]*publishData  `json:"outgoing"`
	IncomingQoS2 map[uint16]*publishData  `json:"incoming_qos2"`
}

// qosTrackerFromData reconstructs a qos.Tracker from a sessionData's
// persisted in-flight maps.
func qosTrackerFromData(data *sessionData) *qos.Tracker {
	outgoing := make(map[uint16]*codec.PublishPacket, len(data.Outgoing))
	for pid, pd := range data.Outgoing {
		outgoing[pid] = fromPublishData(pd)
	}
	incoming := make(map[uint16]*codec.PublishPacket, len(data.IncomingQoS2))
	for pid, pd := range data.IncomingQoS2 {
		incoming[pid] = fromPublishData(pd)
	}
	return qos.NewTrackerWithState(data.NextPacketID, outgoing, incoming)
}

// NewPebbleStore creates a new Pebble-based session store
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{
			ErrorIfExists: false,
		}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &PebbleStore{
		db: db,
	}, nil
}

// sessionToData converts a Session to sessionData for serialization
func sessionToData(s *Session) *sessionData {
	data := &sessionData{
		ClientID:     s.ClientID,
		CleanSession: s.CleanSession,
		State:        s.GetState(),
		CreatedAt:    s.CreatedAt,
		Subs:         s.Subscriptions(),
	}

	s.mu.RLock()
	for _, pkt := range s.offlineQueue {
		data.OfflineQueue = append(data.OfflineQueue, toPublishData(pkt))
	}
	s.mu.RUnlock()

	data.NextPacketID = s.QoS.NextPacketIDHint()
	data.Outgoing = make(map[uint16]*publishData)
	data.IncomingQoS2 = make(map[uint16]*publishData)
	for pid, pkt := range s.QoS.SnapshotOutgoing() {
		data.Outgoing[pid] = toPublishData(pkt)
	}
	for pid, pkt := range s.QoS.SnapshotIncomingQoS2() {
		data.IncomingQoS2[pid] = toPublishData(pkt)
	}

	return data
}

// dataToSession converts sessionData to a Session
func dataToSession(data *sessionData) *Session {
	s := &Session{
		ClientID:     data.ClientID,
		CleanSession: data.CleanSession,
		state:        data.State,
		CreatedAt:    data.CreatedAt,
		subs:         data.Subs,
		QoS:          qosTrackerFromData(data),
	}

	if s.subs == nil {
		s.subs = make(map[string]byte)
	}

	for _, pd := range data.OfflineQueue {
		s.offlineQueue = append(s.offlineQueue, fromPublishData(pd))
	}

	return s
}

// makeKey creates a key for a client ID
func makeKey(clientID string) []byte {
	key := make([]byte, len(sessionPrefix)+len(clientID))
	copy(key, sessionPrefix)
	copy(key[len(sessionPrefix):], clientID)
	return key
}

// Save stores or updates a session
func (p *PebbleStore) Save(ctx context.Context, session *Session) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	data := sessionToData(session)
	value, err := json.Marshal(data)
	if err != nil {
		return err
	}

	key := makeKey(session.GetClientID())
	return p.db.Set(key, value, pebble.Sync)
}

// Load retrieves a session by client ID
func (p *PebbleStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var data sessionData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, err
	}

	return dataToSession(&data), nil
}

// Delete removes a session
func (p *PebbleStore) Delete(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	return p.db.Delete(key, pebble.Sync)
}

// Exists checks if a session exists
func (p *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false, ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	_, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// List returns all session client IDs
func (p *PebbleStore) List(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	var clientIDs []string

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		clientID := string(key[len(sessionPrefix):])
		clientIDs = append(clientIDs, clientID)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return clientIDs, nil
}

// Close closes the store
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}

	p.closed = true
	return p.db.Close()
}

// Count returns the total number of sessions
func (p *PebbleStore) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	p.mu.RUnlock()

	var count int64

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	return count, nil
}

// CountByState returns the number of sessions in a given state
func (p *PebbleStore) CountByState(ctx context.Context, state State) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	p.mu.RUnlock()

	var count int64

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var data sessionData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			continue
		}
		if data.State == state {
			count++
		}
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	return count, nil
}
