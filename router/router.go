// Package router implements the broker's single-threaded event loop: the
// component that owns the topic index and every connected client's session,
// and is the only part of the broker allowed to mutate either. Connections
// never touch the topic.Index or a Session directly; they submit decoded
// packets as events and receive outbound packets on a private channel.
package router

import (
	"context"
	"sync"

	"github.com/axmq/ax/codec"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
)

// ClientID identifies a connected (or formerly connected, non-clean-session)
// client across the router's lifetime.
type ClientID = string

// DisconnectReason distinguishes a clean DISCONNECT (no will published)
// from any other connection loss (will published if one is registered).
type DisconnectReason int

const (
	ReasonClean DisconnectReason = iota
	ReasonAbnormal
)

// Outbox is a Connection's single-producer (Router), single-consumer
// (Connection) outbound packet channel. Its capacity is the per-connection
// backpressure threshold described in the concurrency model: once full, the
// Router drops rather than blocks. The Router closes the channel when the
// connection must shut down: a close signal cannot be lost the way a
// sentinel value on a full channel can.
type Outbox chan codec.Packet

// Will is the message a Connection registers at CONNECT time and that the
// Router publishes exactly once, on abnormal disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// clientEntry is everything the Router needs about one currently-connected
// client. It is only ever read or written from the event loop goroutine.
type clientEntry struct {
	id           ClientID
	outbox       Outbox
	session      *session.Session
	cleanSession bool
	will         *Will

	// awaitingComp tracks packet ids this broker sent a QoS2 PUBLISH for,
	// pending the subscriber's PUBCOMP after the broker's own PUBREL. It
	// is protocol bookkeeping only, not part of the persisted Session.
	awaitingComp map[uint16]bool
}

// connectRequest is the event a Connection submits at the end of a
// successful CONNECT handshake; replyCh carries back the CONNACK
// session-present bit once the Router has processed it.
type connectRequest struct {
	clientID     ClientID
	cleanSession bool
	will         *Will
	outbox       Outbox
	replyCh      chan bool
}

type disconnectRequest struct {
	clientID ClientID
	reason   DisconnectReason

	// outbox identifies which connection the event is about. A CONNECT for
	// an already-connected client id displaces the prior connection, whose
	// own teardown then races this map; matching on the outbox keeps a
	// stale disconnect from tearing down the replacement.
	outbox Outbox
}

type inboundRequest struct {
	clientID ClientID
	packet   codec.Packet
}

// Router is the broker's single-threaded cooperative task. One goroutine
// runs Run; every other method only enqueues an event for that goroutine,
// mirroring the "no lock needed while inside the event loop" model the spec
// requires of the topic index and session state.
type Router struct {
	log logger.Logger

	index    *topic.Index
	sessions session.Store

	connectCh    chan connectRequest
	disconnectCh chan inboundDisconnect
	inboundCh    chan inboundRequest

	// clients and liveSessions are owned exclusively by the Run goroutine.
	clients      map[ClientID]*clientEntry
	liveSessions map[ClientID]*session.Session

	wg sync.WaitGroup
}

type inboundDisconnect = disconnectRequest

// Config controls the Router's channel sizing; the defaults match the
// spec's "unbounded producer to Router, bounded per-connection consumer"
// shape closely enough for a single-process broker.
type Config struct {
	// EventQueueSize bounds the shared Connection->Router channel. It is
	// sized generously to approximate the conceptually unbounded queue
	// without requiring an unbounded buffer in memory.
	EventQueueSize int
}

// DefaultConfig returns sane defaults for a single-node broker.
func DefaultConfig() Config {
	return Config{EventQueueSize: 4096}
}

// New creates a Router. sessions may be a session.MemoryStore or any other
// session.Store implementation; it is consulted so non-clean sessions
// survive a process restart.
func New(index *topic.Index, sessions session.Store, log logger.Logger, cfg Config) *Router {
	if cfg.EventQueueSize <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewSlogLogger(0, nil)
	}
	return &Router{
		log:          log,
		index:        index,
		sessions:     sessions,
		connectCh:    make(chan connectRequest),
		disconnectCh: make(chan inboundDisconnect, cfg.EventQueueSize),
		inboundCh:    make(chan inboundRequest, cfg.EventQueueSize),
		clients:      make(map[ClientID]*clientEntry),
		liveSessions: make(map[ClientID]*session.Session),
	}
}

// Restore preloads every persisted non-clean session from the session
// store so a reconnecting client is recognized as having a prior session
// even across a broker restart. It must be called before Run.
func (r *Router) Restore(ctx context.Context) error {
	ids, err := r.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sess, err := r.sessions.Load(ctx, id)
		if err != nil {
			r.log.Warn("router: failed to restore session", "client_id", id, "error", err)
			continue
		}
		sess.SetDisconnected()
		r.liveSessions[id] = sess
		for filter, qos := range sess.Subscriptions() {
			if err := r.index.Subscribe(id, filter, qos); err != nil {
				r.log.Warn("router: failed to restore subscription", "client_id", id, "filter", filter, "error", err)
			}
		}
	}
	return nil
}

// Run drives the event loop until ctx is canceled. It is not safe to call
// concurrently with itself.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.connectCh:
			present := r.handleConnect(ctx, req)
			req.replyCh <- present
		case req := <-r.disconnectCh:
			r.handleDisconnect(ctx, req.clientID, req.reason, req.outbox)
		case req := <-r.inboundCh:
			r.handleInbound(ctx, req.clientID, req.packet)
		}
	}
}

// Connect registers a newly handshaked client and returns whether a prior
// session is being resumed (the CONNACK session-present bit). It blocks
// until the Router's event loop has processed the request.
func (r *Router) Connect(ctx context.Context, clientID ClientID, cleanSession bool, will *Will, outbox Outbox) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case r.connectCh <- connectRequest{clientID: clientID, cleanSession: cleanSession, will: will, outbox: outbox, replyCh: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case present := <-reply:
		return present, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Disconnect notifies the Router that the connection identified by outbox
// is no longer reachable. reason controls whether a registered will is
// published. The event is ignored if clientID has since been taken over by
// a newer connection (a different outbox); a nil outbox matches any. It
// does not block on the event loop processing the request.
func (r *Router) Disconnect(clientID ClientID, reason DisconnectReason, outbox Outbox) {
	r.disconnectCh <- disconnectRequest{clientID: clientID, reason: reason, outbox: outbox}
}

// Inbound submits a decoded packet received from clientID for routing.
func (r *Router) Inbound(clientID ClientID, packet codec.Packet) {
	r.inboundCh <- inboundRequest{clientID: clientID, packet: packet}
}
