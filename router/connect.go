package router

import (
	"context"

	"github.com/axmq/ax/session"
)

// handleConnect implements the ClientConnected event: displace any prior
// connection for the same client id, resolve session resumption, and
// attach the new outbox. It returns the CONNACK session-present bit.
func (r *Router) handleConnect(ctx context.Context, req connectRequest) bool {
	if existing, ok := r.clients[req.clientID]; ok {
		// A second CONNECT for the same client id displaces the first:
		// its socket is closed without a will, no disconnect processing.
		delete(r.clients, req.clientID)
		close(existing.outbox)
	}

	prior, hadPrior := r.liveSessions[req.clientID]

	var sess *session.Session
	sessionPresent := false

	// Only a prior clean_session=false session can be resumed: a clean
	// session leaves nothing behind, even if its connection is still
	// attached at the moment a non-clean CONNECT displaces it.
	if hadPrior && !prior.CleanSession && !req.cleanSession {
		sess = prior
		sessionPresent = true
	} else {
		if hadPrior {
			r.index.UnsubscribeAll(req.clientID)
			delete(r.liveSessions, req.clientID)
			if err := r.sessions.Delete(ctx, req.clientID); err != nil && err != session.ErrSessionNotFound {
				r.log.Warn("router: failed to delete prior session", "client_id", req.clientID, "error", err)
			}
		}
		sess = session.New(req.clientID, req.cleanSession)
	}

	sess.SetActive()
	r.liveSessions[req.clientID] = sess

	entry := &clientEntry{
		id:           req.clientID,
		outbox:       req.outbox,
		session:      sess,
		cleanSession: req.cleanSession,
		will:         req.will,
		awaitingComp: make(map[uint16]bool),
	}
	r.clients[req.clientID] = entry

	if sessionPresent {
		for filter, qos := range sess.Subscriptions() {
			if err := r.index.Subscribe(req.clientID, filter, qos); err != nil {
				r.log.Warn("router: failed to reinstall subscription", "client_id", req.clientID, "filter", filter, "error", err)
			}
		}
		// Replay the offline queue with a non-blocking send rather than
		// enqueueOutbound: a backlog larger than the outbox is not a slow
		// consumer, the client simply hasn't had a chance to read yet, so
		// the overflow goes back on the queue instead of evicting a
		// connection that just completed its handshake.
		queued := sess.DrainQueue()
		for i, pkt := range queued {
			select {
			case entry.outbox <- pkt:
				if pkt.QoS > 0 {
					sess.QoS.RecordOutgoing(pkt.PacketID, pkt)
				}
				continue
			default:
			}
			for _, rest := range queued[i:] {
				sess.Enqueue(rest)
			}
			break
		}
	}

	if !req.cleanSession {
		if err := r.sessions.Save(ctx, sess); err != nil {
			r.log.Warn("router: failed to persist session", "client_id", req.clientID, "error", err)
		}
	}

	return sessionPresent
}
