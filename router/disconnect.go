package router

import "context"

// handleDisconnect implements the ClientDisconnected event. An event whose
// outbox no longer matches the tracked connection is stale: the client id
// was displaced by a newer CONNECT and its session already handed off, so
// there is nothing to tear down.
func (r *Router) handleDisconnect(ctx context.Context, clientID ClientID, reason DisconnectReason, outbox Outbox) {
	entry, ok := r.clients[clientID]
	if !ok {
		// Already torn down, or a duplicate event.
		return
	}
	if outbox != nil && entry.outbox != outbox {
		return
	}
	r.teardown(ctx, entry, reason)
}

// teardown detaches entry from the router: publish the will on abnormal
// loss, remove the client's subscriptions from the trie, and either discard
// or persist its session per clean_session. It is a no-op unless entry is
// still the current occupant of the clients map, so a handler that keeps
// using an entry after an eviction mid-dispatch cannot tear it down twice.
func (r *Router) teardown(ctx context.Context, entry *clientEntry, reason DisconnectReason) {
	if current, ok := r.clients[entry.id]; !ok || current != entry {
		return
	}
	delete(r.clients, entry.id)
	close(entry.outbox)

	sess := entry.session
	sess.SetDisconnected()

	if reason == ReasonAbnormal && entry.will != nil {
		r.fanout(ctx, entry.will.Topic, entry.will.Payload, entry.will.QoS, entry.will.Retain)
	}

	// A non-clean session keeps its trie entries while offline: that is
	// what routes later matching publishes into its offline queue. Only a
	// clean session's subscriptions die with the connection.
	if sess.CleanSession {
		r.index.UnsubscribeAll(entry.id)
		sess.Clear()
		delete(r.liveSessions, entry.id)
		if err := r.sessions.Delete(ctx, entry.id); err != nil {
			r.log.Warn("router: failed to delete session", "client_id", entry.id, "error", err)
		}
		return
	}

	if err := r.sessions.Save(ctx, sess); err != nil {
		r.log.Warn("router: failed to persist session on disconnect", "client_id", entry.id, "error", err)
	}
}
