package router

import (
	"context"

	"github.com/axmq/ax/codec"
)

// fanout is the PUBLISH fan-out algorithm: apply the retained-message
// update (if any), then deliver to every matching subscriber at
// min(publisher qos, granted qos).
func (r *Router) fanout(ctx context.Context, topicName string, payload []byte, qos byte, retain bool) {
	if retain {
		if err := r.index.SetRetained(ctx, topicName, payload, qos); err != nil {
			r.log.Warn("router: failed to set retained message", "topic", topicName, "error", err)
		}
	}

	for _, sub := range r.index.Match(topicName) {
		qd := qos
		if sub.QoS < qd {
			qd = sub.QoS
		}
		r.deliver(ctx, sub.ClientID, topicName, payload, qd, false)
	}
}

// deliver sends one PUBLISH to a single subscriber, allocating a fresh
// packet id for qos>0 and recording it in-flight. A connected target is
// written to immediately; a disconnected, non-clean-session target queues
// it for replay on reconnect; a clean-session target that isn't connected
// has nowhere to receive it and the message is dropped.
func (r *Router) deliver(ctx context.Context, clientID ClientID, topicName string, payload []byte, qos byte, retain bool) {
	sess, ok := r.liveSessions[clientID]
	if !ok {
		return
	}

	var pid uint16
	if qos > 0 {
		allocated, err := sess.QoS.AllocPacketID()
		if err != nil {
			r.log.Warn("router: flow control exhausted, dropping publish", "client_id", clientID, "topic", topicName)
			return
		}
		pid = allocated
	}

	pkt := &codec.PublishPacket{
		QoS:       codec.QoS(qos),
		Retain:    retain,
		TopicName: topicName,
		Payload:   payload,
		PacketID:  pid,
	}

	if entry, connected := r.clients[clientID]; connected {
		if r.enqueueOutbound(ctx, entry, pkt) {
			if qos > 0 {
				sess.QoS.RecordOutgoing(pid, pkt)
			}
			return
		}
		// The target was just evicted as a slow consumer: a qos 0 packet is
		// dropped, a qos>0 one falls through to the offline queue below.
		if qos == 0 {
			return
		}
	}

	if !sess.CleanSession {
		sess.Enqueue(pkt)
		if err := r.sessions.Save(ctx, sess); err != nil {
			r.log.Warn("router: failed to persist offline message", "client_id", clientID, "topic", topicName, "error", err)
		}
	}
}

// enqueueOutbound hands pkt to a client's outbox without blocking the event
// loop, reporting whether the packet was accepted. A full outbox means the
// connection is a slow consumer; per the concurrency model it is treated as
// dead and torn down like any other abnormal disconnect; deliver then
// routes the overflowing qos>0 packet to the offline queue of a non-clean
// session. Packets already sitting in the closed outbox are not requeued.
func (r *Router) enqueueOutbound(ctx context.Context, entry *clientEntry, pkt codec.Packet) bool {
	select {
	case entry.outbox <- pkt:
		return true
	default:
	}

	r.teardown(ctx, entry, ReasonAbnormal)
	return false
}
