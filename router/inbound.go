package router

import (
	"context"

	"github.com/axmq/ax/codec"
)

// handleInbound dispatches a decoded packet from an already-registered
// client to the matching protocol action. Any packet for a client id the
// Router no longer tracks (a race between the Connection's read loop and
// its own teardown) is silently dropped: the socket is already closing.
func (r *Router) handleInbound(ctx context.Context, clientID ClientID, packet codec.Packet) {
	entry, ok := r.clients[clientID]
	if !ok {
		return
	}

	switch p := packet.(type) {
	case *codec.SubscribePacket:
		r.handleSubscribe(ctx, entry, p)
	case *codec.UnsubscribePacket:
		r.handleUnsubscribe(ctx, entry, p)
	case *codec.PublishPacket:
		r.handlePublish(ctx, entry, p)
	case *codec.PubackPacket:
		entry.session.QoS.RetireOutgoing(p.PacketID)
	case *codec.PubrecPacket:
		r.handlePubrec(ctx, entry, p)
	case *codec.PubrelPacket:
		r.handlePubrel(ctx, entry, p)
	case *codec.PubcompPacket:
		delete(entry.awaitingComp, p.PacketID)
	case *codec.PingreqPacket:
		r.enqueueOutbound(ctx, entry, &codec.PingrespPacket{})
	case *codec.DisconnectPacket:
		r.teardown(ctx, entry, ReasonClean)
	}
}

// handleSubscribe grants each requested filter (capping qos at 2, 0x80 on
// validation failure), sends the SUBACK, then replays any retained message
// matching a newly granted filter.
func (r *Router) handleSubscribe(ctx context.Context, entry *clientEntry, pkt *codec.SubscribePacket) {
	codes := make([]byte, len(pkt.Subscriptions))
	granted := make([]codec.TopicSubscription, 0, len(pkt.Subscriptions))

	for i, sub := range pkt.Subscriptions {
		qos := sub.QoS
		if qos > codec.QoS2 {
			codes[i] = 0x80
			continue
		}
		if err := r.index.Subscribe(entry.id, sub.TopicFilter, byte(qos)); err != nil {
			codes[i] = 0x80
			continue
		}
		entry.session.AddSubscription(sub.TopicFilter, byte(qos))
		codes[i] = byte(qos)
		granted = append(granted, sub)
	}

	r.enqueueOutbound(ctx, entry, &codec.SubackPacket{PacketID: pkt.PacketID, ReturnCodes: codes})

	for _, sub := range granted {
		for _, rm := range r.index.RetainedMatching(sub.TopicFilter) {
			qd := rm.QoS
			if byte(sub.QoS) < qd {
				qd = byte(sub.QoS)
			}
			r.deliver(ctx, entry.id, rm.Topic, rm.Payload, qd, true)
		}
	}
}

func (r *Router) handleUnsubscribe(ctx context.Context, entry *clientEntry, pkt *codec.UnsubscribePacket) {
	for _, filter := range pkt.TopicFilters {
		r.index.Unsubscribe(entry.id, filter)
		entry.session.RemoveSubscription(filter)
	}
	r.enqueueOutbound(ctx, entry, &codec.UnsubackPacket{PacketID: pkt.PacketID})
}

// handlePublish implements the per-QoS PUBLISH table: qos0 fans out with no
// ack, qos1 fans out then PUBACKs the sender, qos2 defers fan-out to the
// PUBREL that follows and acks every PUBLISH (duplicate or not) with PUBREC.
func (r *Router) handlePublish(ctx context.Context, entry *clientEntry, pkt *codec.PublishPacket) {
	switch pkt.QoS {
	case codec.QoS0:
		r.fanout(ctx, pkt.TopicName, pkt.Payload, byte(pkt.QoS), pkt.Retain)
	case codec.QoS1:
		r.fanout(ctx, pkt.TopicName, pkt.Payload, byte(pkt.QoS), pkt.Retain)
		r.enqueueOutbound(ctx, entry, &codec.PubackPacket{PacketID: pkt.PacketID})
	case codec.QoS2:
		entry.session.QoS.RecordIncomingQoS2(pkt.PacketID, pkt)
		r.enqueueOutbound(ctx, entry, &codec.PubrecPacket{PacketID: pkt.PacketID})
	}
}

func (r *Router) handlePubrec(ctx context.Context, entry *clientEntry, pkt *codec.PubrecPacket) {
	entry.session.QoS.RetireOutgoing(pkt.PacketID)
	entry.awaitingComp[pkt.PacketID] = true
	r.enqueueOutbound(ctx, entry, &codec.PubrelPacket{PacketID: pkt.PacketID})
}

// handlePubrel releases a deferred QoS2 PUBLISH for fan-out. A PUBREL for an
// already-retired (or never-recorded) pid still gets a PUBCOMP but triggers
// no further side effect, so a retransmitted PUBREL after a lost PUBCOMP is
// harmless.
func (r *Router) handlePubrel(ctx context.Context, entry *clientEntry, pkt *codec.PubrelPacket) {
	if stored, ok := entry.session.QoS.RetireIncomingQoS2(pkt.PacketID); ok {
		r.fanout(ctx, stored.TopicName, stored.Payload, byte(stored.QoS), stored.Retain)
	}
	r.enqueueOutbound(ctx, entry, &codec.PubcompPacket{PacketID: pkt.PacketID})
}
