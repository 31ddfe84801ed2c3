// Package qos implements the per-session QoS 1/2 delivery bookkeeping: packet
// id allocation and the in-flight outgoing/incoming maps a Router consults to
// drive the PUBACK/PUBREC/PUBREL/PUBCOMP handshakes.
package qos

import (
	"sync"

	"github.com/axmq/ax/codec"
)

// Tracker is the QoS state attached to a single Session. It is not safe to
// share across sessions; each session owns its own Tracker instance.
type Tracker struct {
	mu sync.Mutex

	nextPacketID uint16
	outgoing     map[uint16]*codec.PublishPacket
	incomingQoS2 map[uint16]*codec.PublishPacket
}

// NewTracker returns a Tracker with an empty in-flight state and the packet
// id counter positioned at 1 (0 is reserved and never allocated).
func NewTracker() *Tracker {
	return &Tracker{
		nextPacketID: 1,
		outgoing:     make(map[uint16]*codec.PublishPacket),
		incomingQoS2: make(map[uint16]*codec.PublishPacket),
	}
}

// NewTrackerWithState reconstructs a Tracker from persisted in-flight maps,
// used when a SessionStore resumes a non-clean session across a restart.
func NewTrackerWithState(nextPacketID uint16, outgoing, incomingQoS2 map[uint16]*codec.PublishPacket) *Tracker {
	if nextPacketID == 0 {
		nextPacketID = 1
	}
	if outgoing == nil {
		outgoing = make(map[uint16]*codec.PublishPacket)
	}
	if incomingQoS2 == nil {
		incomingQoS2 = make(map[uint16]*codec.PublishPacket)
	}
	return &Tracker{
		nextPacketID: nextPacketID,
		outgoing:     outgoing,
		incomingQoS2: incomingQoS2,
	}
}

// SnapshotOutgoing returns a copy of the outgoing in-flight map, for
// persistence.
func (t *Tracker) SnapshotOutgoing() map[uint16]*codec.PublishPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint16]*codec.PublishPacket, len(t.outgoing))
	for pid, pkt := range t.outgoing {
		out[pid] = pkt
	}
	return out
}

// SnapshotIncomingQoS2 returns a copy of the incoming-qos2 in-flight map,
// for persistence.
func (t *Tracker) SnapshotIncomingQoS2() map[uint16]*codec.PublishPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint16]*codec.PublishPacket, len(t.incomingQoS2))
	for pid, pkt := range t.incomingQoS2 {
		out[pid] = pkt
	}
	return out
}

// NextPacketIDHint returns the current rolling counter position, for
// persistence.
func (t *Tracker) NextPacketIDHint() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextPacketID
}

// AllocPacketID returns the next free packet id, skipping 0 and any id
// currently present in outgoing. It fails with ErrFlowControlExhausted once
// all 65535 ids are in flight.
func (t *Tracker) AllocPacketID() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.outgoing) >= 65535 {
		return 0, ErrFlowControlExhausted
	}

	for {
		pid := t.nextPacketID
		t.nextPacketID++
		if t.nextPacketID == 0 {
			t.nextPacketID = 1
		}

		if pid == 0 {
			continue
		}
		if _, inFlight := t.outgoing[pid]; inFlight {
			continue
		}
		return pid, nil
	}
}

// RecordOutgoing marks pid as sent to a subscriber at qos>=1, awaiting the
// terminal ack (PUBACK for qos 1, PUBCOMP for qos 2).
func (t *Tracker) RecordOutgoing(pid uint16, pkt *codec.PublishPacket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outgoing[pid] = pkt
}

// RetireOutgoing removes pid from the outgoing map, returning the packet
// that was in flight and whether it was actually present. A PUBACK or
// PUBREC for an unknown pid reports ok=false; callers should treat that as
// a protocol violation from the peer rather than retry.
func (t *Tracker) RetireOutgoing(pid uint16) (*codec.PublishPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pkt, ok := t.outgoing[pid]
	if !ok {
		return nil, false
	}
	delete(t.outgoing, pid)
	return pkt, true
}

// OutgoingCount returns the number of packet ids currently in flight,
// awaiting ack.
func (t *Tracker) OutgoingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outgoing)
}

// RecordIncomingQoS2 records an inbound qos 2 PUBLISH awaiting PUBREL. It
// returns false when pid is already recorded, meaning the PUBLISH is a
// retransmit (the peer should have set dup=1) and must not be fanned out
// again; the caller still acks with PUBREC either way.
func (t *Tracker) RecordIncomingQoS2(pid uint16, pkt *codec.PublishPacket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.incomingQoS2[pid]; exists {
		return false
	}
	t.incomingQoS2[pid] = pkt
	return true
}

// RetireIncomingQoS2 releases pid on receipt of PUBREL, returning the
// packet to fan out to subscribers and whether it was actually pending. A
// PUBREL for an unknown pid (already retired by an earlier PUBREL, e.g. a
// retransmitted PUBREL after the first PUBCOMP was lost) still must get a
// PUBCOMP; ok=false signals the caller to skip the re-fanout.
func (t *Tracker) RetireIncomingQoS2(pid uint16) (*codec.PublishPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pkt, ok := t.incomingQoS2[pid]
	if !ok {
		return nil, false
	}
	delete(t.incomingQoS2, pid)
	return pkt, true
}

// IncomingQoS2Count returns the number of qos 2 PUBLISH packets currently
// awaiting PUBREL.
func (t *Tracker) IncomingQoS2Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.incomingQoS2)
}
