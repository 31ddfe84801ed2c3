package qos

import (
	"testing"

	"github.com/axmq/ax/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocPacketIDSkipsZeroAndInFlight(t *testing.T) {
	tr := NewTracker()

	id1, err := tr.AllocPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id1)
	tr.RecordOutgoing(id1, &codec.PublishPacket{PacketID: id1})

	id2, err := tr.AllocPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id2)
}

func TestAllocPacketIDWrapsAndSkipsInFlight(t *testing.T) {
	tr := NewTracker()
	tr.nextPacketID = 65535

	id1, err := tr.AllocPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), id1)
	tr.RecordOutgoing(id1, &codec.PublishPacket{PacketID: id1})

	id2, err := tr.AllocPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id2)
}

func TestAllocPacketIDFlowControlExhausted(t *testing.T) {
	tr := NewTracker()
	for i := 1; i <= 65535; i++ {
		tr.outgoing[uint16(i)] = &codec.PublishPacket{PacketID: uint16(i)}
	}

	_, err := tr.AllocPacketID()
	assert.ErrorIs(t, err, ErrFlowControlExhausted)
}

func TestRecordAndRetireOutgoing(t *testing.T) {
	tr := NewTracker()
	pkt := &codec.PublishPacket{PacketID: 7, TopicName: "a/b"}

	tr.RecordOutgoing(7, pkt)
	assert.Equal(t, 1, tr.OutgoingCount())

	got, ok := tr.RetireOutgoing(7)
	require.True(t, ok)
	assert.Same(t, pkt, got)
	assert.Equal(t, 0, tr.OutgoingCount())

	_, ok = tr.RetireOutgoing(7)
	assert.False(t, ok)
}

func TestRecordIncomingQoS2DetectsDuplicate(t *testing.T) {
	tr := NewTracker()
	pkt := &codec.PublishPacket{PacketID: 9, TopicName: "a/b"}

	assert.True(t, tr.RecordIncomingQoS2(9, pkt))
	assert.False(t, tr.RecordIncomingQoS2(9, pkt))
	assert.Equal(t, 1, tr.IncomingQoS2Count())
}

func TestRetireIncomingQoS2(t *testing.T) {
	tr := NewTracker()
	pkt := &codec.PublishPacket{PacketID: 9, TopicName: "a/b"}
	tr.RecordIncomingQoS2(9, pkt)

	got, ok := tr.RetireIncomingQoS2(9)
	require.True(t, ok)
	assert.Same(t, pkt, got)

	_, ok = tr.RetireIncomingQoS2(9)
	assert.False(t, ok)
}
