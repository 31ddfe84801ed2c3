package router

import (
	"context"
	"testing"
	"time"

	"github.com/axmq/ax/codec"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, context.Context, func()) {
	t.Helper()
	idx := topic.NewIndex(nil)
	store := session.NewMemoryStore()
	r := New(idx, store, nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r, ctx, cancel
}

func connect(t *testing.T, r *Router, ctx context.Context, clientID string, clean bool, will *Will) (Outbox, bool) {
	t.Helper()
	outbox := make(Outbox, 64)
	present, err := r.Connect(ctx, clientID, clean, will, outbox)
	require.NoError(t, err)
	return outbox, present
}

func recvPublish(t *testing.T, outbox Outbox) *codec.PublishPacket {
	t.Helper()
	select {
	case pkt := <-outbox:
		pub, ok := pkt.(*codec.PublishPacket)
		require.True(t, ok, "expected PublishPacket, got %T", pkt)
		return pub
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
		return nil
	}
}

func drainNone(t *testing.T, outbox Outbox) {
	t.Helper()
	select {
	case pkt, ok := <-outbox:
		if ok {
			t.Fatalf("expected no packet, got %T", pkt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// S1: simple pub/sub at qos 0.
func TestScenarioSimplePubSub(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	c1, _ := connect(t, r, ctx, "c1", true, nil)
	_, _ = connect(t, r, ctx, "c2", true, nil)

	r.Inbound("c1", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "a/b", QoS: codec.QoS0}}})
	// drain SUBACK
	<-c1

	r.Inbound("c2", &codec.PublishPacket{QoS: codec.QoS0, TopicName: "a/b", Payload: []byte("hello")})

	pub := recvPublish(t, c1)
	assert.Equal(t, "a/b", pub.TopicName)
	assert.Equal(t, []byte("hello"), pub.Payload)
	assert.Equal(t, codec.QoS0, pub.QoS)
}

// S2: wildcard match with QoS downgrade and the qos2 handshake on the
// publisher side.
func TestScenarioWildcardAndQoSDowngrade(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	c1, _ := connect(t, r, ctx, "c1", true, nil)
	c2, _ := connect(t, r, ctx, "c2", true, nil)

	r.Inbound("c1", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "sport/+/score", QoS: codec.QoS1}}})
	<-c1 // SUBACK

	r.Inbound("c2", &codec.PublishPacket{QoS: codec.QoS2, TopicName: "sport/tennis/score", PacketID: 7, Payload: []byte("40-0")})

	pubrec, ok := (<-c2).(*codec.PubrecPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(7), pubrec.PacketID)

	r.Inbound("c2", &codec.PubrelPacket{PacketID: 7})
	pubcomp, ok := (<-c2).(*codec.PubcompPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(7), pubcomp.PacketID)

	pub := recvPublish(t, c1)
	assert.Equal(t, "sport/tennis/score", pub.TopicName)
	assert.Equal(t, codec.QoS1, pub.QoS)
	assert.False(t, pub.Retain)
	assert.NotZero(t, pub.PacketID)

	r.Inbound("c1", &codec.PubackPacket{PacketID: pub.PacketID})
}

// S3: retained message set, replayed, cleared.
func TestScenarioRetainedMessage(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	c1, _ := connect(t, r, ctx, "c1", true, nil)
	r.Inbound("c1", &codec.PublishPacket{QoS: codec.QoS1, TopicName: "cfg/x", PacketID: 1, Payload: []byte("v1"), Retain: true})
	<-c1 // PUBACK
	r.Disconnect("c1", ReasonClean, c1)

	c2, _ := connect(t, r, ctx, "c2", true, nil)
	r.Inbound("c2", &codec.SubscribePacket{PacketID: 2, Subscriptions: []codec.TopicSubscription{{TopicFilter: "cfg/#", QoS: codec.QoS0}}})
	<-c2 // SUBACK

	pub := recvPublish(t, c2)
	assert.Equal(t, "cfg/x", pub.TopicName)
	assert.Equal(t, []byte("v1"), pub.Payload)
	assert.True(t, pub.Retain)

	_, _ = connect(t, r, ctx, "c3", true, nil)
	r.Inbound("c3", &codec.PublishPacket{QoS: codec.QoS0, TopicName: "cfg/x", Payload: nil, Retain: true})

	c4, _ := connect(t, r, ctx, "c4", true, nil)
	r.Inbound("c4", &codec.SubscribePacket{PacketID: 3, Subscriptions: []codec.TopicSubscription{{TopicFilter: "cfg/#", QoS: codec.QoS0}}})
	<-c4 // SUBACK
	drainNone(t, c4)
}

// S4: session resumption replays the offline queue with fresh packet ids.
func TestScenarioSessionResumption(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	c1, _ := connect(t, r, ctx, "c", false, nil)
	r.Inbound("c", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "n", QoS: codec.QoS1}}})
	<-c1 // SUBACK
	r.Disconnect("c", ReasonClean, c1)

	publisher, _ := connect(t, r, ctx, "pub", true, nil)
	r.Inbound("pub", &codec.PublishPacket{QoS: codec.QoS1, TopicName: "n", PacketID: 1, Payload: []byte("m1")})
	<-publisher // PUBACK
	r.Inbound("pub", &codec.PublishPacket{QoS: codec.QoS1, TopicName: "n", PacketID: 2, Payload: []byte("m2")})
	<-publisher // PUBACK

	c1b, present := connect(t, r, ctx, "c", false, nil)
	assert.True(t, present)

	p1 := recvPublish(t, c1b)
	assert.Equal(t, []byte("m1"), p1.Payload)
	r.Inbound("c", &codec.PubackPacket{PacketID: p1.PacketID})

	p2 := recvPublish(t, c1b)
	assert.Equal(t, []byte("m2"), p2.Payload)
	r.Inbound("c", &codec.PubackPacket{PacketID: p2.PacketID})
}

// S5: a second CONNECT for the same client id displaces the first without
// a will, and reports session_present based on the prior clean_session.
func TestScenarioDuplicateConnect(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	first, present := connect(t, r, ctx, "x", false, nil)
	assert.False(t, present)

	second, present2 := connect(t, r, ctx, "x", false, nil)
	assert.True(t, present2)

	_, open := <-first
	assert.False(t, open, "displaced connection's outbox should be closed")
	drainNone(t, second)
}

// S6: will is published exactly once on abnormal disconnect.
func TestScenarioWillOnAbnormalDisconnect(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	c2, _ := connect(t, r, ctx, "c2", true, nil)
	r.Inbound("c2", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "bye", QoS: codec.QoS0}}})
	<-c2 // SUBACK

	will := &Will{Topic: "bye", Payload: []byte("gone"), QoS: 0, Retain: false}
	c1, _ := connect(t, r, ctx, "c1", true, will)
	r.Disconnect("c1", ReasonAbnormal, c1)

	pub := recvPublish(t, c2)
	assert.Equal(t, "bye", pub.TopicName)
	assert.Equal(t, []byte("gone"), pub.Payload)

	drainNone(t, c2)
}

func TestCleanDisconnectDoesNotPublishWill(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	c2, _ := connect(t, r, ctx, "c2", true, nil)
	r.Inbound("c2", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "bye", QoS: codec.QoS0}}})
	<-c2

	will := &Will{Topic: "bye", Payload: []byte("gone")}
	c1, _ := connect(t, r, ctx, "c1", true, will)
	r.Disconnect("c1", ReasonClean, c1)

	drainNone(t, c2)
}

func TestQoS2DuplicatePublishFansOutOnce(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	sub, _ := connect(t, r, ctx, "sub", true, nil)
	pubConn, _ := connect(t, r, ctx, "pub", true, nil)

	r.Inbound("sub", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "t", QoS: codec.QoS2}}})
	<-sub

	pkt := &codec.PublishPacket{QoS: codec.QoS2, TopicName: "t", PacketID: 5, Payload: []byte("x")}
	r.Inbound("pub", pkt)
	<-pubConn // PUBREC
	r.Inbound("pub", pkt) // duplicate, dup flag implied by retransmission
	<-pubConn             // PUBREC again, no second fan-out yet

	r.Inbound("pub", &codec.PubrelPacket{PacketID: 5})
	<-pubConn // PUBCOMP

	recvPublish(t, sub)
	drainNone(t, sub)

	// A retransmitted PUBREL after the first PUBCOMP still gets one, with
	// no further fan-out.
	r.Inbound("pub", &codec.PubrelPacket{PacketID: 5})
	<-pubConn
	drainNone(t, sub)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	sub, _ := connect(t, r, ctx, "sub", true, nil)
	pubConn, _ := connect(t, r, ctx, "pub", true, nil)

	r.Inbound("sub", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "t", QoS: codec.QoS0}}})
	<-sub

	r.Inbound("sub", &codec.UnsubscribePacket{PacketID: 2, TopicFilters: []string{"t"}})
	_, ok := (<-sub).(*codec.UnsubackPacket)
	require.True(t, ok)

	r.Inbound("pub", &codec.PublishPacket{QoS: codec.QoS0, TopicName: "t", Payload: []byte("x")})
	drainNone(t, sub)
	drainNone(t, pubConn)
}

func TestPingreqGetsPingresp(t *testing.T) {
	r, ctx, _ := newTestRouter(t)
	c, _ := connect(t, r, ctx, "c", true, nil)
	r.Inbound("c", &codec.PingreqPacket{})
	_, ok := (<-c).(*codec.PingrespPacket)
	assert.True(t, ok)
}

// A disconnect reported by a connection that has already been displaced by
// a newer CONNECT for the same client id must not tear down (or publish
// the will of) the replacement.
func TestStaleDisconnectAfterDisplacement(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	watcher, _ := connect(t, r, ctx, "watcher", true, nil)
	r.Inbound("watcher", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "bye", QoS: codec.QoS0}}})
	<-watcher // SUBACK

	will := &Will{Topic: "bye", Payload: []byte("gone")}
	first, _ := connect(t, r, ctx, "x", true, will)
	second, _ := connect(t, r, ctx, "x", true, will)

	_, open := <-first
	require.False(t, open, "displaced connection's outbox should be closed")

	// The displaced connection's read loop notices its socket died and
	// reports an abnormal disconnect; the router must recognize it as
	// stale and leave the second connection attached.
	r.Disconnect("x", ReasonAbnormal, first)

	drainNone(t, watcher)

	r.Inbound("watcher", &codec.PublishPacket{QoS: codec.QoS0, TopicName: "bye", Payload: []byte("ping")})
	drainNone(t, second) // still attached, not subscribed to "bye"

	r.Inbound("x", &codec.PingreqPacket{})
	_, ok := (<-second).(*codec.PingrespPacket)
	assert.True(t, ok)
}

// A slow consumer whose outbox overflows is torn down like an abnormal
// disconnect: closed, will published, and (for a non-clean session) the
// overflow routed to the offline queue.
func TestSlowConsumerEvicted(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	watcher, _ := connect(t, r, ctx, "watcher", true, nil)
	r.Inbound("watcher", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "bye", QoS: codec.QoS0}}})
	<-watcher // SUBACK

	// An outbox of capacity 1 with nobody draining it overflows on the
	// second delivery.
	slow := make(Outbox, 1)
	will := &Will{Topic: "bye", Payload: []byte("gone")}
	_, err := r.Connect(ctx, "slow", false, will, slow)
	require.NoError(t, err)

	r.Inbound("slow", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "t", QoS: codec.QoS1}}})
	// The SUBACK fills the outbox; nothing drains it.

	pubConn, _ := connect(t, r, ctx, "pub", true, nil)
	r.Inbound("pub", &codec.PublishPacket{QoS: codec.QoS1, TopicName: "t", PacketID: 9, Payload: []byte("m1")})
	<-pubConn // PUBACK to the publisher regardless

	pub := recvPublish(t, watcher)
	assert.Equal(t, "bye", pub.TopicName)
	assert.Equal(t, []byte("gone"), pub.Payload)

	// The evicted session is offline now; a further publish is queued for
	// it rather than delivered.
	r.Inbound("pub", &codec.PublishPacket{QoS: codec.QoS1, TopicName: "t", PacketID: 10, Payload: []byte("m2")})
	<-pubConn // PUBACK

	revived, present := connect(t, r, ctx, "slow", false, nil)
	assert.True(t, present)
	p := recvPublish(t, revived)
	assert.Equal(t, []byte("m1"), p.Payload)
	p = recvPublish(t, revived)
	assert.Equal(t, []byte("m2"), p.Payload)
}

// A prior clean session leaves nothing to resume, even when its connection
// is still attached at the moment a non-clean CONNECT for the same id
// displaces it.
func TestCleanSessionNotResumedByNonCleanReconnect(t *testing.T) {
	r, ctx, _ := newTestRouter(t)

	first, _ := connect(t, r, ctx, "x", true, nil)
	r.Inbound("x", &codec.SubscribePacket{PacketID: 1, Subscriptions: []codec.TopicSubscription{{TopicFilter: "a/b", QoS: codec.QoS0}}})
	<-first // SUBACK

	second, present := connect(t, r, ctx, "x", false, nil)
	assert.False(t, present, "a clean session must not be reported as present")

	_, open := <-first
	require.False(t, open)

	// The displaced clean session's subscriptions died with it.
	pub, _ := connect(t, r, ctx, "pub", true, nil)
	r.Inbound("pub", &codec.PublishPacket{QoS: codec.QoS0, TopicName: "a/b", Payload: []byte("m")})
	drainNone(t, second)
	drainNone(t, pub)
}
