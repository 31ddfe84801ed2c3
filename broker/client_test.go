package broker

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/axmq/ax/auth"
	"github.com/axmq/ax/codec"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/router"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.DefaultKeepAlive = 30 * time.Second
	cfg.AllowAnonymous = true
	cfg.MaxReadBuffer = 1 << 16
	cfg.OutboxSize = 16
	return cfg
}

func newTestRouter(t *testing.T) (*router.Router, context.Context) {
	t.Helper()
	idx := topic.NewIndex(nil)
	store := session.NewMemoryStore()
	r := router.New(idx, store, nil, router.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r, ctx
}

func pipeClient(t *testing.T, cfg Config, r *router.Router, authStore auth.Store) (net.Conn, *client) {
	t.Helper()
	server, peer := net.Pipe()
	conn := network.NewConnection(server, "test", &network.ConnectionConfig{})
	c := newClient(conn, cfg, r, authStore, logger.NewSlogLogger(99, nil))
	return peer, c
}

func rawConnect(t *testing.T, clientID string, clean bool) []byte {
	t.Helper()
	pkt := &codec.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: codec.ProtocolVersion311,
		CleanSession:    clean,
		ClientID:        clientID,
		KeepAlive:       30,
	}
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))
	return buf.Bytes()
}

func readPacket(t *testing.T, conn net.Conn, timeout time.Duration) codec.Packet {
	t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			status, pkt, _, _, derr := codec.TryDecode(buf)
			require.NoError(t, derr)
			if status == codec.StatusOk {
				return pkt
			}
		}
		if err != nil {
			t.Fatalf("read failed waiting for packet: %v", err)
		}
	}
}

func TestClientHandshakeAcceptsValidConnect(t *testing.T) {
	r, _ := newTestRouter(t)
	cfg := testConfig()
	peer, c := pipeClient(t, cfg, r, auth.AllowAll{})

	done := make(chan struct{})
	go func() {
		c.run(context.Background())
		close(done)
	}()

	_, err := peer.Write(rawConnect(t, "client-1", true))
	require.NoError(t, err)

	pkt := readPacket(t, peer, time.Second)
	connack, ok := pkt.(*codec.ConnackPacket)
	require.True(t, ok, "expected CONNACK, got %T", pkt)
	require.Equal(t, byte(0), connack.ReturnCode)
	require.False(t, connack.SessionPresent)

	_ = peer.Close()
	<-done
}

// An unsupported protocol name/level is rejected by the codec itself at
// decode time (decodeConnect never produces a packet in that case), so the
// socket is closed without a CONNACK, same as any other malformed CONNECT.
func TestClientHandshakeRejectsUnknownProtocol(t *testing.T) {
	r, _ := newTestRouter(t)
	cfg := testConfig()
	peer, c := pipeClient(t, cfg, r, auth.AllowAll{})

	done := make(chan struct{})
	go func() {
		c.run(context.Background())
		close(done)
	}()

	pkt := &codec.ConnectPacket{
		ProtocolName:    "MQIsdp",
		ProtocolVersion: 3,
		ClientID:        "client-2",
	}
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))
	_, err := peer.Write(buf.Bytes())
	require.NoError(t, err)

	tmp := make([]byte, 16)
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	n, err := peer.Read(tmp)
	require.Equal(t, 0, n)
	require.Error(t, err)

	<-done
}

func TestClientHandshakeDeniesAnonymousByDefault(t *testing.T) {
	r, _ := newTestRouter(t)
	cfg := testConfig()
	cfg.AllowAnonymous = false
	peer, c := pipeClient(t, cfg, r, auth.NewMemoryStore())

	done := make(chan struct{})
	go func() {
		c.run(context.Background())
		close(done)
	}()

	_, err := peer.Write(rawConnect(t, "client-3", true))
	require.NoError(t, err)

	got := readPacket(t, peer, time.Second)
	connack, ok := got.(*codec.ConnackPacket)
	require.True(t, ok)
	require.Equal(t, connackNotAuthorized, connack.ReturnCode)

	<-done
}

func TestClientRejectsEmptyClientID(t *testing.T) {
	r, _ := newTestRouter(t)
	cfg := testConfig()
	peer, c := pipeClient(t, cfg, r, auth.AllowAll{})

	done := make(chan struct{})
	go func() {
		c.run(context.Background())
		close(done)
	}()

	_, err := peer.Write(rawConnect(t, "", true))
	require.NoError(t, err)

	got := readPacket(t, peer, time.Second)
	connack, ok := got.(*codec.ConnackPacket)
	require.True(t, ok)
	require.Equal(t, connackIdentifierRejected, connack.ReturnCode)

	<-done
}

func TestClientCleanDisconnectClosesWithoutError(t *testing.T) {
	r, _ := newTestRouter(t)
	cfg := testConfig()
	peer, c := pipeClient(t, cfg, r, auth.AllowAll{})

	done := make(chan struct{})
	go func() {
		c.run(context.Background())
		close(done)
	}()

	_, err := peer.Write(rawConnect(t, "client-4", true))
	require.NoError(t, err)
	_ = readPacket(t, peer, time.Second)

	var discBuf bytes.Buffer
	require.NoError(t, (&codec.DisconnectPacket{}).Encode(&discBuf))
	_, err = peer.Write(discBuf.Bytes())
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client did not terminate after DISCONNECT")
	}
}
