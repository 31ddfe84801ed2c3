package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/axmq/ax/auth"
	"github.com/axmq/ax/codec"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/router"
)

// client drives one accepted TCP socket through Accepted -> AwaitingConnect
// -> Active -> Closed. It is created fresh per connection and discarded on
// teardown; all its state is private to its own goroutines.
type client struct {
	conn   *network.Connection
	cfg    Config
	router *router.Router
	auth   auth.Store
	log    logger.Logger

	clientID     string
	cleanSession bool

	outbox       router.Outbox
	keepAlive    time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
	writerDoneCh chan struct{}
}

func newClient(conn *network.Connection, cfg Config, r *router.Router, authStore auth.Store, log logger.Logger) *client {
	return &client{
		conn:         conn,
		cfg:          cfg,
		router:       r,
		auth:         authStore,
		log:          log,
		outbox:       make(router.Outbox, cfg.OutboxSize),
		stopCh:       make(chan struct{}),
		writerDoneCh: make(chan struct{}),
	}
}

// run executes the full connection lifecycle and returns once the socket
// is fully closed and both loops have exited.
func (c *client) run(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetWriteTimeout(c.cfg.WriteStallTimeout)

	connectPkt, leftover, ok := c.awaitConnect()
	if !ok {
		return
	}

	if !c.handshake(ctx, connectPkt) {
		return
	}

	go c.writeLoop()

	if connectPkt.KeepAlive == 0 {
		c.keepAlive = c.cfg.DefaultKeepAlive
	} else {
		c.keepAlive = time.Duration(connectPkt.KeepAlive) * time.Second
	}
	c.conn.SetKeepAliveWindow(c.keepAlive)

	c.readLoop(ctx, leftover)

	c.stop()
	<-c.writerDoneCh
}

// awaitConnect enforces the AwaitingConnect state: the only legal inbound
// packet is CONNECT, within cfg.ConnectTimeout; anything else closes the
// socket without a CONNACK.
// The returned leftover bytes are anything the peer pipelined behind the
// CONNECT itself; they belong to the Active state's read loop.
func (c *client) awaitConnect() (*codec.ConnectPacket, []byte, bool) {
	c.conn.SetReadTimeout(c.cfg.ConnectTimeout)

	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 1024)

	for {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			status, pkt, consumed, _, derr := codec.TryDecode(buf)
			switch status {
			case codec.StatusOk:
				buf = buf[consumed:]
				connectPkt, ok := pkt.(*codec.ConnectPacket)
				if !ok {
					return nil, nil, false
				}
				return connectPkt, buf, true
			case codec.StatusError:
				_ = derr
				return nil, nil, false
			case codec.StatusNeedMore:
				if len(buf) > c.cfg.MaxReadBuffer {
					return nil, nil, false
				}
			}
		}
		if err != nil {
			return nil, nil, false
		}
	}
}

// handshake validates protocol level, authenticates, registers with the
// Router, and sends CONNACK. It returns false if the connection must be
// torn down (either no CONNACK was warranted, or it was sent with a
// failure code).
func (c *client) handshake(ctx context.Context, pkt *codec.ConnectPacket) bool {
	if pkt.ProtocolName != "MQTT" || pkt.ProtocolVersion != codec.ProtocolVersion311 {
		c.sendConnackAndClose(connackUnacceptableProtocol)
		return false
	}

	if pkt.UsernameFlag {
		ok, err := c.auth.Authenticate(ctx, pkt.Username, pkt.Password)
		if err != nil {
			c.sendConnackAndClose(connackServerUnavailable)
			return false
		}
		if !ok {
			c.sendConnackAndClose(connackBadUsernameOrPassword)
			return false
		}
	} else if !c.cfg.AllowAnonymous {
		c.sendConnackAndClose(connackNotAuthorized)
		return false
	}

	if pkt.ClientID == "" {
		c.sendConnackAndClose(connackIdentifierRejected)
		return false
	}

	var will *router.Will
	if pkt.WillFlag {
		will = &router.Will{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}
	}

	c.clientID = pkt.ClientID
	c.cleanSession = pkt.CleanSession

	present, err := c.router.Connect(ctx, c.clientID, c.cleanSession, will, c.outbox)
	if err != nil {
		return false
	}

	return c.writeConnack(&codec.ConnackPacket{SessionPresent: present, ReturnCode: connackAccepted})
}

func (c *client) sendConnackAndClose(code byte) {
	_ = c.writeConnack(&codec.ConnackPacket{ReturnCode: code})
}

func (c *client) writeConnack(pkt *codec.ConnackPacket) bool {
	if err := c.writePacket(pkt); err != nil {
		return false
	}
	return pkt.ReturnCode == connackAccepted
}

// readLoop decodes packets off the socket and forwards them to the Router
// until the socket closes, a malformed/protocol error occurs, or the
// keepalive deadline is exceeded.
func (c *client) readLoop(ctx context.Context, leftover []byte) {
	buf := append(make([]byte, 0, 4096), leftover...)
	tmp := make([]byte, 4096)

	reason := router.ReasonAbnormal

	for {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				status, pkt, consumed, _, _ := codec.TryDecode(buf)
				if status == codec.StatusNeedMore {
					if len(buf) > c.cfg.MaxReadBuffer {
						c.router.Disconnect(c.clientID, reason, c.outbox)
						return
					}
					break
				}
				if status == codec.StatusError {
					c.router.Disconnect(c.clientID, reason, c.outbox)
					return
				}
				buf = buf[consumed:]

				if _, isDisconnect := pkt.(*codec.DisconnectPacket); isDisconnect {
					reason = router.ReasonClean
				}
				c.router.Inbound(c.clientID, pkt)
				if reason == router.ReasonClean {
					return
				}
			}
		}
		if err != nil {
			if isTimeout(err) && !c.conn.KeepAliveExpired() {
				continue
			}
			c.router.Disconnect(c.clientID, router.ReasonAbnormal, c.outbox)
			return
		}
		select {
		case <-ctx.Done():
			c.router.Disconnect(c.clientID, router.ReasonAbnormal, c.outbox)
			return
		default:
		}
	}
}

// writeLoop drains the Router-owned outbox, serializing and writing each
// packet in order, until the Router closes the outbox or the socket dies.
func (c *client) writeLoop() {
	defer close(c.writerDoneCh)
	defer c.conn.Close()

	for {
		select {
		case pkt, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.writePacket(pkt); err != nil {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

// encoder is implemented by every codec packet type; codec.Packet itself
// only guarantees PacketType(), so writePacket asserts to this narrower
// interface to serialize.
type encoder interface {
	Encode(w io.Writer) error
}

func (c *client) writePacket(pkt codec.Packet) error {
	enc, ok := pkt.(encoder)
	if !ok {
		return fmt.Errorf("broker: packet type %T has no Encode method", pkt)
	}
	return enc.Encode(c.conn)
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
