package network

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState tracks a Connection's lifecycle; Read consults it to
// refuse I/O once Close has begun, and the Pool's reaper uses it to find
// sockets that died without being removed.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateClosing
	StateClosed
)

// Connection wraps one accepted net.Conn with the bookkeeping an MQTT
// broker needs on top of it: a stable ID for the Pool, the last-inbound
// activity clock the protocol keepalive rule is measured against, byte
// counters, and per-read/per-write deadlines.
type Connection struct {
	conn net.Conn
	id   string

	state        atomic.Int32
	lastActivity atomic.Int64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	// keepAlive is the CONNECT-negotiated MQTT keepalive interval; the
	// broker treats the connection as lost once no inbound bytes have
	// arrived for 1.5 times this window.
	keepAlive     time.Duration
	readDeadline  time.Duration
	writeDeadline time.Duration

	closeOnce sync.Once
	closeCh   chan struct{}
}

// ConnectionConfig sets a Connection's initial read/write deadlines.
type ConnectionConfig struct {
	ReadDeadline  time.Duration
	WriteDeadline time.Duration
}

// NewConnection wraps conn as a Connection in StateConnected. A nil cfg
// leaves both deadlines unset; Client installs the CONNECT deadline and,
// after the handshake, the keepalive window itself.
func NewConnection(conn net.Conn, id string, cfg *ConnectionConfig) *Connection {
	if cfg == nil {
		cfg = &ConnectionConfig{}
	}

	c := &Connection{
		conn:          conn,
		id:            id,
		readDeadline:  cfg.ReadDeadline,
		writeDeadline: cfg.WriteDeadline,
		closeCh:       make(chan struct{}),
	}

	c.state.Store(int32(StateConnected))
	c.updateActivity()

	return c
}

// ID returns the connection's Pool key, assigned by the Listener.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Read fills b from the socket, refreshing the read deadline and the
// activity clock the keepalive rule measures from.
func (c *Connection) Read(b []byte) (int, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}

	if c.readDeadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readDeadline))
	}

	n, err := c.conn.Read(b)
	if n > 0 {
		c.bytesRead.Add(uint64(n))
		c.updateActivity()
	}

	return n, err
}

// Write sends b on the socket, refreshing the write deadline.
func (c *Connection) Write(b []byte) (int, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}

	if c.writeDeadline > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	}

	n, err := c.conn.Write(b)
	if n > 0 {
		c.bytesWritten.Add(uint64(n))
	}

	return n, err
}

// Close is idempotent: only the first call closes the underlying socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.closeCh)
		err = c.conn.Close()
		c.state.Store(int32(StateClosed))
	})
	return err
}

// CloseChan returns a channel closed once Close has run, for a goroutine
// that needs to select on connection teardown.
func (c *Connection) CloseChan() <-chan struct{} {
	return c.closeCh
}

func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent successful Read.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IdleDuration is how long it's been since LastActivity.
func (c *Connection) IdleDuration() time.Duration {
	return time.Since(c.LastActivity())
}

func (c *Connection) BytesRead() uint64 {
	return c.bytesRead.Load()
}

func (c *Connection) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

// SetReadTimeout updates the deadline applied to subsequent Read calls.
// Client uses it for the fixed CONNECT deadline; once the handshake
// completes, SetKeepAliveWindow takes over.
func (c *Connection) SetReadTimeout(d time.Duration) {
	c.readDeadline = d
}

// SetWriteTimeout updates the deadline applied to subsequent Write calls,
// bounding how long a single write may stall before the connection is
// treated as dead.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.writeDeadline = d
}

// SetKeepAliveWindow installs the CONNECT-negotiated keepalive interval:
// subsequent reads time out after 1.5 times the window, the grace the MQTT
// keepalive rule allows before the broker must drop the client.
func (c *Connection) SetKeepAliveWindow(keepAlive time.Duration) {
	c.keepAlive = keepAlive
	c.readDeadline = keepAlive + keepAlive/2
}

// KeepAliveExpired reports whether the client has been silent past 1.5
// times the negotiated keepalive. A read timeout with KeepAliveExpired
// false is a spurious deadline (some bytes arrived since the deadline was
// armed), not a keepalive violation.
func (c *Connection) KeepAliveExpired() bool {
	if c.keepAlive <= 0 {
		return false
	}
	return c.IdleDuration() >= c.keepAlive+c.keepAlive/2
}
