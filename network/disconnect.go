package network

import (
	"context"
	"sync"
	"time"
)

// DisconnectReason is this package's own server-side bookkeeping for why a
// Connection is being torn down. MQTT 3.1.1's wire DISCONNECT packet (see
// codec.DisconnectPacket) carries no reason at all and only ever flows
// client-to-server; a DisconnectReason never goes on the wire, it just tells
// DisconnectManager's registered handlers why the broker closed the socket.
type DisconnectReason byte

const (
	DisconnectNormalDisconnection DisconnectReason = iota
	DisconnectServerBusy
	DisconnectServerShuttingDown
	DisconnectKeepAliveTimeout
)

// DisconnectPacket is the internal notification handed to every
// DisconnectHandler, not a wire packet.
type DisconnectPacket struct {
	ReasonCode      DisconnectReason
	ReasonString    string
	ServerReference string
}

type DisconnectHandler func(*Connection, *DisconnectPacket) error

// DisconnectManager fans a disconnect notification out to every handler
// registered with OnDisconnect, and bounds how long a graceful close can
// take before GracefulDisconnect gives up and forces the socket shut.
type DisconnectManager struct {
	mu              sync.RWMutex
	handlers        []DisconnectHandler
	gracefulTimeout time.Duration
}

// NewDisconnectManager builds a DisconnectManager; gracefulTimeout of 0
// defaults to 5s.
func NewDisconnectManager(gracefulTimeout time.Duration) *DisconnectManager {
	if gracefulTimeout == 0 {
		gracefulTimeout = 5 * time.Second
	}

	return &DisconnectManager{
		handlers:        make([]DisconnectHandler, 0),
		gracefulTimeout: gracefulTimeout,
	}
}

// OnDisconnect registers handler to be called, in registration order, on
// every HandleDisconnect.
func (dm *DisconnectManager) OnDisconnect(handler DisconnectHandler) {
	dm.mu.Lock()
	dm.handlers = append(dm.handlers, handler)
	dm.mu.Unlock()
}

// HandleDisconnect runs the registered handlers against packet, stopping at
// the first error.
func (dm *DisconnectManager) HandleDisconnect(conn *Connection, packet *DisconnectPacket) error {
	dm.mu.RLock()
	handlers := dm.snapshotHandlers()
	dm.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(conn, packet); err != nil {
			return err
		}
	}

	return nil
}

func (dm *DisconnectManager) snapshotHandlers() []DisconnectHandler {
	handlers := make([]DisconnectHandler, len(dm.handlers))
	copy(handlers, dm.handlers)
	return handlers
}

// GracefulDisconnect runs the registered handlers and then closes conn,
// forcing the close if that doesn't finish within the manager's
// gracefulTimeout.
func (dm *DisconnectManager) GracefulDisconnect(ctx context.Context, conn *Connection, reason DisconnectReason) error {
	packet := &DisconnectPacket{ReasonCode: reason}

	timeoutCtx, cancel := context.WithTimeout(ctx, dm.gracefulTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := dm.HandleDisconnect(conn, packet); err != nil {
			done <- err
			return
		}
		done <- conn.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		_ = conn.Close()
		return ErrGracefulShutdownTimeout
	}
}

// SendDisconnect notifies the registered handlers of packet without closing
// conn itself; a nil packet is treated as a normal disconnect.
func (dm *DisconnectManager) SendDisconnect(conn *Connection, packet *DisconnectPacket) error {
	if packet == nil {
		packet = &DisconnectPacket{ReasonCode: DisconnectNormalDisconnection}
	}

	return dm.HandleDisconnect(conn, packet)
}

// GracefulShutdown drains every Connection in a Pool through a
// DisconnectManager, bounded by timeout. Server.Shutdown uses one to tear
// down all live clients when axmqd receives SIGTERM.
type GracefulShutdown struct {
	pool    *Pool
	dm      *DisconnectManager
	timeout time.Duration

	mu       sync.Mutex
	shutdown bool
}

// NewGracefulShutdown builds a GracefulShutdown; timeout of 0 defaults to
// 30s.
func NewGracefulShutdown(pool *Pool, dm *DisconnectManager, timeout time.Duration) *GracefulShutdown {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		pool:    pool,
		dm:      dm,
		timeout: timeout,
	}
}

// Shutdown asks every connection in the pool to disconnect with reason
// DisconnectServerShuttingDown and waits for all of them, or for ctx's
// deadline (bounded further by gs.timeout). A second call is a no-op.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	if gs.shutdown {
		gs.mu.Unlock()
		return nil
	}
	gs.shutdown = true
	gs.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	gs.pool.ForEach(func(conn *Connection) bool {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			if err := gs.dm.GracefulDisconnect(timeoutCtx, c, DisconnectServerShuttingDown); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(conn)

		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case err := <-errCh:
		return err
	case <-timeoutCtx.Done():
		return ErrGracefulShutdownTimeout
	}
}

// IsShutdown reports whether Shutdown has been called.
func (gs *GracefulShutdown) IsShutdown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.shutdown
}
