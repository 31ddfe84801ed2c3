package network

import "errors"

// Errors surfaced by the socket-level primitives (Connection, Listener,
// Pool) this package wraps around net.Conn/net.Listener.
var (
	ErrConnectionClosed        = errors.New("network: connection closed")
	ErrConnectionNotFound      = errors.New("network: connection not found")
	ErrConnectionPoolExhausted = errors.New("network: connection pool exhausted")
	ErrInvalidAddress          = errors.New("network: invalid address")
	ErrInvalidPoolConfig       = errors.New("network: invalid pool configuration")
	ErrListenerClosed          = errors.New("network: listener closed")
	ErrPoolClosed              = errors.New("network: pool closed")
	ErrGracefulShutdownTimeout = errors.New("network: graceful shutdown timeout")
)
