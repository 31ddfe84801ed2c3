package broker

import (
	"context"
	"sync"

	"github.com/axmq/ax/auth"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/router"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
)

// Server is the Acceptor: it owns the listen socket and the connection
// pool, and spawns one Client state machine per accepted TCP connection.
// The Router, topic index, and stores are shared across every Client.
type Server struct {
	cfg Config
	log logger.Logger

	listener *network.Listener
	pool     *network.Pool
	router   *router.Router

	auth     auth.Store
	sessions session.Store

	routerCtx    context.Context
	routerCancel context.CancelFunc

	wg sync.WaitGroup
}

// New assembles a Server. authStore and sessionStore are the external
// collaborators described in §6; pass auth.AllowAll{} or
// session.NewMemoryStore() for a development broker.
func New(cfg Config, index *topic.Index, sessionStore session.Store, authStore auth.Store, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.NewSlogLogger(0, nil)
	}

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}

	r := router.New(index, sessionStore, log, router.DefaultConfig())

	listenerCfg := network.DefaultListenerConfig(cfg.Addr)
	listener, err := network.NewListener(listenerCfg, pool)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		listener: listener,
		pool:     pool,
		router:   r,
		auth:     authStore,
		sessions: sessionStore,
	}

	listener.OnConnection(s.onConnection)
	return s, nil
}

// Start restores persisted sessions, starts the router's event loop, and
// begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.routerCtx, s.routerCancel = context.WithCancel(ctx)

	if err := s.router.Restore(s.routerCtx); err != nil {
		s.log.Warn("broker: failed to restore sessions", "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.router.Run(s.routerCtx)
	}()

	if err := s.listener.Start(); err != nil {
		s.routerCancel()
		return err
	}

	s.log.Info("broker: listening", "addr", s.cfg.Addr)
	return nil
}

// onConnection is the Listener's ConnectionHandler: it spawns a Client for
// the freshly accepted socket and returns immediately, leaving the
// connection's lifetime to the Client's own goroutines.
func (s *Server) onConnection(conn *network.Connection) error {
	c := newClient(conn, s.cfg, s.router, s.auth, s.log)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(s.routerCtx)
		_ = s.pool.Remove(conn.ID())
	}()
	return nil
}

// Shutdown stops accepting connections, asks every live connection to
// close, and waits up to cfg.ShutdownGrace for them to flush before
// canceling the router.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.listener.Close(); err != nil {
		s.log.Warn("broker: listener close error", "error", err)
	}

	dm := network.NewDisconnectManager(s.cfg.ShutdownGrace)
	dm.OnDisconnect(func(conn *network.Connection, _ *network.DisconnectPacket) error {
		return conn.Close()
	})
	shutdown := network.NewGracefulShutdown(s.pool, dm, s.cfg.ShutdownGrace)
	if err := shutdown.Shutdown(ctx); err != nil {
		s.log.Warn("broker: graceful shutdown incomplete", "error", err)
	}

	if s.routerCancel != nil {
		s.routerCancel()
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listener's bound address, useful in tests that bind to
// port 0.
func (s *Server) Addr() string {
	if addr := s.listener.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}
