// Command axmqd runs the broker as a standalone process: parse flags,
// assemble the topic index, session store, and auth store, start the
// Server, and block until SIGINT/SIGTERM trigger a graceful shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axmq/ax/auth"
	"github.com/axmq/ax/broker"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/store"
	"github.com/axmq/ax/topic"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:1883", "listen address")
	allowAnonymous := flag.Bool("allow-anonymous", false, "accept CONNECT packets with no username")
	sqlitePath := flag.String("auth-sqlite", "", "path to a sqlite3 users database; when empty, any credentials are accepted if anonymous access is allowed, otherwise every username is rejected")
	sessionPebblePath := flag.String("session-store", "", "path to a pebble directory for session persistence; empty uses an in-memory store")
	sessionRedisAddr := flag.String("session-store-redis", "", "redis host:port for session persistence; overrides -session-store when set")
	retainedPebblePath := flag.String("retained-store", "", "path to a pebble directory for retained-message persistence; empty uses an in-memory store")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "max time a socket may wait in AwaitingConnect")
	shutdownGrace := flag.Duration("shutdown-grace", 5*time.Second, "max time Shutdown waits for in-flight writes to flush")
	logLevel := flag.String("log-level", "info", "one of debug, info, warn, error")
	configPath := flag.String("config", "", "path to a YAML config file; flags override its values")
	flag.Parse()

	log := logger.NewSlogLogger(parseLevel(*logLevel), os.Stdout)

	cfg := broker.DefaultConfig()
	if *configPath != "" {
		fileCfg, err := broker.LoadConfigFile(*configPath)
		if err != nil {
			log.Error("axmqd: failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	// Only a flag the operator actually passed overrides the config file;
	// a flag left at its default must not clobber a file-provided value.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["addr"] {
		cfg.Addr = *addr
	}
	if set["allow-anonymous"] {
		cfg.AllowAnonymous = *allowAnonymous
	}
	if set["connect-timeout"] {
		cfg.ConnectTimeout = *connectTimeout
	}
	if set["shutdown-grace"] {
		cfg.ShutdownGrace = *shutdownGrace
	}

	authStore, err := newAuthStore(*sqlitePath, cfg.AllowAnonymous)
	if err != nil {
		log.Error("axmqd: failed to open auth store", "error", err)
		os.Exit(1)
	}

	sessionStore, err := newSessionStore(*sessionPebblePath, *sessionRedisAddr)
	if err != nil {
		log.Error("axmqd: failed to open session store", "error", err)
		os.Exit(1)
	}

	retainedStore, err := newRetainedStore(*retainedPebblePath)
	if err != nil {
		log.Error("axmqd: failed to open retained store", "error", err)
		os.Exit(1)
	}
	index := topic.NewIndex(retainedStore)

	srv, err := broker.New(cfg, index, sessionStore, authStore, log)
	if err != nil {
		log.Error("axmqd: failed to assemble server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Error("axmqd: failed to start", "error", err)
		os.Exit(1)
	}

	log.Info("axmqd: broker started", "addr", srv.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("axmqd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("axmqd: shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("axmqd: stopped")
}

func newAuthStore(sqlitePath string, allowAnonymous bool) (auth.Store, error) {
	if sqlitePath == "" {
		if allowAnonymous {
			return auth.AllowAll{}, nil
		}
		return auth.NewMemoryStore(), nil
	}
	return auth.OpenSQLiteStore(sqlitePath)
}

func newSessionStore(pebblePath, redisAddr string) (session.Store, error) {
	if redisAddr != "" {
		return session.NewRedisStore(session.RedisStoreConfig{Addr: redisAddr})
	}
	if pebblePath == "" {
		return session.NewMemoryStore(), nil
	}
	return session.NewPebbleStore(session.PebbleStoreConfig{Path: pebblePath})
}

func newRetainedStore(path string) (topic.RetainedStore, error) {
	if path == "" {
		return nil, nil
	}
	backend, err := store.NewPebbleStore[store.RetainedRecord](store.PebbleStoreConfig{Path: path, Prefix: "retained:"})
	if err != nil {
		return nil, err
	}
	return store.NewPersistentRetainedStore(backend), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
