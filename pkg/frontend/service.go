package frontend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/config"
	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/observability"
	"github.com/pgfan/pgfan/pkg/router"
	"github.com/pgfan/pgfan/pkg/session"
	"github.com/pgfan/pgfan/pkg/shard"
)

// ShutdownMode describes how the service is being stopped.
type ShutdownMode int32

const (
	// ShutdownNone means the service is running normally.
	ShutdownNone ShutdownMode = iota
	// ShutdownWaitForClients stops accepting new connections but lets
	// existing sessions finish.
	ShutdownWaitForClients
	// ShutdownImmediate cancels every session's context. Open transaction
	// blocks are aborted through the coordinator as each session shuts down.
	ShutdownImmediate
)

func (m ShutdownMode) String() string {
	switch m {
	case ShutdownNone:
		return "none"
	case ShutdownWaitForClients:
		return "wait_for_clients"
	case ShutdownImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("unknown(%d)", int32(m))
	}
}

// Service accepts client connections on the configured addresses and runs
// one Session per connection.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	config    *config.Config
	tlsConfig *tls.Config
	metrics   *observability.Metrics

	classifier router.Classifier
	router     router.Router
	pool       session.ShardPool
	coord      *coordinator.Coordinator
	plans      *session.PlanCache

	// ownedPools is set when the service created the shard pools itself and
	// must close them on shutdown. Tests inject a pool and keep ownership.
	ownedPools *shard.Pools

	listeners []net.Listener

	shutdownMode atomic.Int32
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	nextPID atomic.Uint32

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	cancelKey map[uint32]cancelEntry
	wg        sync.WaitGroup
}

// cancelEntry maps a BackendKeyData pair to the session it can cancel.
type cancelEntry struct {
	secret  uint32
	session *Session
}

// NewService creates a frontend Service: validates the config, loads TLS,
// and connects the shard pools. fsys is the filesystem TLS certificate paths
// are resolved against.
func NewService(ctx context.Context, cfg *config.Config, fsys fs.FS, secrets *config.SecretCache, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if err := cfg.Validate(ctx, secrets); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		if err := cfg.TLS.Validate(fsys); err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		result, err := cfg.TLS.NewTLS(fsys, func(p string) string { return p })
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		tlsConfig = result.Config
		for _, f := range result.WrittenFiles {
			logger.Info("wrote TLS certificate file", "path", f)
		}
	}

	pools, err := shard.NewPoolsFromConfig(ctx, cfg, secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("shard pools: %w", err)
	}

	svc := newService(ctx, cfg, logger, metrics)
	svc.tlsConfig = tlsConfig
	svc.pool = pools
	svc.ownedPools = pools
	return svc, nil
}

// NewServiceWithPool creates a Service over an externally managed shard
// pool, used by tests and embedders that wire their own backends.
func NewServiceWithPool(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, pool session.ShardPool) *Service {
	svc := newService(ctx, cfg, logger, metrics)
	svc.pool = pool
	return svc
}

func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Service {
	innerCtx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:        innerCtx,
		cancel:     cancel,
		logger:     logger,
		config:     cfg,
		metrics:    metrics,
		classifier: router.KeywordClassifier{},
		router:     router.StaticRouter{Shards: shard.ShardIDs(cfg)},
		coord: coordinator.New(logger, coordinator.RetryPolicy{
			MaxAttempts: cfg.Coordinator.MaxAttempts,
			BaseDelay:   cfg.Coordinator.RetryBaseDelay.Duration(),
			MaxDelay:    cfg.Coordinator.RetryMaxDelay.Duration(),
		}, metrics),
		plans:      session.NewPlanCache(1024),
		shutdownCh: make(chan struct{}),
		sessions:   make(map[*Session]struct{}),
		cancelKey:  make(map[uint32]cancelEntry),
	}
}

// Listen starts accepting connections on all configured addresses. It
// returns when the service shuts down or a listener fails.
func (s *Service) Listen() error {
	for _, addr := range s.config.Listen {
		ln, err := net.Listen("tcp", addr.String())
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("listening", "addr", addr.String())
	}

	go s.shutdownHandler()

	var acceptWg sync.WaitGroup
	errCh := make(chan error, len(s.listeners))
	for _, ln := range s.listeners {
		acceptWg.Add(1)
		go func(ln net.Listener) {
			defer acceptWg.Done()
			if err := s.acceptLoop(ln); err != nil {
				errCh <- err
			}
		}(ln)
	}
	acceptWg.Wait()

	// Accept loops exited: either shutdown was requested or a listener
	// failed. Wait for sessions to finish. In immediate mode their contexts
	// are already cancelled and they exit as soon as their current statement
	// resolves.
	s.wg.Wait()

	if s.ownedPools != nil {
		s.ownedPools.Close()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	return nil
}

func (s *Service) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || s.IsShuttingDown() {
				return nil
			}
			return err
		}

		sess := s.newSession(conn)
		s.track(sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			sess.Run()
		}()
	}
}

// shutdownHandler closes the listeners once shutdown is requested, and in
// immediate mode tears down every live session.
func (s *Service) shutdownHandler() {
	select {
	case <-s.ctx.Done():
	case <-s.shutdownCh:
	}

	s.closeListeners()

	if s.GetShutdownMode() == ShutdownImmediate || s.ctx.Err() != nil {
		s.cancelAllSessions()
	}
}

func (s *Service) closeListeners() {
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) && s.logger != nil {
			s.logger.Error("error closing listener", "error", err)
		}
	}
}

// cancelAllSessions cancels every session's context and closes its client
// connection, unblocking any read in progress.
func (s *Service) cancelAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.cancel()
		if sess.conn != nil {
			_ = sess.conn.Close()
		}
	}
}

// Shutdown initiates shutdown in the given mode. A repeated call escalates
// wait-for-clients to immediate. Returns the mode now in effect.
func (s *Service) Shutdown(mode ShutdownMode) ShutdownMode {
	s.mu.Lock()
	current := ShutdownMode(s.shutdownMode.Load())
	if current == ShutdownImmediate {
		s.mu.Unlock()
		return current
	}
	if current == ShutdownWaitForClients && mode == ShutdownWaitForClients {
		mode = ShutdownImmediate
	}
	s.shutdownMode.Store(int32(mode))
	s.mu.Unlock()

	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	if mode == ShutdownImmediate {
		s.cancel()
	}
	if s.logger != nil {
		s.logger.Info("shutdown requested", "mode", mode.String())
	}
	return mode
}

// GetShutdownMode returns the current shutdown mode.
func (s *Service) GetShutdownMode() ShutdownMode {
	return ShutdownMode(s.shutdownMode.Load())
}

// IsShuttingDown reports whether any shutdown has been requested.
func (s *Service) IsShuttingDown() bool {
	return s.GetShutdownMode() != ShutdownNone
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) newSession(conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Session{
		ctx:     ctx,
		cancel:  cancel,
		service: s,
		conn:    conn,
		config:  s.config,
		logger:  s.logger.With("client", conn.RemoteAddr().String()),

		nextMsg:    make(chan pgproto3.FrontendMessage),
		disposeMsg: make(chan pgproto3.FrontendMessage),
		readErrors: make(chan error, 1),
		cancelReqs: make(chan struct{}, 1),
	}
}

func (s *Service) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
}

func (s *Service) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	if sess.pid != 0 {
		delete(s.cancelKey, sess.pid)
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
}

// allocPID hands out per-process "backend PIDs" for BackendKeyData. They
// only need to be unique within this proxy process.
func (s *Service) allocPID() uint32 {
	return s.nextPID.Add(1)
}

func (s *Service) registerCancelKey(pid, secret uint32, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelKey[pid] = cancelEntry{secret: secret, session: sess}
}

// cancelSession handles a CancelRequest received on a second connection: if
// the key pair matches a live session, that session's current statement is
// cancelled. An unknown or mismatched key is ignored without a response,
// matching PostgreSQL.
func (s *Service) cancelSession(pid, secret uint32) {
	s.mu.Lock()
	entry, ok := s.cancelKey[pid]
	s.mu.Unlock()
	if !ok || entry.secret != secret {
		s.logger.Warn("ignoring cancel request with unknown key", "pid", pid)
		return
	}
	entry.session.requestCancel()
}
