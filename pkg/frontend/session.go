package frontend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/config"
	"github.com/pgfan/pgfan/pkg/params"
	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/session"
)

// errClientTerminated is the clean-exit signal raised when the client sends
// Terminate.
var errClientTerminated = errors.New("client terminated connection")

// Session represents one client connection: startup handshake, then the
// message loop that feeds the session core.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	service *Service
	conn    net.Conn
	config  *config.Config
	logger  *slog.Logger

	// The client.
	frontend Frontend

	// Client's configuration. Populated during startup.
	startupParameters map[string]string
	databaseName      string
	userName          string
	tlsState          *tls.ConnectionState
	parameterStatuses params.ParameterStatuses

	// BackendKeyData advertised to the client for cancel requests.
	pid    uint32
	secret uint32

	// core is the protocol multiplexer: transaction state, portals,
	// prepared statements.
	core *session.Session

	// Reader goroutine plumbing. Messages are only valid until the next
	// Receive, so the reader blocks until the loop returns each message via
	// disposeMsg.
	nextMsg    chan pgproto3.FrontendMessage
	disposeMsg chan pgproto3.FrontendMessage
	readErrors chan error

	// cancelReqs is fed by CancelRequest connections; the message loop
	// consumes it between messages so the core is only entered from one
	// goroutine.
	cancelReqs chan struct{}

	stmtMu     sync.Mutex
	stmtCancel context.CancelFunc
}

// Context returns the session's context, which is canceled when Close is
// called.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close cancels the session's context and releases associated resources,
// aborting any open transaction block through the coordinator.
func (s *Session) Close() {
	s.cancel()
	if s.core != nil {
		// Resolution of an open block must not be cut short by the dead
		// client connection.
		s.core.Shutdown(context.WithoutCancel(s.ctx))
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("error closing client", "error", err)
		}
	}
}

// requestCancel is called from another goroutine when a CancelRequest names
// this session. It interrupts the statement in flight and queues a cancel
// for the message loop.
func (s *Session) requestCancel() {
	s.stmtMu.Lock()
	if s.stmtCancel != nil {
		s.stmtCancel()
	}
	s.stmtMu.Unlock()

	select {
	case s.cancelReqs <- struct{}{}:
	default:
	}
}

// beginStatement creates the per-statement context a cancel request can
// interrupt.
func (s *Session) beginStatement() context.Context {
	ctx, cancel := context.WithCancel(s.ctx)
	s.stmtMu.Lock()
	s.stmtCancel = cancel
	s.stmtMu.Unlock()
	return ctx
}

func (s *Session) endStatement() {
	s.stmtMu.Lock()
	if s.stmtCancel != nil {
		s.stmtCancel()
		s.stmtCancel = nil
	}
	s.stmtMu.Unlock()
}

// Run handles the full lifecycle of a client session: the PostgreSQL
// startup handshake, then the message loop.
func (s *Session) Run() {
	defer s.Close()

	s.frontend = Frontend{ctx: s.ctx, Backend: pgproto3.NewBackend(s.conn, s.conn)}
	s.enableTracing()

	proceed, err := s.handleStartup()
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			s.logger.Error("startup failed", "error", err)
		}
		return
	}
	if !proceed {
		// Cancel-request connection; the protocol says to close without
		// responding.
		return
	}

	s.logger = s.logger.With("user", s.userName, "database", s.databaseName)
	if s.service.metrics != nil {
		s.service.metrics.ClientConnectionsTotal.WithLabelValues(s.databaseName, s.userName).Inc()
	}

	// Client authentication is a deployment concern (see package doc);
	// every startup for the configured database is trusted.
	s.frontend.Send(&pgproto3.AuthenticationOk{})

	s.initSessionProcessState()
	s.core = session.New(session.Config{
		ID:           fmt.Sprintf("s%d", s.pid),
		Logger:       s.logger,
		Metrics:      s.service.metrics,
		Classifier:   s.service.classifier,
		Router:       s.service.router,
		Pool:         s.service.pool,
		Coordinator:  s.service.coord,
		Sender:       &wireSender{frontend: &s.frontend},
		PlanCache:    s.service.plans,
		MaxHoldBytes: s.config.GetMaxHoldBuffer(),
	})

	s.sendInitialParameterStatuses()
	s.sendBackendKeyData()
	s.frontend.Send(&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)})
	if err := s.frontend.Flush(); err != nil {
		s.logger.Error("error flushing startup response", "error", err)
		return
	}

	go s.readLoop()

	if err := s.messageLoop(); err != nil {
		switch {
		case errors.Is(err, errClientTerminated):
			s.logger.Info("client terminated connection")
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.logger.Info("client closed connection")
		case errors.Is(err, context.Canceled):
		default:
			s.logger.Error("session ended with error", "error", err)
		}
	}
}

// readLoop feeds client messages to the message loop one at a time.
func (s *Session) readLoop() {
	defer s.logger.Debug("frontend reader routine exited")
	for {
		msg, err := s.frontend.Receive()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			select {
			case s.readErrors <- err:
			case <-s.ctx.Done():
			}
			return
		}

		select {
		case s.nextMsg <- msg:
		case <-s.ctx.Done():
			return
		}

		// Messages are only valid until the next call to Receive, so block
		// until the session is done with this one.
		select {
		case <-s.ctx.Done():
			return
		case returned := <-s.disposeMsg:
			if returned != msg {
				panic(fmt.Errorf("message disposed out of order: expected %T %p, got %T %p", msg, msg, returned, returned))
			}
		}
	}
}

func (s *Session) messageLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case <-s.cancelReqs:
			// The in-flight statement (if any) was already interrupted; now
			// abort the open block. Run on a detached context so resolution
			// completes even if the client is gone.
			s.logger.Info("cancel request received")
			s.core.Cancel(context.WithoutCancel(s.ctx))

		case err := <-s.readErrors:
			return err

		case msg := <-s.nextMsg:
			err := s.dispatch(msg)
			s.disposeMsg <- msg
			if err != nil {
				return err
			}
			if s.core.Fatal() {
				// Atomicity can no longer be guaranteed; the error has been
				// sent, terminate the connection.
				_ = s.frontend.Flush()
				return errors.New("session fatal: transaction outcome unresolved")
			}
		}
	}
}

// dispatch routes one client message to the session core. The core reports
// SQL-level and protocol-state errors to the client itself; an error
// returned here means the connection is unusable.
func (s *Session) dispatch(msg pgproto3.FrontendMessage) error {
	s.logger.Debug("recv client message", "type", fmt.Sprintf("%T", msg))

	ctx := s.beginStatement()
	defer s.endStatement()

	switch m := msg.(type) {
	case *pgproto3.Query:
		return s.core.HandleSimpleQuery(ctx, m.String)
	case *pgproto3.Parse:
		return s.core.HandleParse(ctx, m.Name, m.Query, m.ParameterOIDs)
	case *pgproto3.Bind:
		return s.core.HandleBind(ctx, m.DestinationPortal, m.PreparedStatement, m.Parameters,
			m.ParameterFormatCodes, m.ResultFormatCodes)
	case *pgproto3.Describe:
		return s.core.HandleDescribe(ctx, m.ObjectType, m.Name)
	case *pgproto3.Execute:
		return s.core.HandleExecute(ctx, m.Portal, int32(m.MaxRows))
	case *pgproto3.Sync:
		return s.core.HandleSync(ctx)
	case *pgproto3.Flush:
		return s.core.HandleFlush(ctx)
	case *pgproto3.Close:
		return s.core.HandleClose(ctx, m.ObjectType, m.Name)
	case *pgproto3.Terminate:
		return errClientTerminated
	case *pgproto3.FunctionCall:
		return s.sendFatal(pgerrcode.FeatureNotSupported, "function call protocol is not supported")
	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		return s.sendFatal(pgerrcode.ProtocolViolation, fmt.Sprintf("client not in copy mode: %T", msg))
	default:
		return s.sendFatal(pgerrcode.ProtocolViolation, fmt.Sprintf("unexpected client message: %T", msg))
	}
}

// handleStartup processes the initial connection: TLS negotiation, GSS
// decline, cancel requests, and the startup message itself. Returns false
// with a nil error for cancel-request connections, which carry no session.
func (s *Session) handleStartup() (bool, error) {
	startupMsg, err := s.frontend.ReceiveStartupMessage()
	if err != nil {
		return false, fmt.Errorf("failed to read startup message: %w", err)
	}

	if _, ok := startupMsg.(*pgproto3.SSLRequest); ok {
		if err := s.handleSSLRequest(); err != nil {
			return false, fmt.Errorf("SSL negotiation failed: %w", err)
		}
		startupMsg, err = s.frontend.ReceiveStartupMessage()
		if err != nil {
			return false, fmt.Errorf("failed to read startup message after TLS: %w", err)
		}
	}

	if _, ok := startupMsg.(*pgproto3.GSSEncRequest); ok {
		// Decline GSS encryption.
		if _, err := s.conn.Write([]byte{'N'}); err != nil {
			return false, fmt.Errorf("failed to decline GSS encryption: %w", err)
		}
		startupMsg, err = s.frontend.ReceiveStartupMessage()
		if err != nil {
			return false, fmt.Errorf("failed to read startup message after GSS decline: %w", err)
		}
	}

	if cancelMsg, ok := startupMsg.(*pgproto3.CancelRequest); ok {
		s.service.cancelSession(cancelMsg.ProcessID, cancelMsg.SecretKey)
		return false, nil
	}

	if s.config.TLS != nil && s.config.TLS.Required() && s.tlsState == nil {
		s.sendStartupError(pgerrcode.ProtocolViolation, "SSL/TLS required")
		return false, errors.New("SSL/TLS required but client did not request SSL")
	}

	startup, ok := startupMsg.(*pgproto3.StartupMessage)
	if !ok {
		return false, fmt.Errorf("expected StartupMessage, got %T", startupMsg)
	}

	s.startupParameters = startup.Parameters
	s.userName = startup.Parameters["user"]
	s.databaseName = startup.Parameters["database"]

	if s.userName == "" {
		s.sendStartupError(pgerrcode.InvalidAuthorizationSpecification, "no user specified")
		return false, errors.New("no user specified in startup message")
	}
	if s.databaseName == "" {
		// Default to username if no database specified (PostgreSQL behavior).
		s.databaseName = s.userName
	}

	if s.databaseName != s.config.Database {
		s.sendStartupError(pgerrcode.InvalidCatalogName, fmt.Sprintf("database %q does not exist", s.databaseName))
		return false, fmt.Errorf("unknown database: %s", s.databaseName)
	}

	return true, nil
}

// handleSSLRequest handles the SSL/TLS negotiation.
func (s *Session) handleSSLRequest() error {
	if s.service.tlsConfig == nil {
		// TLS not configured, decline.
		_, err := s.conn.Write([]byte{'N'})
		return err
	}

	if _, err := s.conn.Write([]byte{'S'}); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.service.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	s.conn = tlsConn
	state := tlsConn.ConnectionState()
	s.tlsState = &state

	// Recreate the pgproto3 backend over the TLS connection.
	s.frontend = Frontend{ctx: s.ctx, Backend: pgproto3.NewBackend(s.conn, s.conn)}
	s.enableTracing()
	return nil
}

func (s *Session) initSessionProcessState() {
	s.pid = s.service.allocPID()
	s.secret = rand.Uint32()
	s.logger = s.logger.With("pid", s.pid)
	s.service.registerCancelKey(s.pid, s.secret, s)

	s.parameterStatuses = maps.Clone(params.BaseParameterStatuses)
	maps.Insert(s.parameterStatuses, s.config.DefaultStartupParameters.All())
	for _, key := range params.BaseTrackedParameters {
		if value, ok := s.startupParameters[key]; ok {
			s.parameterStatuses[key] = value
		}
	}
}

func (s *Session) sendInitialParameterStatuses() {
	for key, value := range s.parameterStatuses {
		s.frontend.Send(&pgproto3.ParameterStatus{Name: key, Value: value})
	}
}

func (s *Session) sendBackendKeyData() {
	s.frontend.Send(&pgproto3.BackendKeyData{
		ProcessID: s.pid,
		SecretKey: s.secret,
	})
}

// sendFatal reports a connection-level protocol error and signals the
// message loop to terminate.
func (s *Session) sendFatal(code string, message string) error {
	s.logger.Warn("fatal protocol error", "code", code, "message", message)
	s.frontend.Send(&pgproto3.ErrorResponse{
		Severity: string(pgwire.ErrorFatal),
		Code:     code,
		Message:  message,
	})
	_ = s.frontend.Flush()
	return fmt.Errorf("%s: %s", code, message)
}

// sendStartupError reports a startup failure. The connection closes after.
func (s *Session) sendStartupError(code string, message string) {
	s.frontend.Send(&pgproto3.ErrorResponse{
		Severity: string(pgwire.ErrorFatal),
		Code:     code,
		Message:  message,
	})
	if err := s.frontend.Flush(); err != nil {
		s.logger.Error("error flushing to client", "error", err)
	}
}

// enableTracing enables pgproto3 protocol tracing if debug logging is
// enabled.
func (s *Session) enableTracing() {
	if s.logger.Enabled(s.ctx, slog.LevelDebug) {
		s.frontend.Trace(&slogTraceWriter{logger: func() *slog.Logger { return s.logger }}, pgproto3.TracerOptions{
			SuppressTimestamps: true,
		})
	}
}
