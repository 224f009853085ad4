package session

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgproto3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/observability"
	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/router"
)

// ShardPool hands out shard connections. Implemented by pkg/shard; the
// session treats an acquired participant as exclusively owned until it
// reaches a terminal phase and is released.
type ShardPool interface {
	Acquire(ctx context.Context, shard router.ShardID) (coordinator.Participant, error)
}

// StatementDescriber is implemented by shard connections that can report a
// statement's parameter and result shape without executing it. Connections
// that cannot leave the session answering Describe with NoData until the
// first execution reveals the shape.
type StatementDescriber interface {
	DescribeStatement(ctx context.Context, sql string, paramOIDs []uint32) ([]uint32, *pgproto3.RowDescription, error)
}

// ResponseSender is where the session writes client-bound protocol messages.
// Sends buffer; Flush pushes the buffer to the wire. Implemented by
// pkg/frontend over a pgproto3 backend, and by an in-memory recorder in
// tests.
type ResponseSender interface {
	SendRowDescription(desc *pgproto3.RowDescription)
	SendDataRow(values [][]byte)
	SendCommandComplete(tag string)
	SendEmptyQueryResponse()
	SendParseComplete()
	SendBindComplete()
	SendCloseComplete()
	SendPortalSuspended()
	SendNoData()
	SendParameterDescription(oids []uint32)
	SendError(err *pgwire.Err)
	SendReadyForQuery(status pgwire.TxStatus)
	Flush() error
}

// Config carries a session's collaborators. All fields except Logger,
// Metrics, and PlanCache are required.
type Config struct {
	// ID identifies the session in logs and in global transaction ids.
	ID string

	Logger  *slog.Logger
	Metrics *observability.Metrics

	Classifier  router.Classifier
	Router      router.Router
	Pool        ShardPool
	Coordinator *coordinator.Coordinator
	Sender      ResponseSender

	// PlanCache is the process-wide prepared statement plan cache, shared
	// across sessions. Nil disables plan sharing.
	PlanCache *PlanCache

	// MaxHoldBytes caps the memory held by materialized holdable cursors.
	// 0 means unlimited.
	MaxHoldBytes int64
}

// Session is the per-connection protocol multiplexer: it consumes typed
// protocol events from the network layer, drives the transaction state
// machine, portal registry, and prepared statement store, and emits
// shard-bound statements through the coordinator's participant handles.
//
// A session is single-threaded by construction. The frontend calls exactly
// one Handle method at a time, in wire order.
type Session struct {
	id      string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	classifier router.Classifier
	router     router.Router
	pool       ShardPool
	coord      *coordinator.Coordinator
	send       ResponseSender

	machine *StateMachine
	portals *PortalRegistry
	stmts   *StatementStore
	plans   *PlanCache

	// extendedHold marks an implicit block opened by extended-protocol
	// messages; it is held open until Sync instead of end-of-request.
	extendedHold bool

	// ignoreUntilSync is set after an error inside an extended-protocol
	// sequence. Extended messages are discarded until Sync; simple-protocol
	// requests are still processed against the same block.
	ignoreUntilSync bool

	// fatal is set when transactional atomicity can no longer be guaranteed
	// (coordination failure after retry exhaustion). The frontend must
	// terminate the connection after the error has been flushed.
	fatal bool
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:         cfg.ID,
		logger:     logger.With("session", cfg.ID),
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("pgfan/session"),
		classifier: cfg.Classifier,
		router:     cfg.Router,
		pool:       cfg.Pool,
		coord:      cfg.Coordinator,
		send:       cfg.Sender,
		machine:    NewStateMachine(cfg.ID),
		portals:    NewPortalRegistry(cfg.MaxHoldBytes),
		stmts:      NewStatementStore(cfg.PlanCache),
		plans:      cfg.PlanCache,
	}
}

func (s *Session) ID() string { return s.id }

// State exposes the transaction state for the frontend's ReadyForQuery and
// for tests.
func (s *Session) State() TxState { return s.machine.State() }

// Fatal reports whether the session must be terminated because a transaction
// outcome could not be resolved.
func (s *Session) Fatal() bool { return s.fatal }

// Shutdown releases everything the session owns: any open block is aborted
// through the coordinator, portals are dropped, and prepared statements are
// deallocated. Called on disconnect and on client cancel + close.
func (s *Session) Shutdown(ctx context.Context) {
	if block := s.machine.Block(); block != nil {
		if err := s.abortBlock(ctx, block); err != nil {
			s.logger.Error("abort on disconnect failed", "gid", block.GID(), "error", err)
		}
		s.machine.Close()
	}
	s.portals.CloseAll()
	s.stmts.DeallocateAll()
}

// Cancel handles a client-initiated cancel request: the open block, if any,
// is aborted immediately on every participant. An explicit block stays open
// in the failed state so the client sees the standard aborted-transaction
// behavior; an implicit one closes.
func (s *Session) Cancel(ctx context.Context) {
	block := s.machine.Block()
	if block == nil {
		return
	}
	if err := s.abortBlock(ctx, block); err != nil {
		s.logger.Error("abort on cancel failed", "gid", block.GID(), "error", err)
	}
	if block.Kind() == BlockExplicit {
		s.machine.Fail()
	} else {
		s.machine.Close()
		s.extendedHold = false
	}
}

// sendError reports an error to the client, counting it.
func (s *Session) sendError(err error) {
	pgErr := pgwire.AsErr(err)
	s.metrics.IncError(pgErr.Code)
	s.send.SendError(pgErr)
}
