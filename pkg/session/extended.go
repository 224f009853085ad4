package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/observability"
	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/router"
)

// Extended-protocol handlers. Every handler except Sync and Flush is a no-op
// while the session is in ignore-until-sync: after an error mid-sequence the
// client's already-pipelined messages must be discarded up to the next Sync,
// which re-synchronizes the conversation.

// HandleParse registers a prepared statement. Parse does no shard work and
// opens no transaction; classification happens once here and travels with
// the statement.
func (s *Session) HandleParse(ctx context.Context, name, query string, paramOIDs []uint32) error {
	if s.ignoreUntilSync {
		return nil
	}

	if router.FirstKeyword(query) == "COPY" {
		s.extendedError(ctx, pgwire.NewErr(pgwire.Error, pgerrcode.FeatureNotSupported,
			"COPY is not supported", nil), false)
		return nil
	}

	ps := &PreparedStatement{
		Name:      name,
		Query:     query,
		ParamOIDs: paramOIDs,
		Stmt:      s.classifier.Classify(query),
	}
	if err := s.stmts.Store(ps); err != nil {
		s.extendedError(ctx, err, false)
		return nil
	}
	s.send.SendParseComplete()
	return nil
}

// HandleBind creates a portal from a prepared statement. Binding an ordinary
// statement opens the implicit transaction block if none is open; the block
// is then held until Sync rather than end-of-request. Parameter and result
// format codes pass through to the shards untouched.
func (s *Session) HandleBind(ctx context.Context, portalName, stmtName string, params [][]byte, paramFormats, resultFormats []int16) error {
	if s.ignoreUntilSync {
		return nil
	}

	ps, err := s.stmts.Fetch(stmtName)
	if err != nil {
		s.extendedError(ctx, err, false)
		return nil
	}
	if err := s.checkStatement(ctx, ps.Stmt); err != nil {
		s.extendedError(ctx, err, false)
		return nil
	}

	var p *Portal
	if ps.Stmt.Category == router.CategoryTxControl {
		// Transaction control bound as a portal executes through the same
		// path as the simple protocol; it never opens a block by itself.
		stmt := ps.Stmt
		run := func(ctx context.Context) (*coordinator.ExecResult, error) {
			tag, err := s.txControl(ctx, stmt)
			if err != nil {
				return nil, err
			}
			return &coordinator.ExecResult{Tag: tag}, nil
		}
		p = NewPortal(portalName, StrategyUtil, false, nil, run)
	} else {
		block := s.machine.Block()
		if block == nil {
			block = s.machine.OpenImplicit()
			s.extendedHold = true
		}
		args := &coordinator.ExecArgs{
			Params:        params,
			ParamFormats:  paramFormats,
			ResultFormats: resultFormats,
		}
		p = NewPortal(portalName, strategyFor(ps.Query), false, block, s.makeRun(block, ps.Stmt, args))
	}
	p.Source = ps

	if err := s.portals.Define(p); err != nil {
		s.extendedError(ctx, err, true)
		return nil
	}
	s.send.SendBindComplete()
	return nil
}

// HandleDescribe answers a Describe for a prepared statement ('S') or portal
// ('P'). The shape is served from the shared plan cache when this query text
// has been described or executed before; otherwise it is learned from a
// shard, so clients always see the true parameter OIDs and row description
// before the first Execute.
func (s *Session) HandleDescribe(ctx context.Context, kind byte, name string) error {
	if s.ignoreUntilSync {
		return nil
	}

	switch kind {
	case 'S':
		ps, err := s.stmts.Fetch(name)
		if err != nil {
			s.extendedError(ctx, err, false)
			return nil
		}
		desc, err := s.statementShape(ctx, ps)
		if err != nil {
			// The describe ran on a block participant; the shard-local
			// transaction is failed now, so the block must fail with it.
			s.extendedError(ctx, err, s.machine.InBlock())
			return nil
		}
		s.send.SendParameterDescription(ps.ParamOIDs)
		if desc != nil {
			s.send.SendRowDescription(desc)
		} else {
			s.send.SendNoData()
		}
	case 'P':
		p, err := s.portals.Get(name)
		if err != nil {
			s.extendedError(ctx, err, false)
			return nil
		}
		desc := p.Desc()
		if desc == nil && p.Source != nil {
			desc, err = s.statementShape(ctx, p.Source)
			if err != nil {
				s.extendedError(ctx, err, s.machine.InBlock())
				return nil
			}
		}
		if desc != nil {
			s.send.SendRowDescription(desc)
		} else {
			s.send.SendNoData()
		}
	default:
		s.extendedError(ctx, pgwire.NewProtocolViolation(nil,
			fmt.Sprintf("invalid Describe kind %q", kind)), false)
	}
	return nil
}

// statementShape returns the statement's row description, describing it on a
// shard if the shape is not already known. A shard describe also resolves
// parameter OIDs the client left unspecified. Transaction control statements
// never reach a shard and have no shape.
func (s *Session) statementShape(ctx context.Context, ps *PreparedStatement) (*pgproto3.RowDescription, error) {
	if ps.Stmt.Category == router.CategoryTxControl {
		return nil, nil
	}
	if ps.Plan != nil && ps.Plan.Described() {
		return ps.Plan.Desc(), nil
	}

	oids, desc, err := s.describeOnShard(ctx, ps)
	if err != nil {
		return nil, err
	}
	if len(ps.ParamOIDs) == 0 {
		ps.ParamOIDs = oids
	}
	if ps.Plan != nil {
		ps.Plan.RecordShape(desc)
	}
	return desc, nil
}

// describeOnShard prepares the statement unnamed on one of its target shards.
// An open block's participant is preferred so uncommitted DDL is visible;
// otherwise a connection is borrowed from the pool and returned immediately.
func (s *Session) describeOnShard(ctx context.Context, ps *PreparedStatement) ([]uint32, *pgproto3.RowDescription, error) {
	shards, err := s.router.Route(ps.Stmt)
	if err != nil {
		return nil, nil, err
	}
	if len(shards) == 0 {
		return nil, nil, pgwire.NewErr(pgwire.Error, pgerrcode.InternalError,
			"statement routed to no shards", nil)
	}
	target := shards[0]

	if block := s.machine.Block(); block != nil {
		if m, ok := block.Participants().Get(target); ok {
			d, ok := m.Conn().(StatementDescriber)
			if !ok {
				return nil, nil, nil
			}
			return d.DescribeStatement(ctx, ps.Query, ps.ParamOIDs)
		}
	}

	conn, err := s.pool.Acquire(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Release()

	d, ok := conn.(StatementDescriber)
	if !ok {
		return nil, nil, nil
	}
	return d.DescribeStatement(ctx, ps.Query, ps.ParamOIDs)
}

// HandleExecute runs a portal for up to maxRows rows. maxRows 0 means all.
// Execute sends data rows only; the row description belongs to Describe.
func (s *Session) HandleExecute(ctx context.Context, portalName string, maxRows int32) error {
	if s.ignoreUntilSync {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "session.Execute",
		trace.WithAttributes(
			attribute.String(observability.AttrSessionID, s.id),
			attribute.String(observability.AttrPortalName, portalName)))
	defer span.End()

	p, err := s.portals.Get(portalName)
	if err != nil {
		s.extendedError(ctx, err, false)
		return nil
	}

	rows, status, err := p.Fetch(ctx, int(maxRows), FetchForward)
	if err != nil {
		s.extendedError(ctx, err, true)
		return nil
	}

	// First execution reveals the result shape; remember it for Describe.
	if p.Source != nil && p.Source.Plan != nil {
		p.Source.Plan.RecordShape(p.Desc())
	}

	for _, row := range rows {
		s.send.SendDataRow(row)
	}
	if status == PortalSuspended {
		s.send.SendPortalSuspended()
	} else {
		s.send.SendCommandComplete(p.Tag())
	}
	return nil
}

// HandleClose destroys a prepared statement ('S') or portal ('P'). Closing a
// name that does not exist is not an error, per the protocol.
func (s *Session) HandleClose(ctx context.Context, kind byte, name string) error {
	if s.ignoreUntilSync {
		return nil
	}

	switch kind {
	case 'S':
		if _, err := s.stmts.Fetch(name); err == nil {
			_ = s.stmts.Deallocate(name)
		}
	case 'P':
		s.portals.Close(name)
	default:
		s.extendedError(ctx, pgwire.NewProtocolViolation(nil,
			fmt.Sprintf("invalid Close kind %q", kind)), false)
		return nil
	}
	s.send.SendCloseComplete()
	return nil
}

// HandleSync ends an extended-protocol sequence: ignore-until-sync clears,
// an implicit block held open by the sequence reaches its end-of-request
// decision, and ReadyForQuery reports the resulting state.
func (s *Session) HandleSync(ctx context.Context) error {
	s.ignoreUntilSync = false

	if block := s.machine.Block(); block != nil && block.Kind() == BlockImplicit {
		if s.machine.State() == TxAbortedPending {
			s.machine.Close()
		} else {
			if err := s.commitBlock(ctx, block); err != nil {
				s.sendError(err)
			}
			s.machine.Close()
		}
		s.extendedHold = false
	}

	s.send.SendReadyForQuery(s.machine.Status())
	return s.send.Flush()
}

// HandleFlush pushes buffered responses to the client without ending the
// sequence.
func (s *Session) HandleFlush(ctx context.Context) error {
	return s.send.Flush()
}

// extendedError reports an error in an extended sequence and discards
// further extended messages until Sync. An execution error additionally
// fails the open block; a rejection (unknown name, duplicate, state rule)
// leaves block state alone.
func (s *Session) extendedError(ctx context.Context, err error, execution bool) {
	s.sendError(err)
	s.ignoreUntilSync = true
	if execution {
		s.failOpenBlock(ctx)
	}
}
