package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgerrcode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/observability"
	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/router"
)

// HandleSimpleQuery processes one simple-protocol request: split into
// statements, classify, and dispatch each in order. Execution stops at the
// first error; remaining statements in the same request are skipped, except
// transaction control, which is still honored so that a trailing COMMIT or
// ROLLBACK closes the failed block. An implicit block opened by this request
// commits at end of request unless extended-protocol messages are holding it
// open until Sync.
//
// Simple queries are processed even while the extended protocol is in
// ignore-until-sync: they run against the same (possibly failed) block.
func (s *Session) HandleSimpleQuery(ctx context.Context, text string) error {
	ctx, span := s.tracer.Start(ctx, "session.SimpleQuery",
		trace.WithAttributes(attribute.String(observability.AttrSessionID, s.id)))
	defer span.End()

	// A Query message runs even while an extended sequence is discarding
	// until Sync, and its trailing ReadyForQuery is the same recovery point
	// Sync would deliver.
	s.ignoreUntilSync = false

	stmts := router.SplitStatements(text)
	if len(stmts) == 0 {
		s.send.SendEmptyQueryResponse()
		s.send.SendReadyForQuery(s.machine.Status())
		return s.send.Flush()
	}

	multi := len(stmts) > 1 || s.machine.InBlock()
	skipping := false
	for _, stmtText := range stmts {
		stmt := s.classifier.Classify(stmtText)
		if skipping && stmt.Category != router.CategoryTxControl {
			continue
		}
		if err := s.dispatchSimple(ctx, stmt, multi); err != nil {
			s.sendError(err)
			skipping = true
			if s.fatal {
				break
			}
		}
	}

	// End of request closes an implicit block, unless the block is held open
	// by an unsynced extended-protocol sequence.
	if block := s.machine.Block(); block != nil && block.Kind() == BlockImplicit && !s.extendedHold {
		if s.machine.State() == TxAbortedPending {
			// Participants were already aborted when the block failed.
			s.machine.Close()
		} else {
			if err := s.commitBlock(ctx, block); err != nil {
				s.sendError(err)
			}
			s.machine.Close()
		}
	}

	s.send.SendReadyForQuery(s.machine.Status())
	return s.send.Flush()
}

// dispatchSimple runs one classified statement from a simple-protocol
// request. Successful output is sent inline; the returned error has already
// had its block-state consequences applied.
func (s *Session) dispatchSimple(ctx context.Context, stmt router.Statement, multi bool) error {
	if err := s.checkStatement(ctx, stmt); err != nil {
		return err
	}

	if stmt.Category == router.CategoryTxControl {
		tag, err := s.txControl(ctx, stmt)
		if err != nil {
			return err
		}
		s.send.SendCommandComplete(tag)
		return nil
	}

	// Cursor and prepared statement management is session state the proxy
	// owns; these statements never reach a shard.
	switch router.FirstKeyword(stmt.Text) {
	case "COPY":
		// COPY switches the connection into a streaming sub-protocol the
		// fan-out path cannot relay.
		return pgwire.NewErr(pgwire.Error, pgerrcode.FeatureNotSupported,
			"COPY is not supported", nil)
	case "DECLARE":
		if d, ok := router.ParseDeclare(stmt.Text); ok {
			return s.declareCursor(ctx, d, multi)
		}
	case "FETCH":
		if f, ok := router.ParseFetch(stmt.Text); ok {
			return s.fetchCursor(ctx, f)
		}
	case "CLOSE":
		if c, ok := router.ParseClose(stmt.Text); ok {
			return s.closeCursor(c)
		}
	case "DEALLOCATE":
		if d, ok := router.ParseDeallocate(stmt.Text); ok {
			return s.deallocate(d)
		}
	}

	return s.execOrdinary(ctx, stmt, multi)
}

// execOrdinary dispatches an ordinary statement to its shards through an
// internal unnamed portal. The unnamed portal is replaced per statement, as
// in PostgreSQL's simple protocol.
func (s *Session) execOrdinary(ctx context.Context, stmt router.Statement, multi bool) error {
	block, oneShot := s.blockFor(multi)

	p := NewPortal("", strategyFor(stmt.Text), false, block, s.makeRun(block, stmt, nil))
	_ = s.portals.Define(p) // unnamed replacement never fails

	rows, _, err := p.Fetch(ctx, 0, FetchForward)
	if err != nil {
		s.metrics.IncStatement(stmt.Category.String(), "error")
		s.statementFailed(ctx, block, oneShot)
		return err
	}
	s.metrics.IncStatement(stmt.Category.String(), "ok")

	// A one-shot statement is its own transaction: commit before reporting
	// success so a commit failure is surfaced as the statement's error.
	if oneShot {
		defer s.portals.Close("")
		if err := s.commitBlock(ctx, block); err != nil {
			return err
		}
	}

	if p.Desc() != nil {
		s.send.SendRowDescription(p.Desc())
		for _, row := range rows {
			s.send.SendDataRow(row)
		}
	}
	s.send.SendCommandComplete(p.Tag())
	return nil
}

// txControl applies BEGIN, COMMIT, or ROLLBACK and returns the command tag.
// COMMIT of a failed block closes it and reports ROLLBACK, matching
// PostgreSQL.
func (s *Session) txControl(ctx context.Context, stmt router.Statement) (string, error) {
	switch stmt.Control {
	case router.TxControlBegin:
		if alreadyOpen := s.machine.Begin(); alreadyOpen {
			s.logger.Warn("there is already a transaction in progress")
		} else {
			// The block is explicit now; only COMMIT/ROLLBACK closes it.
			s.extendedHold = false
		}
		return "BEGIN", nil

	case router.TxControlCommit:
		switch s.machine.State() {
		case TxAbortedPending:
			s.machine.Close()
			return "ROLLBACK", nil
		case TxIdle:
			s.logger.Warn("there is no transaction in progress")
			return "COMMIT", nil
		default:
			block := s.machine.Block()
			err := s.commitBlock(ctx, block)
			s.machine.Close()
			s.extendedHold = false
			if err != nil {
				return "", err
			}
			return "COMMIT", nil
		}

	case router.TxControlRollback:
		block := s.machine.Block()
		if block == nil {
			s.logger.Warn("there is no transaction in progress")
			return "ROLLBACK", nil
		}
		var err error
		if s.machine.State() != TxAbortedPending {
			err = s.abortBlock(ctx, block)
		}
		s.machine.Close()
		s.extendedHold = false
		if err != nil {
			return "", err
		}
		return "ROLLBACK", nil
	}
	return "", pgwire.NewProtocolViolation(nil, "unrecognized transaction control statement")
}

// blockFor returns the block the next statement runs in. An open block is
// reused; a multi-statement request opens an implicit block; a lone
// statement while idle gets a detached one-shot block committed immediately
// after it executes.
func (s *Session) blockFor(multi bool) (block *TxBlock, oneShot bool) {
	if s.machine.InBlock() {
		return s.machine.Block(), false
	}
	if multi {
		return s.machine.OpenImplicit(), false
	}
	return s.machine.OneShot(), true
}

// statementFailed applies the failure consequences of an execution error:
// the block's participants are aborted everywhere. A one-shot block simply
// disappears; a session-held block stays open in the failed state.
func (s *Session) statementFailed(ctx context.Context, block *TxBlock, oneShot bool) {
	if err := s.abortBlock(ctx, block); err != nil {
		s.logger.Error("abort after execution error did not fully resolve",
			"gid", block.GID(), "error", err)
	}
	if !oneShot && s.machine.Block() == block {
		s.machine.Fail()
	}
}

// commitBlock drives the commit decision for a block: holdable portals are
// staged first (rows produced while the participants can still execute),
// then the coordinator applies the decision. Staged portals change ownership
// only once the commit has landed, so a prepare failure that flips the
// decision to abort destroys them with the rest of the block's portals. On
// an unresolved outcome the session becomes fatal.
func (s *Session) commitBlock(ctx context.Context, block *TxBlock) error {
	if err := s.portals.StageHoldables(ctx, block); err != nil {
		// Staging ran inside the transaction and failed: the block aborts
		// like any other execution error.
		if abortErr := s.abortBlock(ctx, block); abortErr != nil {
			s.logger.Error("abort after failed materialization did not fully resolve",
				"gid", block.GID(), "error", abortErr)
		}
		return err
	}

	err := s.coord.Commit(ctx, block.GID(), block.Participants())
	if err != nil {
		s.checkUnresolved(err)
		s.portals.OnBlockAbort(block)
		block.Participants().ReleaseAll()
		return err
	}
	s.portals.OnBlockCommit(block)
	block.Participants().ReleaseAll()
	return nil
}

// abortBlock applies the abort decision and drops the block's portals.
func (s *Session) abortBlock(ctx context.Context, block *TxBlock) error {
	s.portals.OnBlockAbort(block)
	err := s.coord.Abort(ctx, block.GID(), block.Participants())
	block.Participants().ReleaseAll()
	if err != nil {
		s.checkUnresolved(err)
	}
	return err
}

// checkUnresolved marks the session fatal when a coordination failure left
// participants in an unknown state. Atomicity can no longer be guaranteed,
// so the connection must not accept further work.
func (s *Session) checkUnresolved(err error) {
	var unresolved *coordinator.UnresolvedError
	if errors.As(err, &unresolved) {
		s.fatal = true
	}
}

// makeRun builds the portal execution closure: route the statement, enlist
// any new shards into the block, and fan the statement out.
func (s *Session) makeRun(block *TxBlock, stmt router.Statement, args *coordinator.ExecArgs) RunFunc {
	return func(ctx context.Context) (*coordinator.ExecResult, error) {
		block.NextSeq()
		shards, err := s.router.Route(stmt)
		if err != nil {
			return nil, err
		}
		members, err := s.enlist(ctx, block, shards)
		if err != nil {
			return nil, err
		}
		return s.execOnShards(ctx, members, stmt.Text, args)
	}
}

// enlist returns the block members for the target shards, acquiring a
// connection and opening the shard-local transaction for any shard touched
// for the first time in this block. Statement order per shard is preserved:
// the session worker is the only writer and waits for every fan-out to join
// before the next statement.
func (s *Session) enlist(ctx context.Context, block *TxBlock, shards []router.ShardID) ([]*coordinator.Member, error) {
	set := block.Participants()
	members := make([]*coordinator.Member, 0, len(shards))
	for _, id := range shards {
		if m, ok := set.Get(id); ok {
			members = append(members, m)
			continue
		}
		conn, err := s.pool.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := conn.Begin(ctx); err != nil {
			conn.Release()
			return nil, err
		}
		members = append(members, set.Join(conn))
	}
	return members, nil
}

// execOnShards issues one statement to every target member concurrently and
// joins. The first failure cancels the in-flight siblings and wins; results
// are merged in member order so multi-shard output is deterministic.
func (s *Session) execOnShards(ctx context.Context, members []*coordinator.Member, sql string, args *coordinator.ExecArgs) (*coordinator.ExecResult, error) {
	if len(members) == 0 {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.InternalError, "statement routed to no shards", nil)
	}
	if len(members) == 1 {
		return members[0].Conn().Exec(ctx, sql, args)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*coordinator.ExecResult, len(members))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *coordinator.Member) {
			defer wg.Done()
			res, err := m.Conn().Exec(ctx, sql, args)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
				return
			}
			results[i] = res
		}(i, m)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return mergeResults(results), nil
}

// mergeResults combines per-shard results: rows concatenate in member order,
// the row description comes from the first shard that produced one, and
// command tags accumulate their row counts.
func mergeResults(results []*coordinator.ExecResult) *coordinator.ExecResult {
	merged := &coordinator.ExecResult{}
	var tags []string
	for _, res := range results {
		if res == nil {
			continue
		}
		if merged.Desc == nil {
			merged.Desc = res.Desc
		}
		merged.Rows = append(merged.Rows, res.Rows...)
		tags = append(tags, res.Tag)
	}
	merged.Tag = mergeTags(tags)
	return merged
}

// mergeTags sums the trailing row counts of identical command verbs:
// "INSERT 0 1" + "INSERT 0 2" = "INSERT 0 3". Tags without a numeric count
// pass through from the first shard.
func mergeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	if len(tags) == 1 {
		return tags[0]
	}

	var total int64
	for _, tag := range tags {
		fields := strings.Fields(tag)
		if len(fields) == 0 {
			return tags[0]
		}
		n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
		if err != nil {
			return tags[0]
		}
		total += n
	}

	fields := strings.Fields(tags[0])
	fields[len(fields)-1] = strconv.FormatInt(total, 10)
	return strings.Join(fields, " ")
}

// strategyFor picks the portal strategy from the statement's shape.
func strategyFor(text string) PortalStrategy {
	switch router.FirstKeyword(text) {
	case "SELECT", "VALUES", "TABLE", "WITH", "SHOW":
		return StrategyOneSelect
	}
	if strings.Contains(strings.ToUpper(text), "RETURNING") {
		return StrategyOneReturning
	}
	return StrategyUtil
}

// declareCursor creates a named portal for DECLARE ... CURSOR. The query
// does not run until the first FETCH (or until commit-time materialization
// for WITH HOLD). A holdable cursor declared outside any block runs in its
// own one-shot transaction and is materialized immediately.
func (s *Session) declareCursor(ctx context.Context, d router.Declare, multi bool) error {
	block, oneShot := s.blockFor(multi)

	query := router.Statement{Text: d.Query, Category: router.CategoryTransactional}
	p := NewPortal(d.Name, StrategyOneSelect, d.Holdable, block, s.makeRun(block, query, nil))
	if err := s.portals.Define(p); err != nil {
		s.statementFailed(ctx, block, oneShot)
		return err
	}

	if oneShot {
		if err := s.commitBlock(ctx, block); err != nil {
			s.portals.Close(d.Name)
			return err
		}
	}
	s.send.SendCommandComplete("DECLARE CURSOR")
	return nil
}

// fetchCursor advances a named portal. Incremental retrieval only applies to
// single-SELECT portals; the position never rewinds.
func (s *Session) fetchCursor(ctx context.Context, f router.Fetch) error {
	p, err := s.portals.Get(f.Name)
	if err != nil {
		s.failOpenBlock(ctx)
		return err
	}

	rows, _, err := p.Fetch(ctx, f.Count, FetchForward)
	if err != nil {
		s.failOpenBlock(ctx)
		return err
	}

	if p.Desc() != nil {
		s.send.SendRowDescription(p.Desc())
		for _, row := range rows {
			s.send.SendDataRow(row)
		}
	}
	s.send.SendCommandComplete(fmt.Sprintf("FETCH %d", len(rows)))
	return nil
}

// closeCursor destroys a named portal (or all of them).
func (s *Session) closeCursor(c router.CloseCursor) error {
	if c.All {
		s.portals.CloseAll()
		s.send.SendCommandComplete("CLOSE CURSOR ALL")
		return nil
	}
	if _, err := s.portals.Get(c.Name); err != nil {
		return err
	}
	s.portals.Close(c.Name)
	s.send.SendCommandComplete("CLOSE CURSOR")
	return nil
}

// deallocate drops a prepared statement (or all of them).
func (s *Session) deallocate(d router.Deallocate) error {
	if d.All {
		s.stmts.DeallocateAll()
		s.send.SendCommandComplete("DEALLOCATE ALL")
		return nil
	}
	if err := s.stmts.Deallocate(d.Name); err != nil {
		return err
	}
	s.send.SendCommandComplete("DEALLOCATE")
	return nil
}

// checkStatement runs the state machine check. When the rejection itself
// failed an explicit block, the block's participants still hold open
// shard-local transactions; they roll back here, so the transaction control
// statement that eventually closes the block only clears session state.
func (s *Session) checkStatement(ctx context.Context, stmt router.Statement) error {
	err := s.machine.Check(stmt)
	if err == nil {
		return nil
	}
	if block := s.machine.Block(); block != nil &&
		s.machine.State() == TxAbortedPending && !block.Participants().Resolved() {
		if abortErr := s.abortBlock(ctx, block); abortErr != nil {
			s.logger.Error("abort after rejected statement did not fully resolve",
				"gid", block.GID(), "error", abortErr)
		}
	}
	return err
}

// failOpenBlock aborts the session's open block after an execution error, if
// one is open and not already failed.
func (s *Session) failOpenBlock(ctx context.Context) {
	block := s.machine.Block()
	if block == nil || s.machine.State() == TxAbortedPending {
		return
	}
	s.statementFailed(ctx, block, false)
}
