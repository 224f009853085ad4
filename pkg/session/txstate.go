// Package session implements the per-client-connection state the proxy must
// track to preserve single-node PostgreSQL transaction semantics across
// shards: the transaction block state machine, the portal registry, the
// prepared statement store, and the protocol multiplexer that drives them.
//
// Everything in this package is owned by exactly one session worker and is
// accessed strictly sequentially, mirroring the wire protocol itself, so none
// of it carries locks. The only shared structure is the PlanCache, which has
// its own mutex.
package session

import (
	"fmt"

	"github.com/jackc/pgerrcode"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/router"
)

// TxState is the session's transaction block state.
type TxState int

const (
	// TxIdle means no transaction block is open.
	TxIdle TxState = iota
	// TxImplicitActive means a multi-statement request (or an unsynced
	// extended-protocol sequence) opened a block automatically.
	TxImplicitActive
	// TxExplicitActive means BEGIN opened (or retagged) the block; only
	// COMMIT or ROLLBACK closes it.
	TxExplicitActive
	// TxAbortedPending means the open block has failed. Every statement
	// except transaction control is rejected until the block closes.
	TxAbortedPending
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxImplicitActive:
		return "implicit-active"
	case TxExplicitActive:
		return "explicit-active"
	case TxAbortedPending:
		return "aborted-pending"
	default:
		return fmt.Sprintf("txstate(%d)", int(s))
	}
}

// BlockKind tags a TxBlock as implicit or explicit. An implicit block is
// retagged to explicit in place when BEGIN arrives; it is never replaced.
type BlockKind int

const (
	BlockImplicit BlockKind = iota
	BlockExplicit
)

func (k BlockKind) String() string {
	if k == BlockExplicit {
		return "explicit"
	}
	return "implicit"
}

// TxBlock is one open transaction block: the set of shard participants
// enlisted so far plus a statement counter for diagnostics. At most one block
// is open per session.
type TxBlock struct {
	kind         BlockKind
	gid          string
	participants *coordinator.ParticipantSet
	stmtSeq      uint64
}

func (b *TxBlock) Kind() BlockKind { return b.kind }

// GID is the global transaction identifier used for PREPARE TRANSACTION on
// the shards. Unique per block within a proxy process.
func (b *TxBlock) GID() string { return b.gid }

func (b *TxBlock) Participants() *coordinator.ParticipantSet { return b.participants }

// NextSeq returns the 1-based position of the next statement in the block.
func (b *TxBlock) NextSeq() uint64 {
	b.stmtSeq++
	return b.stmtSeq
}

// StateMachine tracks one session's transaction block state. It decides what
// a classified statement is allowed to do in the current state; the actual
// shard work (execution, commit, abort) is driven by the multiplexer, which
// reports outcomes back via Fail and Close.
type StateMachine struct {
	state    TxState
	block    *TxBlock
	blockSeq uint64
	session  string
}

// NewStateMachine creates the machine for a session. The session id becomes
// part of every block's global transaction identifier.
func NewStateMachine(sessionID string) *StateMachine {
	return &StateMachine{state: TxIdle, session: sessionID}
}

func (m *StateMachine) State() TxState { return m.state }

// Block returns the open block, or nil when idle.
func (m *StateMachine) Block() *TxBlock { return m.block }

// InBlock reports whether a transaction block is open, failed or not.
func (m *StateMachine) InBlock() bool { return m.block != nil }

// Status maps the machine state to the ReadyForQuery status byte.
func (m *StateMachine) Status() pgwire.TxStatus {
	switch m.state {
	case TxImplicitActive, TxExplicitActive:
		return pgwire.TxInTransaction
	case TxAbortedPending:
		return pgwire.TxFailed
	default:
		return pgwire.TxIdle
	}
}

// Check enforces the state/category rules for a statement before any shard
// work happens. A nil return means the statement may proceed in the current
// state. A failed check inside an explicit block also fails the block, the
// way PostgreSQL treats errors inside BEGIN.
func (m *StateMachine) Check(stmt router.Statement) error {
	if m.state == TxAbortedPending && stmt.Category != router.CategoryTxControl {
		return pgwire.NewTxAborted()
	}

	switch stmt.Category {
	case router.CategoryForbiddenInBlock:
		if m.state == TxImplicitActive || m.state == TxExplicitActive {
			err := pgwire.NewErr(pgwire.Error, pgerrcode.ActiveSQLTransaction,
				fmt.Sprintf("%s cannot run inside a transaction block", router.FirstKeyword(stmt.Text)), nil)
			if m.state == TxExplicitActive {
				m.state = TxAbortedPending
			}
			return err
		}
	case router.CategoryRequiredInBlock:
		if m.state == TxIdle {
			return pgwire.NewErr(pgwire.Error, pgerrcode.NoActiveSQLTransaction,
				fmt.Sprintf("%s can only be used in transaction blocks", router.FirstKeyword(stmt.Text)), nil)
		}
	}
	return nil
}

// OneShot creates a detached block for a single-statement request arriving
// while idle. The machine stays idle: the statement executes and its
// participants are committed immediately, so the block never becomes session
// state.
func (m *StateMachine) OneShot() *TxBlock {
	return m.newBlock(BlockImplicit)
}

// OpenImplicit opens an implicit block. Only legal when idle.
func (m *StateMachine) OpenImplicit() *TxBlock {
	if m.block != nil {
		panic("transaction block already open")
	}
	m.block = m.newBlock(BlockImplicit)
	m.state = TxImplicitActive
	return m.block
}

// Begin handles BEGIN/START TRANSACTION. From idle it opens an explicit
// block. From an implicit block it retags the block in place: the participant
// set and all prior uncommitted work are retained, so a later abort undoes
// statements issued before the BEGIN appeared. Inside an explicit block it is
// a warning-level no-op, as in PostgreSQL.
func (m *StateMachine) Begin() (alreadyOpen bool) {
	switch m.state {
	case TxIdle:
		m.block = m.newBlock(BlockExplicit)
		m.state = TxExplicitActive
		return false
	case TxImplicitActive:
		m.block.kind = BlockExplicit
		m.state = TxExplicitActive
		return false
	default:
		return true
	}
}

// Fail moves an open block to the failed state. The multiplexer aborts the
// participants; the block itself stays open so that ReadyForQuery reports 'E'
// and subsequent statements are rejected until transaction control arrives.
func (m *StateMachine) Fail() {
	if m.block != nil {
		m.state = TxAbortedPending
	}
}

// Close ends the block after its participants have reached a terminal
// decision, returning the session to idle.
func (m *StateMachine) Close() {
	m.block = nil
	m.state = TxIdle
}

func (m *StateMachine) newBlock(kind BlockKind) *TxBlock {
	m.blockSeq++
	return &TxBlock{
		kind:         kind,
		gid:          fmt.Sprintf("pgfan_%s_%d", m.session, m.blockSeq),
		participants: coordinator.NewParticipantSet(),
	}
}
