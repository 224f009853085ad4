// Package coordinator drives transaction outcomes across the set of shards a
// transaction block has touched. Participants are independent databases, so
// a block with more than one participant commits through a prepare/resolve
// two-phase protocol; a single participant commits directly.
package coordinator

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/router"
)

// Phase is a participant's progress through the commit protocol. Transitions
// are driven only by requests the coordinator sends to the participant, never
// by shared flags.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseLocalActive
	PhasePrepared
	PhaseCommitted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseLocalActive:
		return "local-active"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further coordination is needed for the phase.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted || p == PhaseNone
}

// ExecArgs carries extended-protocol execution arguments: wire-format
// parameter values and the format codes the client chose in Bind. A nil
// *ExecArgs runs the statement over the simple protocol.
type ExecArgs struct {
	Params        [][]byte
	ParamFormats  []int16
	ResultFormats []int16
}

// ExecResult is the shard's response to one statement.
type ExecResult struct {
	// Desc is nil for statements that return no rows.
	Desc *pgproto3.RowDescription
	Rows [][][]byte
	// Tag is the CommandComplete tag, e.g. "INSERT 0 1".
	Tag string
}

// Participant is a shard connection handle enlisted in a transaction block.
// It carries one local transaction for the block's lifetime and exposes
// ordinary execution plus the coordinator-only transaction verbs.
type Participant interface {
	// Shard identifies the backend this handle belongs to.
	Shard() router.ShardID

	// Begin opens the shard-local transaction.
	Begin(ctx context.Context) error
	// Exec runs one statement inside the local transaction. args carries
	// extended-protocol parameters and format codes; nil for simple
	// statements.
	Exec(ctx context.Context, sql string, args *ExecArgs) (*ExecResult, error)

	// Prepare runs the first commit phase (PREPARE TRANSACTION gid).
	Prepare(ctx context.Context, gid string) error
	// CommitPrepared / RollbackPrepared resolve a prepared transaction.
	CommitPrepared(ctx context.Context, gid string) error
	RollbackPrepared(ctx context.Context, gid string) error
	// Commit / Rollback end the local transaction directly
	// (single-participant fast path and the abort path).
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Release returns the underlying connection to its pool. Only legal once
	// the participant has reached a terminal phase.
	Release()
}

// Member pairs a participant with its coordination phase. The phase is
// mutated only by the ParticipantSet owner's session worker and the
// coordinator, which run sequentially for a given block.
type Member struct {
	conn  Participant
	phase Phase
}

func (m *Member) Shard() router.ShardID { return m.conn.Shard() }
func (m *Member) Phase() Phase          { return m.phase }
func (m *Member) Conn() Participant     { return m.conn }

// ParticipantSet is the ordered set of shards touched by one transaction
// block. A shard joins the first time a statement routes to it and stays
// until the block terminates.
type ParticipantSet struct {
	order   []*Member
	byShard map[router.ShardID]*Member
}

func NewParticipantSet() *ParticipantSet {
	return &ParticipantSet{byShard: make(map[router.ShardID]*Member)}
}

// Join enlists a participant whose local transaction is already open.
// Joining a shard twice is a bug in the caller.
func (s *ParticipantSet) Join(p Participant) *Member {
	if _, ok := s.byShard[p.Shard()]; ok {
		panic(fmt.Sprintf("shard %s already joined", p.Shard()))
	}
	m := &Member{conn: p, phase: PhaseLocalActive}
	s.order = append(s.order, m)
	s.byShard[p.Shard()] = m
	return m
}

// Get returns the member for a shard, if it has joined.
func (s *ParticipantSet) Get(id router.ShardID) (*Member, bool) {
	m, ok := s.byShard[id]
	return m, ok
}

// Members returns members in join order.
func (s *ParticipantSet) Members() []*Member { return s.order }

func (s *ParticipantSet) Len() int { return len(s.order) }

// Shards returns the shard ids in join order, for logging.
func (s *ParticipantSet) Shards() []router.ShardID {
	ids := make([]router.ShardID, len(s.order))
	for i, m := range s.order {
		ids[i] = m.Shard()
	}
	return ids
}

// Resolved reports whether every member has reached a terminal phase.
func (s *ParticipantSet) Resolved() bool {
	for _, m := range s.order {
		if !m.phase.Terminal() {
			return false
		}
	}
	return true
}

// ReleaseAll returns every member's connection to its pool. Call only after
// Resolved() holds, or on unresolved members that are being abandoned for
// out-of-band reconciliation.
func (s *ParticipantSet) ReleaseAll() {
	for _, m := range s.order {
		m.conn.Release()
	}
}
