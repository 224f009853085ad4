package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/pgwire"
)

// PortalStrategy determines how a portal retrieves its rows.
type PortalStrategy int

const (
	// StrategyOneSelect is a single row-returning query. The only strategy
	// that supports true incremental fetch with suspension.
	StrategyOneSelect PortalStrategy = iota
	// StrategyOneReturning is DML with a RETURNING clause. Executes to
	// completion on first fetch, buffering all rows.
	StrategyOneReturning
	// StrategyUtil is a statement returning no rows.
	StrategyUtil
	// StrategyMulti is a multi-statement source; always runs to completion.
	StrategyMulti
)

func (s PortalStrategy) String() string {
	switch s {
	case StrategyOneSelect:
		return "one-select"
	case StrategyOneReturning:
		return "one-returning"
	case StrategyUtil:
		return "util"
	case StrategyMulti:
		return "multi"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// PortalStatus is a portal's lifecycle state.
type PortalStatus int

const (
	PortalDefined PortalStatus = iota
	PortalReady
	PortalActive
	PortalSuspended
	PortalDone
	PortalFailed
)

func (s PortalStatus) String() string {
	switch s {
	case PortalDefined:
		return "defined"
	case PortalReady:
		return "ready"
	case PortalActive:
		return "active"
	case PortalSuspended:
		return "suspended"
	case PortalDone:
		return "done"
	case PortalFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FetchDirection selects the portal scan direction.
type FetchDirection int

const (
	FetchForward FetchDirection = iota
	FetchBackward
)

// RunFunc executes a portal's bound statement and returns the full result.
// The multiplexer builds it around the shard fan-out at bind time; tests
// substitute in-memory sources.
type RunFunc func(ctx context.Context) (*coordinator.ExecResult, error)

// Portal is one execution cursor. Rows are materialized on first execution
// (the proxy cannot hold a partial scan open against several shards at once)
// and delivered from the buffer in fetch-sized slices; the position over that
// buffer is what suspension and resumption track.
type Portal struct {
	Name     string
	Strategy PortalStrategy
	Holdable bool

	// Source is the prepared statement this portal was bound from, when it
	// came from an extended-protocol Bind. Nil for simple-protocol portals.
	Source *PreparedStatement

	status PortalStatus
	block  *TxBlock // nil once the creating block committed, or when created outside a block
	run    RunFunc

	desc    *pgproto3.RowDescription
	rows    [][][]byte
	tag     string
	pos     int
	atStart bool
	atEnd   bool
	held    bool
}

// NewPortal creates a portal in the defined state. block may be nil for a
// portal created outside any transaction block.
func NewPortal(name string, strategy PortalStrategy, holdable bool, block *TxBlock, run RunFunc) *Portal {
	return &Portal{
		Name:     name,
		Strategy: strategy,
		Holdable: holdable,
		status:   PortalDefined,
		block:    block,
		run:      run,
		atStart:  true,
	}
}

func (p *Portal) Status() PortalStatus { return p.status }

// Block returns the creating block, or nil once the block committed and the
// portal is owned by the session directly.
func (p *Portal) Block() *TxBlock { return p.block }

// Desc returns the row description, available after the first fetch. Nil for
// portals that return no rows.
func (p *Portal) Desc() *pgproto3.RowDescription { return p.desc }

// Tag returns the CommandComplete tag, available once the portal is done.
func (p *Portal) Tag() string { return p.tag }

// open runs the bound statement and buffers the result.
func (p *Portal) open(ctx context.Context) error {
	res, err := p.run(ctx)
	if err != nil {
		p.status = PortalFailed
		return err
	}
	p.desc = res.Desc
	p.rows = res.Rows
	p.tag = res.Tag
	p.status = PortalActive
	return nil
}

// Fetch returns up to max rows from the portal, advancing its position.
// max <= 0 means all remaining rows. Only the ONE_SELECT strategy honors the
// limit; every other strategy runs to completion and returns everything
// remaining on the first call. The returned status is PortalSuspended when
// rows remain, PortalDone when the buffer is exhausted.
//
// The position is never rewound: rows already delivered to the client stay
// delivered even if the work that produced them is later rolled back.
func (p *Portal) Fetch(ctx context.Context, max int, dir FetchDirection) ([][][]byte, PortalStatus, error) {
	if dir == FetchBackward {
		return nil, p.status, pgwire.NewErr(pgwire.Error, pgerrcode.ObjectNotInPrerequisiteState,
			fmt.Sprintf("cursor %q can only scan forward", p.Name), nil)
	}

	switch p.status {
	case PortalDefined, PortalReady:
		if err := p.open(ctx); err != nil {
			return nil, PortalFailed, err
		}
	case PortalActive, PortalSuspended:
		// resume from current position
	case PortalDone:
		return nil, PortalDone, nil
	case PortalFailed:
		return nil, PortalFailed, pgwire.NewErr(pgwire.Error, pgerrcode.InvalidCursorState,
			fmt.Sprintf("portal %q failed", p.Name), nil)
	}

	if p.Strategy != StrategyOneSelect {
		max = 0
	}

	remaining := len(p.rows) - p.pos
	n := remaining
	if max > 0 && max < remaining {
		n = max
	}
	out := p.rows[p.pos : p.pos+n]
	p.pos += n
	p.atStart = false

	if p.pos >= len(p.rows) {
		p.atEnd = true
		p.status = PortalDone
	} else {
		p.status = PortalSuspended
	}
	return out, p.status, nil
}

// stage produces the portal's remaining rows while its creating block can
// still execute. Ownership does not change: the portal stays tied to the
// block, so a commit decision that later flips to abort still destroys it.
func (p *Portal) stage(ctx context.Context) error {
	if p.status == PortalDefined || p.status == PortalReady {
		if err := p.open(ctx); err != nil {
			return err
		}
		p.status = PortalSuspended
	}
	return nil
}

// bufferedBytes is the portal's current result buffer size, charged against
// the registry's hold budget at materialization.
func (p *Portal) bufferedBytes() int64 {
	var n int64
	for _, row := range p.rows {
		for _, col := range row {
			n += int64(len(col))
		}
	}
	return n
}

// PortalRegistry is the per-session table of portals. Single-writer, owned by
// the session worker.
type PortalRegistry struct {
	portals map[string]*Portal

	// maxHoldBytes caps the combined buffer size of materialized holdable
	// portals. 0 means unlimited.
	maxHoldBytes int64
	heldBytes    int64
}

func NewPortalRegistry(maxHoldBytes int64) *PortalRegistry {
	return &PortalRegistry{
		portals:      make(map[string]*Portal),
		maxHoldBytes: maxHoldBytes,
	}
}

// Define registers a portal. An empty name silently destroys any existing
// unnamed portal first, whatever its status; a non-empty name that collides
// with a live portal is an error.
func (r *PortalRegistry) Define(p *Portal) error {
	if p.Name == "" {
		r.destroy("")
	} else if _, ok := r.portals[p.Name]; ok {
		return pgwire.NewErr(pgwire.Error, pgerrcode.DuplicateCursor,
			fmt.Sprintf("portal %q already exists", p.Name), nil)
	}
	r.portals[p.Name] = p
	return nil
}

// Get looks up a portal by name.
func (r *PortalRegistry) Get(name string) (*Portal, error) {
	p, ok := r.portals[name]
	if !ok {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.InvalidCursorName,
			fmt.Sprintf("portal %q does not exist", name), nil)
	}
	return p, nil
}

// Close destroys a portal by name. Closing a nonexistent portal is not an
// error, matching the extended-protocol Close message.
func (r *PortalRegistry) Close(name string) {
	r.destroy(name)
}

// Len returns the number of live portals.
func (r *PortalRegistry) Len() int { return len(r.portals) }

// StageHoldables materializes every holdable portal tied to the block and
// charges it against the hold budget, ahead of the block's commit decision.
// The portals stay tied to the block: if the decision flips to abort,
// OnBlockAbort destroys them (and any staged siblings) like everything else
// in the block. A staging failure, including the hold budget being exceeded,
// is returned for the caller to abort the block on.
func (r *PortalRegistry) StageHoldables(ctx context.Context, block *TxBlock) error {
	for _, p := range r.portals {
		if p.block != block || !p.Holdable {
			continue
		}
		if err := p.stage(ctx); err != nil {
			return err
		}
		if err := r.charge(p); err != nil {
			return err
		}
	}
	return nil
}

// OnBlockCommit reacts to the block having committed: non-holdable portals
// tied to it are destroyed; staged holdable ones are re-owned by the session
// directly, decoupled from any block.
func (r *PortalRegistry) OnBlockCommit(block *TxBlock) {
	for name, p := range r.portals {
		if p.block != block {
			continue
		}
		if !p.Holdable {
			r.destroy(name)
			continue
		}
		p.block = nil
	}
}

// OnBlockAbort destroys every portal tied to the aborting block, holdable or
// not. Portals from prior, already-closed blocks are untouched.
func (r *PortalRegistry) OnBlockAbort(block *TxBlock) {
	for name, p := range r.portals {
		if p.block != block {
			continue
		}
		p.status = PortalFailed
		r.destroy(name)
	}
}

// CloseAll destroys every portal. Called on disconnect.
func (r *PortalRegistry) CloseAll() {
	for name := range r.portals {
		r.destroy(name)
	}
}

func (r *PortalRegistry) charge(p *Portal) error {
	n := p.bufferedBytes()
	if r.maxHoldBytes > 0 && r.heldBytes+n > r.maxHoldBytes {
		return pgwire.NewErr(pgwire.Error, pgerrcode.ConfigurationLimitExceeded,
			fmt.Sprintf("holdable cursor %q exceeds the hold buffer limit", p.Name), nil)
	}
	r.heldBytes += n
	p.held = true
	return nil
}

func (r *PortalRegistry) destroy(name string) {
	p, ok := r.portals[name]
	if !ok {
		return
	}
	if p.held {
		r.heldBytes -= p.bufferedBytes()
	}
	delete(r.portals, name)
}
