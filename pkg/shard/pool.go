// Package shard connects the session core to real PostgreSQL shards: a
// per-shard pgxpool with a global connection cap across all shards, and the
// Handle type implementing the coordinator's participant verbs on top of a
// pooled connection.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/router"
)

var ErrMaxConnsReached = errors.New("max conns reached")
var ErrNoIdleConnections = fmt.Errorf("%w, no idle connections to close", ErrMaxConnsReached)
var ErrUnknownShard = errors.New("unknown shard")

// Pools manages one pgxpool.Pool per shard while enforcing a global max
// connections limit across all of them with a puddle ticket pool.
//
// The total number of connections may temporarily exceed the MaxConns limit
// while a create and a destroy race; it is a bug if the total grows beyond
// MaxConns without bound.
type Pools struct {
	MaxConns int32
	shards   map[router.ShardID]*poolMember
	started  bool
	tickets  *puddle.Pool[ticket]

	closeOnce sync.Once

	closeChan         chan struct{}
	logger            *slog.Logger
	healthCheckPeriod time.Duration

	totalConns      atomic.Int32
	totalIdleConns  atomic.Int32
	pendingCreates  atomic.Int32
	pendingDestroys atomic.Int32
}

func NewPools(maxConns int32, logger *slog.Logger) *Pools {
	tickets, err := puddle.NewPool(&puddle.Config[ticket]{
		Constructor: func(ctx context.Context) (ticket, error) {
			return ticket{}, nil
		},
		Destructor: func(ticket) {},
		MaxSize:    maxConns,
	})
	if err != nil {
		panic(err)
	}

	return &Pools{
		MaxConns:          maxConns,
		shards:            make(map[router.ShardID]*poolMember),
		tickets:           tickets,
		closeChan:         make(chan struct{}),
		logger:            logger,
		healthCheckPeriod: time.Second * 10,
	}
}

type ticket struct{}

var acquireContextKey = ticket{}

type acquireContextReq struct {
	createAttempts int
	created        bool
}

// AddShard registers a shard's pool. Not thread-safe; call before Start.
func (p *Pools) AddShard(ctx context.Context, id router.ShardID, givenConfig *pgxpool.Config) error {
	if p.started {
		panic("shard pools already started")
	}

	member := &poolMember{
		id:     id,
		config: givenConfig,
		parent: p,
	}

	withCallbacks := givenConfig.Copy()
	withCallbacks.BeforeConnect = member.beforeConnect
	withCallbacks.AfterConnect = member.afterConnect
	withCallbacks.PrepareConn = member.prepareConn
	withCallbacks.AfterRelease = member.afterRelease
	withCallbacks.BeforeClose = member.beforeClose

	pool, err := pgxpool.NewWithConfig(ctx, withCallbacks)
	if err != nil {
		return err
	}

	member.pool = pool
	p.shards[id] = member
	return nil
}

// Start finishes setup. After Start, Acquire may be called from any
// goroutine.
func (p *Pools) Start() {
	if p.started {
		panic("shard pools already started")
	}
	p.started = true
	go p.backgroundHealthCheck()
}

// Acquire hands out a participant handle on the given shard, implementing
// session.ShardPool. The handle owns its connection exclusively until
// Release.
func (p *Pools) Acquire(ctx context.Context, id router.ShardID) (coordinator.Participant, error) {
	conn, err := p.acquireConn(ctx, id)
	if err != nil {
		return nil, err
	}
	// The handle is clean until Begin opens a local transaction; a handle
	// borrowed only to describe a statement may be released as-is.
	return &Handle{shard: id, conn: conn, logger: p.logger, clean: true}, nil
}

// acquireConn takes a global ticket, then a connection from the shard's
// pool. At the global limit this may close an idle connection from another
// shard's pool to make room.
func (p *Pools) acquireConn(ctx context.Context, id router.ShardID) (*PoolConn, error) {
	if !p.started {
		panic("shard pools not started")
	}
	member, ok := p.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownShard, id)
	}

	r, err := p.tickets.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// The beforeConnect hook destroys idle connections if needed when
	// creating new connections at the global limit.
	req := &acquireContextReq{}
	conn, err := member.pool.Acquire(context.WithValue(ctx, acquireContextKey, req))
	if err != nil {
		if req.createAttempts > 0 && !req.created {
			// createAttempts is incremented before each create attempt, but
			// there's no callback on creation error, so book-keep here.
			p.pendingCreates.Add(int32(-req.createAttempts))
		}
		r.ReleaseUnused()
		return nil, err
	}
	// In the success case pendingCreates is handled by afterConnect.

	return &PoolConn{
		conn:     conn,
		resource: r,
		pool:     p,
	}, nil
}

// acquireConnSlot attempts to find an unused idle connection and mark it for
// deletion, to allow the creation of a new connection in another pool.
//
// Returns nil if under the MaxConns limit or if an idle connection was
// marked for deletion.
func (p *Pools) acquireConnSlot(ctx context.Context, forMember *poolMember) error {
	existing := p.totalConns.Load()
	pendingCreates := p.pendingCreates.Load()
	pendingDestroys := p.pendingDestroys.Load()
	total := existing + pendingCreates - pendingDestroys
	// pendingCreates already includes the current request, so total ==
	// MaxConns means this request is counted.
	if total <= p.MaxConns {
		return nil
	}

	// Pending destroys will make room soon; allow the create, which may
	// briefly exceed MaxConns until shouldDestroyConnection settles it.
	if pendingDestroys > 0 {
		return nil
	}

	idle := p.totalIdleConns.Load()
	if idle == 0 {
		return fmt.Errorf("%w: max %d: %d created, %d pending create, %d pending destroy, %d total",
			ErrNoIdleConnections, p.MaxConns, existing, pendingCreates, pendingDestroys, total)
	}

	// Try to mark an idle connection on OTHER shards for destruction.
	alreadyMarked := 0
	pools := 0
	for _, other := range p.shards {
		if other == forMember {
			continue
		}
		pools++
		idle := other.pool.AcquireAllIdle(ctx)
		found := false
		for _, c := range idle {
			if !found {
				if isMarkedForDestroy(c.Conn().PgConn()) {
					alreadyMarked++
				} else {
					p.markForDestroy(c.Conn().PgConn())
					found = true
				}
			}
			c.Release()
		}
		if found {
			return nil
		}
	}

	// No other shard had an idle connection to reclaim. If the current
	// shard has idle connections, allow the create; the surplus is destroyed
	// on release, settling back to MaxConns.
	if idle > 0 {
		return nil
	}

	return fmt.Errorf("%w: max %d: searched %d shards, %d already marked for destroy",
		ErrNoIdleConnections, p.MaxConns, pools, alreadyMarked)
}

func (p *Pools) markIdle(conn *pgx.Conn, isIdle bool) {
	if isIdle {
		p.totalIdleConns.Add(1)
		conn.PgConn().CustomData()[idleKey] = true
	} else if _, ok := conn.PgConn().CustomData()[idleKey]; ok {
		p.totalIdleConns.Add(-1)
		delete(conn.PgConn().CustomData(), idleKey)
	}
}

// Close all pools and release all connections.
func (p *Pools) Close() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		p.tickets.Close()
		for _, member := range p.shards {
			member.pool.Close()
		}
	})
}

const destroyKey = "destroy"
const idleKey = "idle"

func isMarkedForDestroy(conn *pgconn.PgConn) bool {
	destroy, ok := conn.CustomData()[destroyKey].(bool)
	return ok && destroy
}

func (p *Pools) shouldDestroyConnection(conn *pgx.Conn) bool {
	if isMarkedForDestroy(conn.PgConn()) {
		return true
	}

	// Only destroy if actually over the limit. pendingCreates is excluded:
	// those creates might fail, and destroying preemptively can starve them
	// of idle connections to reclaim.
	totalConns := p.totalConns.Load() - p.pendingDestroys.Load()
	return totalConns > p.MaxConns
}

func (p *Pools) markForDestroy(conn *pgconn.PgConn) {
	if isMarkedForDestroy(conn) {
		return // already counted in pendingDestroys
	}
	conn.CustomData()[destroyKey] = true
	p.pendingDestroys.Add(1)
}

func (p *Pools) backgroundHealthCheck() {
	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pools) checkHealth() {
	for p.checkMaxConns() {
		// Destroy is asynchronous; give it time to settle before checking
		// again.
		select {
		case <-p.closeChan:
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (p *Pools) checkMaxConns() (destroyed bool) {
	totalIdleConns := p.totalIdleConns.Load()
	if totalIdleConns == 0 {
		return false
	}

	totalConns := p.totalConns.Load()
	toClose := totalConns - p.MaxConns

	destroyedAny := false
	if toClose > 0 {
		// Cycle idle connections through release; afterRelease decides which
		// to destroy. Random map order distributes fairness across shards.
		for _, member := range p.shards {
			idle := member.pool.AcquireAllIdle(context.Background())
			for _, c := range idle {
				c.Release()
				destroyedAny = true
			}
		}
	}

	return destroyedAny
}

// PoolConn is one connection out of a shard's pool plus the global ticket it
// holds. Releasing returns both.
type PoolConn struct {
	conn                    *pgxpool.Conn
	resource                *puddle.Resource[ticket]
	pool                    *Pools
	released                bool
	markForDestroyOnRelease bool
}

// Release returns the connection to the pool.
func (c *PoolConn) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.markForDestroyOnRelease {
		c.pool.markForDestroy(c.conn.Conn().PgConn())
	}
	// Must release conn before the ticket.
	c.conn.Release()
	c.resource.Release()
}

// Value returns the connection. Panics if released.
func (c *PoolConn) Value() *pgxpool.Conn {
	c.resource.Value()
	return c.conn
}

// MarkForDestroy marks the connection for destruction after it is released.
func (c *PoolConn) MarkForDestroy() {
	c.markForDestroyOnRelease = true
}

func (c *PoolConn) ReleaseAndDestroy() {
	c.MarkForDestroy()
	c.Release()
}

type poolMember struct {
	id     router.ShardID
	pool   *pgxpool.Pool
	config *pgxpool.Config
	parent *Pools
}

// beforeConnect is called before a new connection is made, with a copy of
// the underlying pgx.ConnConfig.
func (m *poolMember) beforeConnect(ctx context.Context, connCfg *pgx.ConnConfig) error {
	if m.config.BeforeConnect != nil {
		if err := m.config.BeforeConnect(ctx, connCfg); err != nil {
			return err
		}
	}

	// Count the pending create BEFORE acquireConnSlot so concurrent callers
	// see an accurate total. This bounds the overshoot to roughly the number
	// of goroutines that can increment before the first reaches the check.
	req, hasReq := ctx.Value(acquireContextKey).(*acquireContextReq)
	if hasReq {
		req.createAttempts++
		m.parent.pendingCreates.Add(1)
	}

	if err := m.parent.acquireConnSlot(ctx, m); err != nil {
		if hasReq {
			m.parent.pendingCreates.Add(-1)
			req.createAttempts-- // prevent double-decrement in acquireConn
		}
		return err
	}

	return nil
}

// afterConnect is called after a connection is established, before it is
// added to the pool.
func (m *poolMember) afterConnect(ctx context.Context, conn *pgx.Conn) error {
	if m.config.AfterConnect != nil {
		if err := m.config.AfterConnect(ctx, conn); err != nil {
			return err
		}
	}

	if req, ok := ctx.Value(acquireContextKey).(*acquireContextReq); ok {
		req.created = true
		m.parent.pendingCreates.Add(int32(-req.createAttempts))
	}
	m.parent.totalConns.Add(1)
	m.parent.markIdle(conn, true)
	return nil
}

// prepareConn is called before a connection is acquired from the pool.
// Returning false destroys the connection.
func (m *poolMember) prepareConn(ctx context.Context, conn *pgx.Conn) (bool, error) {
	if m.config.PrepareConn != nil {
		if ok, err := m.config.PrepareConn(ctx, conn); !ok || err != nil {
			if !ok {
				m.parent.markForDestroy(conn.PgConn())
			}
			return ok, err
		}
	}

	m.parent.markIdle(conn, false)
	return true, nil
}

// afterRelease is called after a connection is released, before it is
// returned to the pool. Returning false destroys the connection.
func (m *poolMember) afterRelease(conn *pgx.Conn) bool {
	m.parent.markIdle(conn, true)

	if m.config.AfterRelease != nil {
		if !m.config.AfterRelease(conn) {
			m.parent.markForDestroy(conn.PgConn())
			return false
		}
	}

	if m.parent.shouldDestroyConnection(conn) {
		m.parent.markForDestroy(conn.PgConn())
		return false
	}

	return true
}

// beforeClose is called right before a connection is closed and removed from
// the pool.
func (m *poolMember) beforeClose(conn *pgx.Conn) {
	m.parent.totalConns.Add(-1)
	if isMarkedForDestroy(conn.PgConn()) {
		m.parent.pendingDestroys.Add(-1)
	}
	m.parent.markIdle(conn, false)
}
