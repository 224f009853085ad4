package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/router"
)

// The harness simulates a cluster of shards each holding a slice of a
// users(id INT PRIMARY KEY, name TEXT) table. Writes stay pending on the
// shard-local transaction until commit, so the tests observe real
// transactional visibility: nothing lands in committed state until the
// coordinator says so.

var insertRe = regexp.MustCompile(`(?i)^INSERT INTO users VALUES\s*\((\d+),\s*'([^']*)'\)$`)
var insertParamRe = regexp.MustCompile(`(?i)^INSERT INTO users VALUES\s*\(\$1,\s*\$2\)$`)

type fakeShard struct {
	id router.ShardID

	mu        sync.Mutex
	committed map[int]string
	prepared  map[string]map[int]string

	// Error injection.
	failPrepare  bool
	failCommitN  int // fail the first N Commit/CommitPrepared calls
	failExecText string

	// Call counters.
	prepares        int
	commits         int
	commitPrepareds int
	rollbacks       int
	execs           int
	describes       int
}

func newFakeShard(id router.ShardID) *fakeShard {
	return &fakeShard{
		id:        id,
		committed: make(map[int]string),
		prepared:  make(map[string]map[int]string),
	}
}

// fakeConn is one acquired connection holding one local transaction.
type fakeConn struct {
	shard    *fakeShard
	pending  map[int]string
	begun    bool
	released bool
}

var _ coordinator.Participant = (*fakeConn)(nil)

func (c *fakeConn) Shard() router.ShardID { return c.shard.id }

func (c *fakeConn) Begin(ctx context.Context) error {
	c.begun = true
	return nil
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args *coordinator.ExecArgs) (*coordinator.ExecResult, error) {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.execs++

	if sh.failExecText != "" && sh.failExecText == sql {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.InternalError, "injected execution failure", nil)
	}

	if insertParamRe.MatchString(sql) && args != nil && len(args.Params) == 2 {
		return c.insertLocked(string(args.Params[0]), string(args.Params[1]))
	}
	if m := insertRe.FindStringSubmatch(sql); m != nil {
		return c.insertLocked(m[1], m[2])
	}

	if sql == "SELECT * FROM users" {
		ids := make([]int, 0, len(sh.committed)+len(c.pending))
		for id := range sh.committed {
			ids = append(ids, id)
		}
		for id := range c.pending {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		res := &coordinator.ExecResult{
			Desc: usersRowDescription(),
			Tag:  fmt.Sprintf("SELECT %d", len(ids)),
		}
		for _, id := range ids {
			name, ok := sh.committed[id]
			if !ok {
				name = c.pending[id]
			}
			res.Rows = append(res.Rows, [][]byte{[]byte(strconv.Itoa(id)), []byte(name)})
		}
		return res, nil
	}

	// Anything else is accepted and does nothing, like a utility statement.
	return &coordinator.ExecResult{Tag: "OK"}, nil
}

// insertLocked applies one insert to the pending set. Callers hold sh.mu.
func (c *fakeConn) insertLocked(idText, name string) (*coordinator.ExecResult, error) {
	sh := c.shard
	id, err := strconv.Atoi(idText)
	if err != nil {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.InvalidTextRepresentation,
			fmt.Sprintf("invalid input syntax for type integer: %q", idText), nil)
	}
	if _, ok := sh.committed[id]; ok {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.UniqueViolation,
			fmt.Sprintf("duplicate key value violates unique constraint \"users_pkey\" (id)=(%d)", id), nil)
	}
	if _, ok := c.pending[id]; ok {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.UniqueViolation,
			fmt.Sprintf("duplicate key value violates unique constraint \"users_pkey\" (id)=(%d)", id), nil)
	}
	c.pending[id] = name
	return &coordinator.ExecResult{Tag: "INSERT 0 1"}, nil
}

// DescribeStatement mimics a shard's statement describe: parameterized
// inserts resolve to (int4, text), SELECTs report the users row shape.
func (c *fakeConn) DescribeStatement(ctx context.Context, sql string, paramOIDs []uint32) ([]uint32, *pgproto3.RowDescription, error) {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.describes++

	oids := paramOIDs
	if len(oids) == 0 && insertParamRe.MatchString(sql) {
		oids = []uint32{23, 25}
	}
	if sql == "SELECT * FROM users" {
		return oids, usersRowDescription(), nil
	}
	return oids, nil, nil
}

func (c *fakeConn) Prepare(ctx context.Context, gid string) error {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.prepares++
	if sh.failPrepare {
		return fmt.Errorf("shard %s: prepare refused", sh.id)
	}
	sh.prepared[gid] = c.pending
	c.pending = make(map[int]string)
	return nil
}

func (c *fakeConn) CommitPrepared(ctx context.Context, gid string) error {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.commitPrepareds++
	if sh.failCommitN > 0 {
		sh.failCommitN--
		return fmt.Errorf("shard %s: commit prepared failed", sh.id)
	}
	rows, ok := sh.prepared[gid]
	if !ok {
		return fmt.Errorf("shard %s: no prepared transaction %q", sh.id, gid)
	}
	for id, name := range rows {
		sh.committed[id] = name
	}
	delete(sh.prepared, gid)
	return nil
}

func (c *fakeConn) RollbackPrepared(ctx context.Context, gid string) error {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.rollbacks++
	delete(sh.prepared, gid)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.commits++
	if sh.failCommitN > 0 {
		sh.failCommitN--
		return fmt.Errorf("shard %s: commit failed", sh.id)
	}
	for id, name := range c.pending {
		sh.committed[id] = name
	}
	c.pending = make(map[int]string)
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	sh := c.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.rollbacks++
	c.pending = make(map[int]string)
	return nil
}

func (c *fakeConn) Release() { c.released = true }

func usersRowDescription() *pgproto3.RowDescription {
	return &pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte("id"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
		{Name: []byte("name"), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1},
	}}
}

// cluster is the set of fake shards plus a router that places INSERTs by
// primary key and fans everything else out everywhere.
type cluster struct {
	shards []*fakeShard
	byID   map[router.ShardID]*fakeShard
}

func newCluster(n int) *cluster {
	c := &cluster{byID: make(map[router.ShardID]*fakeShard)}
	for i := 0; i < n; i++ {
		sh := newFakeShard(router.ShardID(fmt.Sprintf("shard%d", i)))
		c.shards = append(c.shards, sh)
		c.byID[sh.id] = sh
	}
	return c
}

func (c *cluster) Acquire(ctx context.Context, id router.ShardID) (coordinator.Participant, error) {
	sh, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown shard %s", id)
	}
	return &fakeConn{shard: sh, pending: make(map[int]string)}, nil
}

func (c *cluster) route(stmt router.Statement) ([]router.ShardID, error) {
	if m := insertRe.FindStringSubmatch(stmt.Text); m != nil {
		id, _ := strconv.Atoi(m[1])
		return []router.ShardID{c.shards[id%len(c.shards)].id}, nil
	}
	ids := make([]router.ShardID, len(c.shards))
	for i, sh := range c.shards {
		ids[i] = sh.id
	}
	return ids, nil
}

// table merges committed rows across all shards.
func (c *cluster) table() map[int]string {
	out := make(map[int]string)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for id, name := range sh.committed {
			out[id] = name
		}
		sh.mu.Unlock()
	}
	return out
}

// preparedCount returns in-doubt prepared transactions across the cluster.
func (c *cluster) preparedCount() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.prepared)
		sh.mu.Unlock()
	}
	return n
}

// recorder captures everything the session sends to the client.
type recorder struct {
	descs      []*pgproto3.RowDescription
	rows       [][][]byte
	tags       []string
	errs       []*pgwire.Err
	ready      []pgwire.TxStatus
	paramOIDs  [][]uint32
	suspended  int
	parses     int
	binds      int
	closes     int
	noData     int
	empties    int
	flushes    int
}

var _ ResponseSender = (*recorder)(nil)

func (r *recorder) SendRowDescription(desc *pgproto3.RowDescription) { r.descs = append(r.descs, desc) }
func (r *recorder) SendDataRow(values [][]byte)                      { r.rows = append(r.rows, values) }
func (r *recorder) SendCommandComplete(tag string)                   { r.tags = append(r.tags, tag) }
func (r *recorder) SendEmptyQueryResponse()                          { r.empties++ }
func (r *recorder) SendParseComplete()                               { r.parses++ }
func (r *recorder) SendBindComplete()                                { r.binds++ }
func (r *recorder) SendCloseComplete()                               { r.closes++ }
func (r *recorder) SendPortalSuspended()                             { r.suspended++ }
func (r *recorder) SendNoData()                                      { r.noData++ }
func (r *recorder) SendParameterDescription(oids []uint32)           { r.paramOIDs = append(r.paramOIDs, oids) }
func (r *recorder) SendError(err *pgwire.Err)                        { r.errs = append(r.errs, err) }
func (r *recorder) SendReadyForQuery(status pgwire.TxStatus)         { r.ready = append(r.ready, status) }
func (r *recorder) Flush() error                                     { r.flushes++; return nil }

func (r *recorder) lastReady() pgwire.TxStatus {
	if len(r.ready) == 0 {
		return 0
	}
	return r.ready[len(r.ready)-1]
}

// newTestSession wires a session against an n-shard fake cluster with fast
// retry timing.
func newTestSession(t *testing.T, nShards int) (*Session, *cluster, *recorder) {
	t.Helper()
	c := newCluster(nShards)
	rec := &recorder{}
	coord := coordinator.New(slog.New(slog.DiscardHandler), coordinator.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1,
		MaxDelay:    1,
	}, nil)
	s := New(Config{
		ID:          "test",
		Logger:      slog.New(slog.DiscardHandler),
		Classifier:  router.KeywordClassifier{},
		Router:      router.RouterFunc(c.route),
		Pool:        c,
		Coordinator: coord,
		Sender:      rec,
		PlanCache:   NewPlanCache(64),
	})
	return s, c, rec
}

func insertSQL(id int, name string) string {
	return fmt.Sprintf("INSERT INTO users VALUES (%d, '%s')", id, name)
}
