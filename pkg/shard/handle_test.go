package shard

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgmock"
	pgproto3v2 "github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/router"
	pgfantesting "github.com/pgfan/pgfan/pkg/testing"
)

// newTestPools wires a Pools with one shard pointed at a scripted mock
// server, and returns the pools plus the mock's serve error channel.
func newTestPools(t *testing.T, maxConns int32, steps ...pgmock.Step) (*Pools, chan error) {
	t.Helper()

	steps = append(steps, pgfantesting.WaitForClose())
	server := pgfantesting.NewMockServer(t, steps...)
	t.Cleanup(func() { _ = server.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	cfg, err := pgxpool.ParseConfig("postgres://postgres@" + server.Addr() + "/postgres?sslmode=disable")
	require.NoError(t, err)
	cfg.MaxConns = maxConns

	pools := NewPools(maxConns, slog.Default())
	require.NoError(t, pools.AddShard(context.Background(), "alpha", cfg))
	pools.Start()
	t.Cleanup(pools.Close)

	return pools, errCh
}

func TestHandleDirectCommit(t *testing.T) {
	steps := pgfantesting.AcceptConnSteps()
	steps = append(steps, pgfantesting.BeginSteps()...)
	steps = append(steps, pgfantesting.CommandSteps("INSERT INTO users VALUES (1, 'Alice')", "INSERT 0 1", 'T')...)
	steps = append(steps, pgfantesting.CommitSteps()...)

	pools, errCh := newTestPools(t, 2, steps...)
	ctx := context.Background()

	p, err := pools.Acquire(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, router.ShardID("alpha"), p.Shard())

	require.NoError(t, p.Begin(ctx))

	res, err := p.Exec(ctx, "INSERT INTO users VALUES (1, 'Alice')", nil)
	require.NoError(t, err)
	require.Equal(t, "INSERT 0 1", res.Tag)
	require.Nil(t, res.Desc)

	require.NoError(t, p.Commit(ctx))
	p.Release()

	pools.Close()
	require.NoError(t, <-errCh)
}

func TestHandleTwoPhaseCommit(t *testing.T) {
	const gid = "pgfan_s1_1"

	steps := pgfantesting.AcceptConnSteps()
	steps = append(steps, pgfantesting.BeginSteps()...)
	steps = append(steps, pgfantesting.PrepareTransactionSteps(gid)...)
	steps = append(steps, pgfantesting.CommitPreparedSteps(gid)...)

	pools, errCh := newTestPools(t, 2, steps...)
	ctx := context.Background()

	p, err := pools.Acquire(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, p.Begin(ctx))
	require.NoError(t, p.Prepare(ctx, gid))
	require.NoError(t, p.CommitPrepared(ctx, gid))
	p.Release()

	pools.Close()
	require.NoError(t, <-errCh)
}

func TestHandleRollback(t *testing.T) {
	steps := pgfantesting.AcceptConnSteps()
	steps = append(steps, pgfantesting.BeginSteps()...)
	steps = append(steps, pgfantesting.RollbackSteps()...)

	pools, errCh := newTestPools(t, 2, steps...)
	ctx := context.Background()

	p, err := pools.Acquire(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, p.Begin(ctx))
	require.NoError(t, p.Rollback(ctx))
	p.Release()

	pools.Close()
	require.NoError(t, <-errCh)
}

func TestHandleExecRows(t *testing.T) {
	fields := []pgproto3v2.FieldDescription{
		{Name: []byte("id"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
	}

	steps := pgfantesting.AcceptConnSteps()
	steps = append(steps,
		pgfantesting.ExpectQuery("SELECT id FROM users"),
		pgfantesting.SendRowDescription(fields),
		pgfantesting.SendDataRow([][]byte{[]byte("1")}),
		pgfantesting.SendDataRow([][]byte{[]byte("2")}),
		pgfantesting.SendCommandComplete("SELECT 2"),
		pgfantesting.SendReadyForQuery('I'),
	)

	pools, errCh := newTestPools(t, 2, steps...)
	ctx := context.Background()

	p, err := pools.Acquire(ctx, "alpha")
	require.NoError(t, err)

	res, err := p.Exec(ctx, "SELECT id FROM users", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Desc)
	require.Equal(t, []byte("id"), res.Desc.Fields[0].Name)
	require.Equal(t, [][][]byte{{[]byte("1")}, {[]byte("2")}}, res.Rows)
	require.Equal(t, "SELECT 2", res.Tag)

	p.Release()

	pools.Close()
	require.NoError(t, <-errCh)
}

func TestHandleDescribeStatement(t *testing.T) {
	fields := []pgproto3v2.FieldDescription{
		{Name: []byte("name"), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1},
	}

	steps := pgfantesting.AcceptConnSteps()
	steps = append(steps, pgfantesting.DescribeSteps("SELECT name FROM users WHERE id = $1", []uint32{23}, fields)...)

	pools, errCh := newTestPools(t, 2, steps...)
	ctx := context.Background()

	p, err := pools.Acquire(ctx, "alpha")
	require.NoError(t, err)

	oids, desc, err := p.(*Handle).DescribeStatement(ctx, "SELECT name FROM users WHERE id = $1", nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{23}, oids)
	require.NotNil(t, desc)
	require.Equal(t, []byte("name"), desc.Fields[0].Name)

	p.Release()

	pools.Close()
	require.NoError(t, <-errCh)
}

func TestAcquireUnknownShard(t *testing.T) {
	steps := pgfantesting.AcceptConnSteps()
	pools, _ := newTestPools(t, 2, steps...)

	_, err := pools.Acquire(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownShard)
}

func TestGlobalConnectionCap(t *testing.T) {
	steps := pgfantesting.AcceptConnSteps()
	pools, _ := newTestPools(t, 1, steps...)
	ctx := context.Background()

	p, err := pools.Acquire(ctx, "alpha")
	require.NoError(t, err)
	defer p.Release()

	// The single global ticket is held; a second acquire must block until
	// its context expires.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pools.Acquire(shortCtx, "alpha")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConvertResult(t *testing.T) {
	res := convertResult(&pgconn.Result{
		Rows:       [][][]byte{{[]byte("1"), []byte("Alice")}},
		CommandTag: pgconn.NewCommandTag("SELECT 1"),
		FieldDescriptions: []pgconn.FieldDescription{
			{Name: "id", DataTypeOID: 23},
			{Name: "name", DataTypeOID: 25},
		},
	})

	require.IsType(t, &coordinator.ExecResult{}, res)
	require.Equal(t, "SELECT 1", res.Tag)
	require.Len(t, res.Desc.Fields, 2)
	require.Equal(t, []byte("name"), res.Desc.Fields[1].Name)
	require.Equal(t, uint32(23), res.Desc.Fields[0].DataTypeOID)
}

func TestQuoteLiteral(t *testing.T) {
	require.Equal(t, "'pgfan_s1_1'", quoteLiteral("pgfan_s1_1"))
	require.Equal(t, "'it''s'", quoteLiteral("it's"))
}
