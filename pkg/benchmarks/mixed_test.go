package benchmarks

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// nextBenchID hands out ids for broadcast inserts. Every insert lands on
// every shard, so ids must be unique per statement, not per shard.
var nextBenchID atomic.Int64

// BenchmarkMixed runs a mixed workload of reads, writes, and explicit
// transactions against a shared table. Writes broadcast to all shards and
// commits with more than one participant go through two-phase commit, so this
// approximates a realistic cost profile for the proxy.
func BenchmarkMixed(b *testing.B) {
	b.Run(protocolName(), func(b *testing.B) {
		benchCtx := b.Context()
		pool := benchPool(b)

		setupMixedTable(b, benchCtx, pool)

		seed := benchConfig.Seed
		if seed == 0 {
			seed = 12345 // fixed default so runs are comparable
		}
		rng := rand.New(rand.NewSource(seed))

		var i int
		for b.Loop() {
			op := NewOp(benchCtx, "mixed task", i)
			if err := runMixedTask(op.Ctx, pool, rng); err != nil {
				b.Fatal(op.Failed(err))
			}
			op.Done()
			i++
		}
	})
}

// setupMixedTable creates and seeds the workload table through the proxy.
// The DDL and inserts broadcast, so every shard ends up with identical data.
func setupMixedTable(b *testing.B, ctx context.Context, pool *pgxpool.Pool) {
	b.Helper()

	op := NewOp(ctx, "setup", 0)
	defer op.Done()

	if _, err := pool.Exec(op.Ctx, `DROP TABLE IF EXISTS bench_mixed`); err != nil {
		b.Fatal(op.Failed(err))
	}
	if _, err := pool.Exec(op.Ctx, `
		CREATE TABLE bench_mixed (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			value INT NOT NULL
		)
	`); err != nil {
		b.Fatal(op.Failed(err))
	}

	for i := 0; i < 100; i++ {
		id := nextBenchID.Add(1)
		if _, err := pool.Exec(op.Ctx,
			`INSERT INTO bench_mixed (id, name, value) VALUES ($1, $2, $3)`,
			id, fmt.Sprintf("item_%d", id), i*10); err != nil {
			b.Fatal(op.Failed(err))
		}
	}
}

// runMixedTask runs a single mixed workload task: 40% SELECT, 20% INSERT,
// 20% UPDATE, 10% DELETE, 10% explicit transaction.
func runMixedTask(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	for j := 0; j < 20; j++ {
		op := rng.Intn(100)

		switch {
		case op < 40: // SELECT
			rows, err := conn.Query(ctx, `SELECT id, name, value FROM bench_mixed WHERE id = $1`, int64(rng.Intn(100)+1))
			if err != nil {
				return fmt.Errorf("select: %w", err)
			}
			for rows.Next() {
				var id int64
				var value int
				var name string
				if err := rows.Scan(&id, &name, &value); err != nil {
					rows.Close()
					return fmt.Errorf("scan: %w", err)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("rows: %w", err)
			}

		case op < 60: // INSERT
			id := nextBenchID.Add(1)
			_, err := conn.Exec(ctx, `INSERT INTO bench_mixed (id, name, value) VALUES ($1, $2, $3)`,
				id, fmt.Sprintf("new_%d", id), rng.Intn(1000))
			if err != nil {
				return fmt.Errorf("insert: %w", err)
			}

		case op < 80: // UPDATE
			_, err := conn.Exec(ctx, `UPDATE bench_mixed SET value = $1 WHERE id = $2`,
				rng.Intn(1000), int64(rng.Intn(100)+1))
			if err != nil {
				return fmt.Errorf("update: %w", err)
			}

		case op < 90: // DELETE
			_, err := conn.Exec(ctx, `DELETE FROM bench_mixed WHERE id = $1`, int64(rng.Intn(1000)+100))
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}

		default: // explicit transaction, committed through two-phase commit
			tx, err := conn.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}

			id := nextBenchID.Add(1)
			_, err = tx.Exec(ctx, `INSERT INTO bench_mixed (id, name, value) VALUES ($1, $2, $3)`,
				id, fmt.Sprintf("tx_%d", id), rng.Intn(1000))
			if err != nil {
				tx.Rollback(ctx)
				return fmt.Errorf("tx insert: %w", err)
			}

			_, err = tx.Exec(ctx, `UPDATE bench_mixed SET value = value + 1 WHERE id = $1`, int64(rng.Intn(100)+1))
			if err != nil {
				tx.Rollback(ctx)
				return fmt.Errorf("tx update: %w", err)
			}

			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}
	}

	return nil
}
