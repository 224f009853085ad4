package shard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/coordinator"
	"github.com/pgfan/pgfan/pkg/router"
)

// Handle is one shard connection enlisted in a transaction block. It owns
// its pooled connection exclusively from Acquire to Release and implements
// the coordinator's participant verbs as plain SQL on that connection.
type Handle struct {
	shard  router.ShardID
	conn   *PoolConn
	logger *slog.Logger

	// clean is true when the connection holds no local transaction state and
	// may be reused by the pool.
	clean    bool
	released bool
}

var _ coordinator.Participant = (*Handle)(nil)

func (h *Handle) Shard() router.ShardID { return h.shard }

// Begin opens the shard-local transaction for the block.
func (h *Handle) Begin(ctx context.Context) error {
	h.clean = false
	return h.exec(ctx, "BEGIN")
}

// Exec runs one statement inside the local transaction. Nil args uses the
// simple protocol; otherwise the statement executes with the client's
// wire-format parameter values and format codes passed through verbatim.
func (h *Handle) Exec(ctx context.Context, sql string, args *coordinator.ExecArgs) (*coordinator.ExecResult, error) {
	pg := h.conn.Value().Conn().PgConn()

	if args == nil {
		results, err := pg.Exec(ctx, sql).ReadAll()
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return &coordinator.ExecResult{}, nil
		}
		// The session core dispatches statements one at a time, so a
		// multi-result response only happens if routing hands us a compound
		// statement; report the last result like psql does.
		res := results[len(results)-1]
		if res.Err != nil {
			return nil, res.Err
		}
		return convertResult(res), nil
	}

	res := pg.ExecParams(ctx, sql, args.Params, nil, args.ParamFormats, args.ResultFormats).Read()
	if res.Err != nil {
		return nil, res.Err
	}
	return convertResult(res), nil
}

// DescribeStatement reports a statement's parameter and result shape by
// preparing it as the unnamed statement on the shard, implementing
// session.StatementDescriber. The unnamed statement is replaced by the next
// Parse, so nothing is left behind on the connection.
func (h *Handle) DescribeStatement(ctx context.Context, sql string, paramOIDs []uint32) ([]uint32, *pgproto3.RowDescription, error) {
	pg := h.conn.Value().Conn().PgConn()
	sd, err := pg.Prepare(ctx, "", sql, paramOIDs)
	if err != nil {
		return nil, nil, err
	}
	return sd.ParamOIDs, fieldsToDesc(sd.Fields), nil
}

// Prepare runs the first commit phase on this shard.
func (h *Handle) Prepare(ctx context.Context, gid string) error {
	return h.exec(ctx, fmt.Sprintf("PREPARE TRANSACTION %s", quoteLiteral(gid)))
}

// CommitPrepared finalizes a prepared transaction. The local connection is
// clean afterwards: PREPARE TRANSACTION already detached the transaction
// from the session.
func (h *Handle) CommitPrepared(ctx context.Context, gid string) error {
	err := h.exec(ctx, fmt.Sprintf("COMMIT PREPARED %s", quoteLiteral(gid)))
	if err == nil {
		h.clean = true
	}
	return err
}

// RollbackPrepared discards a prepared transaction.
func (h *Handle) RollbackPrepared(ctx context.Context, gid string) error {
	err := h.exec(ctx, fmt.Sprintf("ROLLBACK PREPARED %s", quoteLiteral(gid)))
	if err == nil {
		h.clean = true
	}
	return err
}

// Commit ends the local transaction directly (single-participant fast path).
func (h *Handle) Commit(ctx context.Context) error {
	err := h.exec(ctx, "COMMIT")
	if err == nil {
		h.clean = true
	}
	return err
}

// Rollback discards the local transaction.
func (h *Handle) Rollback(ctx context.Context) error {
	err := h.exec(ctx, "ROLLBACK")
	if err == nil {
		h.clean = true
	}
	return err
}

// Release returns the connection to the pool. A connection still holding
// transaction state (an unresolved participant being abandoned for
// reconciliation, or a failed connection) is destroyed instead of reused:
// handing it to another session would leak the open transaction.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	if !h.clean {
		h.logger.Warn("destroying shard connection with residual transaction state",
			"shard", h.shard)
		h.conn.ReleaseAndDestroy()
		return
	}
	h.conn.Release()
}

func (h *Handle) exec(ctx context.Context, sql string) error {
	pg := h.conn.Value().Conn().PgConn()
	_, err := pg.Exec(ctx, sql).ReadAll()
	return err
}

// convertResult repackages a pgconn result into the coordinator's
// transport-neutral form.
func convertResult(res *pgconn.Result) *coordinator.ExecResult {
	return &coordinator.ExecResult{
		Desc: fieldsToDesc(res.FieldDescriptions),
		Rows: res.Rows,
		Tag:  res.CommandTag.String(),
	}
}

// fieldsToDesc converts pgconn field descriptions to a wire RowDescription.
// Returns nil for statements that produce no rows.
func fieldsToDesc(fds []pgconn.FieldDescription) *pgproto3.RowDescription {
	if len(fds) == 0 {
		return nil
	}
	fields := make([]pgproto3.FieldDescription, len(fds))
	for i, fd := range fds {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(fd.Name),
			TableOID:             fd.TableOID,
			TableAttributeNumber: fd.TableAttributeNumber,
			DataTypeOID:          fd.DataTypeOID,
			DataTypeSize:         fd.DataTypeSize,
			TypeModifier:         fd.TypeModifier,
			Format:               fd.Format,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

// quoteLiteral single-quotes a string for inclusion in a SQL statement.
// Global transaction ids are proxy-generated identifiers, but quote anyway.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
