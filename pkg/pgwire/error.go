package pgwire

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const errHint = "pgfan proxy error"

// Err is an error carrying a full PostgreSQL ErrorResponse, so any failure
// inside the proxy can be sent to the client verbatim.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

var _ error = &Err{}

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.C
}

func NewErr(severity Severity, code string, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(severity),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
			Hint:     errHint,
		},
		C: cause,
	}
}

// NewProtocolViolation reports a malformed message sequence, like an Execute
// naming a portal that was never bound.
func NewProtocolViolation(cause error, detail string) *Err {
	if detail == "" {
		detail = "invalid protocol state"
	}
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(Error),
			Code:     pgerrcode.ProtocolViolation,
			Message:  detail,
			File:     file,
			Line:     int32(line),
			Hint:     errHint,
		},
		C: cause,
	}
}

// NewTxAborted is the error every statement except transaction control
// receives while the session's block is in the failed state.
func NewTxAborted() *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(Error),
			Code:     pgerrcode.InFailedSQLTransaction,
			Message:  "current transaction is aborted, commands ignored until end of transaction block",
			File:     file,
			Line:     int32(line),
			Hint:     errHint,
		},
	}
}

// AsErr converts any error into an *Err suitable for an ErrorResponse,
// preserving an existing *Err unchanged. A shard's own error passes through
// with its original code and fields, so the client sees the constraint
// violation (or whatever it was) exactly as the shard reported it.
func AsErr(err error) *Err {
	var pgErr *Err
	if errors.As(err, &pgErr) {
		return pgErr
	}

	var shardErr *pgconn.PgError
	if errors.As(err, &shardErr) {
		return &Err{
			ErrorResponse: pgproto3.ErrorResponse{
				Severity:         shardErr.Severity,
				Code:             shardErr.Code,
				Message:          shardErr.Message,
				Detail:           shardErr.Detail,
				Hint:             shardErr.Hint,
				SchemaName:       shardErr.SchemaName,
				TableName:        shardErr.TableName,
				ColumnName:       shardErr.ColumnName,
				DataTypeName:     shardErr.DataTypeName,
				ConstraintName:   shardErr.ConstraintName,
				InternalQuery:    shardErr.InternalQuery,
				InternalPosition: shardErr.InternalPosition,
				Position:         shardErr.Position,
				Where:            shardErr.Where,
				File:             shardErr.File,
				Line:             shardErr.Line,
				Routine:          shardErr.Routine,
			},
			C: err,
		}
	}

	return NewErr(Error, pgerrcode.InternalError, err.Error(), err)
}
