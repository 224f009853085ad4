// Package frontend handles communication with clients: the TCP/TLS
// listeners, the PostgreSQL startup and cancel-request handshakes, and the
// per-connection loop that translates wire messages into calls on the
// session core.
//
// Client authentication is a deployment concern handled in front of the
// proxy; the frontend accepts every startup for a known database (trust
// auth).
package frontend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Frontend wraps the pgproto3 server-side codec with context cancellation
// checks around blocking reads.
type Frontend struct {
	*pgproto3.Backend
	ctx context.Context
}

func (f *Frontend) Receive() (pgproto3.FrontendMessage, error) {
	if err := f.ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	msg, err := f.Backend.Receive()
	if err != nil {
		return nil, err
	}
	if err := f.ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return msg, nil
}

// slogTraceWriter implements io.Writer to convert pgproto3 trace output to
// slog debug calls. It references the Session directly so it picks up logger
// metadata updates.
type slogTraceWriter struct {
	logger func() *slog.Logger
	buf    bytes.Buffer
}

// Write implements io.Writer. It buffers input and logs complete lines.
func (w *slogTraceWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// No complete line yet, put the partial data back.
			w.buf.Write(line)
			break
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		if len(line) > 0 {
			w.logger().Debug("pgproto3", "trace", string(line))
		}
	}

	return n, nil
}
