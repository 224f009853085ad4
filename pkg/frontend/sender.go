package frontend

import (
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/session"
)

// wireSender adapts the pgproto3 backend to the session core's
// ResponseSender. Sends buffer in pgproto3; Flush pushes to the socket.
type wireSender struct {
	frontend *Frontend
}

var _ session.ResponseSender = (*wireSender)(nil)

func (w *wireSender) SendRowDescription(desc *pgproto3.RowDescription) {
	w.frontend.Send(desc)
}

func (w *wireSender) SendDataRow(values [][]byte) {
	w.frontend.Send(&pgproto3.DataRow{Values: values})
}

func (w *wireSender) SendCommandComplete(tag string) {
	w.frontend.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

func (w *wireSender) SendEmptyQueryResponse() {
	w.frontend.Send(&pgproto3.EmptyQueryResponse{})
}

func (w *wireSender) SendParseComplete() {
	w.frontend.Send(&pgproto3.ParseComplete{})
}

func (w *wireSender) SendBindComplete() {
	w.frontend.Send(&pgproto3.BindComplete{})
}

func (w *wireSender) SendCloseComplete() {
	w.frontend.Send(&pgproto3.CloseComplete{})
}

func (w *wireSender) SendPortalSuspended() {
	w.frontend.Send(&pgproto3.PortalSuspended{})
}

func (w *wireSender) SendNoData() {
	w.frontend.Send(&pgproto3.NoData{})
}

func (w *wireSender) SendParameterDescription(oids []uint32) {
	w.frontend.Send(&pgproto3.ParameterDescription{ParameterOIDs: oids})
}

func (w *wireSender) SendError(err *pgwire.Err) {
	w.frontend.Send(&err.ErrorResponse)
}

func (w *wireSender) SendReadyForQuery(status pgwire.TxStatus) {
	w.frontend.Send(&pgproto3.ReadyForQuery{TxStatus: byte(status)})
}

func (w *wireSender) Flush() error {
	return w.frontend.Flush()
}
