package pgwire

// TxStatus is the transaction status byte carried by ReadyForQuery.
type TxStatus byte

const (
	// TxIdle means the session has no open transaction block.
	TxIdle TxStatus = 'I'
	// TxInTransaction means a transaction block (implicit or explicit) is open.
	TxInTransaction TxStatus = 'T'
	// TxFailed means the open block has failed: only ROLLBACK (or COMMIT,
	// treated as rollback) will be accepted until the block closes.
	TxFailed TxStatus = 'E'
)

func (s TxStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxInTransaction:
		return "in transaction"
	case TxFailed:
		return "in failed transaction"
	default:
		return "unknown"
	}
}
