package relay

import "errors"

// RPC-facing error kinds. These are the only error values an RPC handler
// needs to special-case when mapping a directive reply onto an HTTP
// status; any other error is an opaque internal failure.
var (
	ErrNoSuchBlock              = errors.New("relay: no such block")
	ErrInvalidProof             = errors.New("relay: invalid VRF proof")
	ErrFailedToMineBlock        = errors.New("relay: failed to mine block")
	ErrFailedToComputeRecipients = errors.New("relay: failed to compute reward recipients")
)

// transientChainError wraps an error the relayer should log and abort the
// current directive over, without terminating its loop. It is distinct
// from a channel-disconnected condition (which does terminate the loop)
// and from a poisoned-lock panic (which aborts the process).
type transientChainError struct {
	op  string
	err error
}

func (e *transientChainError) Error() string {
	return "relay: " + e.op + ": " + e.err.Error()
}

func (e *transientChainError) Unwrap() error { return e.err }

func transientErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &transientChainError{op: op, err: err}
}
