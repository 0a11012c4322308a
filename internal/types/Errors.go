package types

import "errors"

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	// ErrChainUnavailable is transient: RPC failures and timeouts on reads.
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrTransactionReverted means the transaction was mined (or simulated) with a failure status.
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrConfirmationTimeout is ambiguous: the transaction may still land.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrInsufficientLiquidity is a steady state, not a fault.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrSolvencyAlarm means liability exceeds available funds.
	ErrSolvencyAlarm = errors.New("solvency alarm")
	// ErrUnauthorized means the operator key lacks the required role. Never retried.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedSnapshot means chain data violated a ledger invariant.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)
