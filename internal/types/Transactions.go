package types

import (
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCall is an encoded contract invocation ready to be simulated or submitted.
type ContractCall struct {
	To          common.Address `json:"to"`
	Data        []byte         `json:"-"`
	Method      string         `json:"method"`
	Description string         `json:"description"`
	Amount      sdkmath.Int    `json:"amount"`
}

// PendingTransaction is a submitted but not yet final transaction.
type PendingTransaction struct {
	Hash        common.Hash  `json:"hash"`
	Nonce       uint64       `json:"nonce"`
	Call        ContractCall `json:"call"`
	SubmittedAt time.Time    `json:"submitted_at"`
	// Head block at submission, used to bound the confirmation window.
	SubmittedBlock uint64   `json:"submitted_block"`
	GasLimit       uint64   `json:"gas_limit"`
	GasFeeCap      *big.Int `json:"gas_fee_cap"`
	GasTipCap      *big.Int `json:"gas_tip_cap"`
	Replacement    bool     `json:"replacement"`
}

// TransactionResult is a finalized transaction.
type TransactionResult struct {
	TxHash        string    `json:"tx_hash"`
	BlockNumber   uint64    `json:"block_number"`
	GasUsed       uint64    `json:"gas_used"`
	Confirmations uint64    `json:"confirmations"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// WithdrawalOutcomeKind classifies the result of a payout attempt.
type WithdrawalOutcomeKind string

const (
	WithdrawalSubmitted             WithdrawalOutcomeKind = "submitted" // awaiting confirmation
	WithdrawalSkipped               WithdrawalOutcomeKind = "skipped"
	WithdrawalPaid                  WithdrawalOutcomeKind = "paid"
	WithdrawalInsufficientLiquidity WithdrawalOutcomeKind = "insufficient_liquidity"
	WithdrawalFailed                WithdrawalOutcomeKind = "failed"
)

// WithdrawalOutcome is returned for every payout attempt.
type WithdrawalOutcome struct {
	Kind        WithdrawalOutcomeKind `json:"kind"`
	Request     *WithdrawalRequest    `json:"request,omitempty"`
	Transaction *TransactionResult    `json:"transaction,omitempty"`
	Pending     *PendingTransaction   `json:"-"`
	Reason      string                `json:"reason,omitempty"`
	Err         error                 `json:"-"`
}
