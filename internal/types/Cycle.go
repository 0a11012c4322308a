/*

This file contains the types describing one orchestration cycle and its audit record.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// OrchestratorState is a state of the cycle state machine.
type OrchestratorState string

const (
	StateIdle         OrchestratorState = "idle"
	StateSnapshotting OrchestratorState = "snapshotting"
	StateReconciling  OrchestratorState = "reconciling"
	StateActing       OrchestratorState = "acting"
	StateConfirming   OrchestratorState = "confirming"
	StateFaulted      OrchestratorState = "faulted"
)

// FaultKind classifies why a cycle ended in the faulted state.
type FaultKind string

const (
	FaultChainUnavailable    FaultKind = "chain_unavailable"
	FaultMalformedSnapshot   FaultKind = "malformed_snapshot"
	FaultSolvencyAlarm       FaultKind = "solvency_alarm"
	FaultSubmissionFailed    FaultKind = "submission_failed"
	FaultTransactionReverted FaultKind = "transaction_reverted"
	FaultConfirmationTimeout FaultKind = "confirmation_timeout"
	FaultUnauthorized        FaultKind = "unauthorized"
	FaultHalted              FaultKind = "halted"
)

// CycleOutcome summarizes how a cycle ended.
type CycleOutcome string

const (
	OutcomeNoAction  CycleOutcome = "no_action"
	OutcomeConfirmed CycleOutcome = "confirmed"
	OutcomeSkipped   CycleOutcome = "skipped"
	OutcomeBlocked   CycleOutcome = "blocked" // head of queue not payable yet
	OutcomeCancelled CycleOutcome = "cancelled"
	OutcomeFaulted   CycleOutcome = "faulted"
)

// CycleRecord is the audit record written once per cycle.
type CycleRecord struct {
	RecordID       int64                 `json:"record_id,omitempty"` // assigned by the store
	CycleID        string                `json:"cycle_id"`
	CycleNumber    int                   `json:"cycle_number"`
	Trigger        string                `json:"trigger"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	FinalState     OrchestratorState     `json:"final_state"`
	Snapshot       *LedgerSnapshot       `json:"snapshot,omitempty"`
	Reconciliation *ReconciliationRecord `json:"reconciliation,omitempty"`
	Action         ActionType            `json:"action"`
	Amount         sdkmath.Int           `json:"amount"`
	RequestID      *uint64               `json:"request_id,omitempty"`
	TxHash         string                `json:"tx_hash,omitempty"`
	Outcome        CycleOutcome          `json:"outcome"`
	FaultKind      FaultKind             `json:"fault_kind,omitempty"`
	FaultReason    string                `json:"fault_reason,omitempty"`
	PostLiquid     *sdkmath.Int          `json:"post_liquid_balance,omitempty"`
	PostPosition   *sdkmath.Int          `json:"post_position_balance,omitempty"`
}

// Faulted reports whether the cycle ended in the faulted state.
func (c CycleRecord) Faulted() bool {
	return c.FinalState == StateFaulted
}
