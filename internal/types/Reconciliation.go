/*

This file contains the reconciliation output and the operator-tunable policy parameters.

*/

package types

import (
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

// ActionType names a single rebalancing or payout action.
type ActionType string

const (
	ActionNone                 ActionType = "none"
	ActionSupply               ActionType = "supply"
	ActionWithdrawFromPosition ActionType = "withdraw_from_position"
	ActionProcessWithdrawal    ActionType = "process_withdrawal"
	ActionEmergencyWithdraw    ActionType = "emergency_withdraw"
)

// ReconciliationRecord is the result of comparing the two ledgers for one snapshot.
type ReconciliationRecord struct {
	Timestamp          time.Time   `json:"timestamp"`
	BlockNumber        uint64      `json:"block_number"`
	VaultLiability     sdkmath.Int `json:"vault_liability"`
	AvailableLiquidity sdkmath.Int `json:"available_liquidity"`
	Gap                sdkmath.Int `json:"gap"` // liability - available; positive is a shortfall
	PendingQueueTotal  sdkmath.Int `json:"pending_queue_total"`
	LiquidBalance      sdkmath.Int `json:"liquid_balance"`
	PositionBalance    sdkmath.Int `json:"position_balance"`
	YieldEarned        sdkmath.Int `json:"yield_earned"`
	SolvencyAlarm      bool        `json:"solvency_alarm"`
	QueueTruncated     bool        `json:"queue_truncated"`
	RecommendedAction  ActionType  `json:"recommended_action"`
	RecommendedAmount  sdkmath.Int `json:"recommended_amount"`
	ActionTaken        ActionType  `json:"action_taken"`
}

// ReconcileParameters is the operator configuration for reconciliation and chain interaction.
type ReconcileParameters struct {
	// Liquid USDC kept in the manager above the pending queue before supplying.
	LiquidBufferAmount sdkmath.Int `json:"liquid_buffer_amount"`
	// Supplies smaller than this are not worth the gas.
	MinSupplyAmount sdkmath.Int `json:"min_supply_amount"`
	// Asset units per vault share.
	ShareToAssetRate sdkmath.LegacyDec `json:"share_to_asset_rate"`
	// Maximum number of queue entries read per snapshot.
	QueueReadLimit uint64 `json:"queue_read_limit"`

	SnapshotMaxAttempts     uint64        `json:"snapshot_max_attempts"`
	SnapshotInitialInterval time.Duration `json:"snapshot_initial_interval"`
	SnapshotMaxInterval     time.Duration `json:"snapshot_max_interval"`

	ConfirmationDepth        uint64        `json:"confirmation_depth"`
	ConfirmationWindowBlocks uint64        `json:"confirmation_window_blocks"`
	ConfirmationTimeout      time.Duration `json:"confirmation_timeout"`
	ConfirmationPollInterval time.Duration `json:"confirmation_poll_interval"`

	CycleInterval time.Duration `json:"cycle_interval"`
}

// Validate checks that every parameter is usable.
func (p ReconcileParameters) Validate() error {
	var errs []error
	if p.LiquidBufferAmount.IsNil() || p.LiquidBufferAmount.IsNegative() {
		errs = append(errs, errors.New("liquid buffer amount must be non-negative"))
	}
	if p.MinSupplyAmount.IsNil() || p.MinSupplyAmount.IsNegative() {
		errs = append(errs, errors.New("min supply amount must be non-negative"))
	}
	if p.ShareToAssetRate.IsNil() || !p.ShareToAssetRate.IsPositive() {
		errs = append(errs, errors.New("share to asset rate must be positive"))
	}
	if p.QueueReadLimit == 0 {
		errs = append(errs, errors.New("queue read limit must be positive"))
	}
	if p.SnapshotMaxAttempts == 0 {
		errs = append(errs, errors.New("snapshot max attempts must be positive"))
	}
	if p.SnapshotInitialInterval <= 0 || p.SnapshotMaxInterval < p.SnapshotInitialInterval {
		errs = append(errs, fmt.Errorf("invalid snapshot retry intervals %s..%s", p.SnapshotInitialInterval, p.SnapshotMaxInterval))
	}
	if p.ConfirmationDepth == 0 {
		errs = append(errs, errors.New("confirmation depth must be at least 1"))
	}
	if p.ConfirmationWindowBlocks < p.ConfirmationDepth {
		errs = append(errs, errors.New("confirmation window must cover the confirmation depth"))
	}
	if p.ConfirmationTimeout <= 0 || p.ConfirmationPollInterval <= 0 {
		errs = append(errs, errors.New("confirmation timeout and poll interval must be positive"))
	}
	if p.CycleInterval <= 0 {
		errs = append(errs, errors.New("cycle interval must be positive"))
	}
	return errors.Join(errs...)
}

// SharesToAssets converts a share amount to asset units, truncating.
func (p ReconcileParameters) SharesToAssets(shares sdkmath.Int) sdkmath.Int {
	return sdkmath.LegacyNewDecFromInt(shares).Mul(p.ShareToAssetRate).TruncateInt()
}
