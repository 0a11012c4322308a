/*

This file contains the ledger types read from the Vault and the PositionManager.
All amounts are 6-decimal USDC base units.

*/

package types

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// WithdrawalRequest is a single entry of the vault's FIFO withdraw queue.
type WithdrawalRequest struct {
	RequestID   uint64         `json:"request_id"`
	Requester   common.Address `json:"requester"`
	ShareAmount sdkmath.Int    `json:"share_amount"`
	RequestedAt time.Time      `json:"requested_at"`
}

// VaultState is the user-facing share accounting at one block.
type VaultState struct {
	TotalShareSupply   sdkmath.Int         `json:"total_share_supply"`
	PendingWithdrawals []WithdrawalRequest `json:"pending_withdrawals"` // oldest first
	PendingCount       uint64              `json:"pending_count"`       // on-chain queue length, may exceed len(PendingWithdrawals)
}

// PendingShareTotal sums the shares of every request that was read.
func (v VaultState) PendingShareTotal() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, req := range v.PendingWithdrawals {
		total = total.Add(req.ShareAmount)
	}
	return total
}

// QueueTruncated reports whether only a prefix of the on-chain queue was read.
func (v VaultState) QueueTruncated() bool {
	return v.PendingCount > uint64(len(v.PendingWithdrawals))
}

// Head returns the oldest pending request.
func (v VaultState) Head() (WithdrawalRequest, bool) {
	if len(v.PendingWithdrawals) == 0 {
		return WithdrawalRequest{}, false
	}
	return v.PendingWithdrawals[0], true
}

// PositionState is the PositionManager's view of liquid and deployed funds.
type PositionState struct {
	TotalSupplied   sdkmath.Int `json:"total_supplied"`
	TotalWithdrawn  sdkmath.Int `json:"total_withdrawn"`
	LiquidBalance   sdkmath.Int `json:"liquid_balance"`
	PositionBalance sdkmath.Int `json:"position_balance"`
	ReportedYield   sdkmath.Int `json:"reported_yield"` // getTotalYieldEarned(), informational only
}

// Principal is the amount still deployed according to the lifetime counters.
func (p PositionState) Principal() sdkmath.Int {
	return p.TotalSupplied.Sub(p.TotalWithdrawn)
}

// YieldEarned is positionBalance - (totalSupplied - totalWithdrawn). Negative
// means the position is worth less than its principal.
func (p PositionState) YieldEarned() sdkmath.Int {
	return p.PositionBalance.Sub(p.Principal())
}

// TotalFunds is liquid plus deployed.
func (p PositionState) TotalFunds() sdkmath.Int {
	return p.LiquidBalance.Add(p.PositionBalance)
}

// LedgerSnapshot is a consistent read of both ledgers at a single block height.
type LedgerSnapshot struct {
	BlockNumber uint64        `json:"block_number"`
	Timestamp   time.Time     `json:"timestamp"`
	Vault       VaultState    `json:"vault"`
	Position    PositionState `json:"position"`
}

// Validate rejects snapshots whose values violate the ledger counters.
func (s LedgerSnapshot) Validate() error {
	amounts := map[string]sdkmath.Int{
		"total_share_supply": s.Vault.TotalShareSupply,
		"total_supplied":     s.Position.TotalSupplied,
		"total_withdrawn":    s.Position.TotalWithdrawn,
		"liquid_balance":     s.Position.LiquidBalance,
		"position_balance":   s.Position.PositionBalance,
		"reported_yield":     s.Position.ReportedYield,
	}
	for name, amount := range amounts {
		if err := validateAmount(name, amount); err != nil {
			return err
		}
	}

	if s.Position.TotalSupplied.LT(s.Position.TotalWithdrawn) {
		return fmt.Errorf("%w: total_withdrawn %s exceeds total_supplied %s",
			ErrMalformedSnapshot, s.Position.TotalWithdrawn, s.Position.TotalSupplied)
	}

	seen := make(map[uint64]struct{}, len(s.Vault.PendingWithdrawals))
	for i, req := range s.Vault.PendingWithdrawals {
		if req.ShareAmount.IsNil() || !req.ShareAmount.IsPositive() {
			return fmt.Errorf("%w: withdrawal request at index %d has non-positive share amount", ErrMalformedSnapshot, i)
		}
		if _, dup := seen[req.RequestID]; dup {
			return fmt.Errorf("%w: duplicate withdrawal request id %d", ErrMalformedSnapshot, req.RequestID)
		}
		seen[req.RequestID] = struct{}{}
	}

	if uint64(len(s.Vault.PendingWithdrawals)) > s.Vault.PendingCount {
		return fmt.Errorf("%w: read %d requests but queue length is %d",
			ErrMalformedSnapshot, len(s.Vault.PendingWithdrawals), s.Vault.PendingCount)
	}
	return nil
}

func validateAmount(name string, amount sdkmath.Int) error {
	if amount.IsNil() {
		return fmt.Errorf("%w: %s is nil", ErrMalformedSnapshot, name)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative (%s)", ErrMalformedSnapshot, name, amount)
	}
	return nil
}
