/*

Package reconciler compares the vault's liability against the manager's funds
and recommends at most one corrective action.

Evaluation is pure: the same snapshot and parameters always yield the same record.

*/

package reconciler

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/fyield/treasury/internal/types"
)

// Reconciler evaluates snapshots under a fixed policy.
type Reconciler struct {
	params types.ReconcileParameters
}

// New validates the policy and returns a Reconciler.
func New(params types.ReconcileParameters) (*Reconciler, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile parameters: %w", err)
	}
	return &Reconciler{params: params}, nil
}

// Parameters returns the policy in use.
func (r *Reconciler) Parameters() types.ReconcileParameters {
	return r.params
}

// Evaluate computes the reconciliation record for a snapshot.
//
// A positive gap raises the solvency alarm and recommends nothing: a shortfall
// is never corrected automatically. Otherwise the recommendation is, in order:
// withdraw from the position when liquid funds cannot cover the queue and the
// position still holds funds, pay the queue head, or supply the excess over
// queue plus buffer.
func (r *Reconciler) Evaluate(snap types.LedgerSnapshot) (types.ReconciliationRecord, error) {
	if err := snap.Validate(); err != nil {
		return types.ReconciliationRecord{}, err
	}

	liquid := snap.Position.LiquidBalance
	position := snap.Position.PositionBalance

	liability := r.params.SharesToAssets(snap.Vault.TotalShareSupply)
	available := liquid.Add(position)
	pendingTotal := r.PendingQueueTotal(snap.Vault)

	rec := types.ReconciliationRecord{
		Timestamp:          snap.Timestamp,
		BlockNumber:        snap.BlockNumber,
		VaultLiability:     liability,
		AvailableLiquidity: available,
		Gap:                liability.Sub(available),
		PendingQueueTotal:  pendingTotal,
		LiquidBalance:      liquid,
		PositionBalance:    position,
		YieldEarned:        snap.Position.YieldEarned(),
		QueueTruncated:     snap.Vault.QueueTruncated(),
		RecommendedAction:  types.ActionNone,
		RecommendedAmount:  sdkmath.ZeroInt(),
		ActionTaken:        types.ActionNone,
	}

	if rec.Gap.IsPositive() {
		rec.SolvencyAlarm = true
		return rec, nil
	}

	head, queued := snap.Vault.Head()

	switch {
	case liquid.LT(pendingTotal) && position.IsPositive():
		// cover exactly the queue, never more, bounded by what the position holds
		rec.RecommendedAction = types.ActionWithdrawFromPosition
		rec.RecommendedAmount = sdkmath.MinInt(pendingTotal.Sub(liquid), position)

	case queued:
		// with the position exhausted the head is still attempted; the
		// processor reports it blocked when liquid cannot cover it
		rec.RecommendedAction = types.ActionProcessWithdrawal
		rec.RecommendedAmount = r.params.SharesToAssets(head.ShareAmount)

	case liquid.GT(pendingTotal.Add(r.params.LiquidBufferAmount)):
		excess := liquid.Sub(pendingTotal).Sub(r.params.LiquidBufferAmount)
		if excess.GTE(r.params.MinSupplyAmount) {
			rec.RecommendedAction = types.ActionSupply
			rec.RecommendedAmount = excess
		}
	}

	return rec, nil
}

// PendingQueueTotal is the asset value of every queued request that was read.
func (r *Reconciler) PendingQueueTotal(v types.VaultState) sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, req := range v.PendingWithdrawals {
		total = total.Add(r.params.SharesToAssets(req.ShareAmount))
	}
	return total
}

// RequestAssets is the asset value owed for a request.
func (r *Reconciler) RequestAssets(req types.WithdrawalRequest) sdkmath.Int {
	return r.params.SharesToAssets(req.ShareAmount)
}
