package orchestrator

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/fyield/treasury/internal/emergency"
	"github.com/fyield/treasury/internal/types"
)

// EmergencyDrain runs an operator drain under the cycle lock and the write
// lock and records it as an emergency_withdraw cycle. Reconciliation policy is
// not consulted.
func (o *Orchestrator) EmergencyDrain(ctx context.Context, target emergency.Target, amount sdkmath.Int) (*emergency.Report, *types.CycleRecord, error) {
	if o.emergency == nil {
		return nil, nil, ErrNoEmergencyDrain
	}
	if !o.cycleMu.TryLock() {
		return nil, nil, ErrCycleInProgress
	}
	defer o.cycleMu.Unlock()

	release, err := o.acquireWriteLock(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("emergency drain not started: %w", err)
	}

	c := o.newCycle(ctx, TriggerEmergency)
	c.release = release
	c.record.Action = types.ActionEmergencyWithdraw
	if !amount.IsNil() {
		c.record.Amount = amount
	}
	c.logger.Warn().Str("target", string(target)).Str("amount", amount.String()).Msg("--- Starting emergency drain ---")

	if snap, err := o.snapshots.Read(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Pre-drain snapshot unavailable, continuing")
	} else {
		c.snapshot = snap
		c.record.Snapshot = &snap
	}

	o.setState(types.StateActing)
	report, err := o.emergency.EmergencyDrain(ctx, target, amount)
	if report != nil {
		c.record.Amount = report.Amount
		c.record.TxHash = report.TxHash
		if report.After != nil {
			liquid, position := report.After.LiquidBalance, report.After.PositionBalance
			c.record.PostLiquid = &liquid
			c.record.PostPosition = &position
		}
	}

	final := types.StateIdle
	if err != nil {
		kind := types.FaultSubmissionFailed
		switch {
		case errors.Is(err, types.ErrUnauthorized):
			kind = types.FaultUnauthorized
		case errors.Is(err, types.ErrTransactionReverted):
			kind = types.FaultTransactionReverted
		case errors.Is(err, types.ErrConfirmationTimeout):
			kind = types.FaultConfirmationTimeout
		case errors.Is(err, types.ErrChainUnavailable):
			kind = types.FaultChainUnavailable
		}
		final = o.faultErr(c, kind, err)
	} else {
		c.record.Outcome = types.OutcomeConfirmed
	}

	o.finish(ctx, c, final)
	return report, c.record, err
}
