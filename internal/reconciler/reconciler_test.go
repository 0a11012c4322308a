package reconciler

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyield/treasury/internal/types"
)

func testParams() types.ReconcileParameters {
	return types.ReconcileParameters{
		LiquidBufferAmount:       sdkmath.NewInt(50),
		MinSupplyAmount:          sdkmath.NewInt(10),
		ShareToAssetRate:         sdkmath.LegacyOneDec(),
		QueueReadLimit:           16,
		SnapshotMaxAttempts:      3,
		SnapshotInitialInterval:  time.Millisecond,
		SnapshotMaxInterval:      time.Millisecond,
		ConfirmationDepth:        1,
		ConfirmationWindowBlocks: 10,
		ConfirmationTimeout:      time.Second,
		ConfirmationPollInterval: time.Millisecond,
		CycleInterval:            time.Minute,
	}
}

func snapshot(shares, liquid, position int64, queue ...int64) types.LedgerSnapshot {
	reqs := make([]types.WithdrawalRequest, 0, len(queue))
	for i, amount := range queue {
		reqs = append(reqs, types.WithdrawalRequest{RequestID: uint64(i + 1), ShareAmount: sdkmath.NewInt(amount)})
	}
	return types.LedgerSnapshot{
		BlockNumber: 10,
		Timestamp:   time.Unix(1_700_000_000, 0),
		Vault: types.VaultState{
			TotalShareSupply:   sdkmath.NewInt(shares),
			PendingWithdrawals: reqs,
			PendingCount:       uint64(len(reqs)),
		},
		Position: types.PositionState{
			TotalSupplied:   sdkmath.NewInt(position),
			TotalWithdrawn:  sdkmath.ZeroInt(),
			LiquidBalance:   sdkmath.NewInt(liquid),
			PositionBalance: sdkmath.NewInt(position),
			ReportedYield:   sdkmath.ZeroInt(),
		},
	}
}

func newReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := New(testParams())
	require.NoError(t, err)
	return r
}

func TestWithdrawFromPositionCoversExactlyTheQueue(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(1_000, 100, 1_000, 500))
	require.NoError(t, err)

	assert.False(t, rec.SolvencyAlarm)
	assert.Equal(t, types.ActionWithdrawFromPosition, rec.RecommendedAction)
	assert.Equal(t, sdkmath.NewInt(400), rec.RecommendedAmount)
	assert.Equal(t, sdkmath.NewInt(500), rec.PendingQueueTotal)

	// after the withdrawal, liquid covers the queue
	after := rec.LiquidBalance.Add(rec.RecommendedAmount)
	assert.True(t, after.GTE(rec.PendingQueueTotal))
}

func TestWithdrawFromPositionCappedByPosition(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(300, 100, 200, 350))
	require.NoError(t, err)
	assert.Equal(t, types.ActionWithdrawFromPosition, rec.RecommendedAction)
	assert.Equal(t, sdkmath.NewInt(200), rec.RecommendedAmount)
}

func TestExhaustedPositionFallsThroughToHead(t *testing.T) {
	r := newReconciler(t)

	// liquid cannot cover the whole queue but can pay the head
	rec, err := r.Evaluate(snapshot(0, 300, 0, 50, 500))
	require.NoError(t, err)
	assert.False(t, rec.SolvencyAlarm)
	assert.Equal(t, types.ActionProcessWithdrawal, rec.RecommendedAction)
	assert.Equal(t, sdkmath.NewInt(50), rec.RecommendedAmount)

	// head larger than liquid is still recommended; payout reports it blocked
	rec, err = r.Evaluate(snapshot(0, 250, 0, 500))
	require.NoError(t, err)
	assert.Equal(t, types.ActionProcessWithdrawal, rec.RecommendedAction)
	assert.Equal(t, sdkmath.NewInt(500), rec.RecommendedAmount)
}

func TestSupplyLeavesExactlyTheBuffer(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(1_000, 600, 400))
	require.NoError(t, err)

	require.Equal(t, types.ActionSupply, rec.RecommendedAction)
	assert.Equal(t, sdkmath.NewInt(550), rec.RecommendedAmount)
	assert.Equal(t, r.Parameters().LiquidBufferAmount, rec.LiquidBalance.Sub(rec.RecommendedAmount))
}

func TestSupplyBelowMinimumIsSkipped(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(1_000, 55, 945))
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, rec.RecommendedAction)
	assert.True(t, rec.RecommendedAmount.IsZero())
}

func TestQueuePaidBeforeSupply(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(1_000, 900, 400, 200, 100))
	require.NoError(t, err)
	assert.Equal(t, types.ActionProcessWithdrawal, rec.RecommendedAction)
	assert.Equal(t, sdkmath.NewInt(200), rec.RecommendedAmount, "amount owed to the head of the queue")
}

func TestSolvencyAlarmRecommendsNothing(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(2_000, 100, 1_000, 500))
	require.NoError(t, err)

	assert.True(t, rec.SolvencyAlarm)
	assert.Equal(t, sdkmath.NewInt(900), rec.Gap)
	assert.Equal(t, types.ActionNone, rec.RecommendedAction)
}

func TestSurplusHasNegativeGap(t *testing.T) {
	r := newReconciler(t)

	rec, err := r.Evaluate(snapshot(1_000, 50, 1_000))
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(-50), rec.Gap)
	assert.False(t, rec.SolvencyAlarm)
}

func TestShareToAssetRateScalesLiability(t *testing.T) {
	p := testParams()
	p.ShareToAssetRate = sdkmath.LegacyMustNewDecFromStr("1.1")
	r, err := New(p)
	require.NoError(t, err)

	rec, err := r.Evaluate(snapshot(1_000, 100, 1_000, 500))
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(1_100), rec.VaultLiability)
	assert.Equal(t, sdkmath.NewInt(550), rec.PendingQueueTotal)
	assert.Equal(t, sdkmath.NewInt(450), rec.RecommendedAmount)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	r := newReconciler(t)
	snap := snapshot(1_000, 100, 1_000, 500)

	first, err := r.Evaluate(snap)
	require.NoError(t, err)
	second, err := r.Evaluate(snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEvaluateRejectsMalformed(t *testing.T) {
	r := newReconciler(t)
	snap := snapshot(1_000, 100, 1_000)
	snap.Position.TotalWithdrawn = sdkmath.NewInt(2_000)

	_, err := r.Evaluate(snap)
	assert.ErrorIs(t, err, types.ErrMalformedSnapshot)
}
