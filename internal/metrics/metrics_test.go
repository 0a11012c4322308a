package metrics

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fyield/treasury/internal/types"
)

func TestTreasuryIsSingleton(t *testing.T) {
	assert.Same(t, Treasury(), Treasury())
}

func TestObserveCycle(t *testing.T) {
	m := Treasury()
	start := time.Now()
	faultsBefore := testutil.ToFloat64(m.faults.WithLabelValues(string(types.FaultConfirmationTimeout)))
	actionsBefore := testutil.ToFloat64(m.actions.WithLabelValues(string(types.ActionSupply), string(types.OutcomeFaulted)))

	m.ObserveCycle(&types.CycleRecord{
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		FinalState: types.StateFaulted,
		Action:     types.ActionSupply,
		TxHash:     "0xabc",
		Outcome:    types.OutcomeFaulted,
		FaultKind:  types.FaultConfirmationTimeout,
		Reconciliation: &types.ReconciliationRecord{
			VaultLiability:     sdkmath.NewInt(1_500_000),
			AvailableLiquidity: sdkmath.NewInt(2_000_000),
			Gap:                sdkmath.NewInt(-500_000),
			LiquidBalance:      sdkmath.NewInt(250_000),
			PositionBalance:    sdkmath.NewInt(1_750_000),
			PendingQueueTotal:  sdkmath.ZeroInt(),
			YieldEarned:        sdkmath.NewInt(300_000),
		},
	})

	assert.Equal(t, faultsBefore+1, testutil.ToFloat64(m.faults.WithLabelValues(string(types.FaultConfirmationTimeout))))
	assert.Equal(t, actionsBefore+1, testutil.ToFloat64(m.actions.WithLabelValues(string(types.ActionSupply), string(types.OutcomeFaulted))))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.balances.WithLabelValues("liquid")), 1e-9)
	assert.InDelta(t, -0.5, testutil.ToFloat64(m.balances.WithLabelValues("gap")), 1e-9)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.solvencyAlarm))
}

func TestSetStateIsExclusive(t *testing.T) {
	m := Treasury()
	m.SetState(types.StateConfirming)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues(string(types.StateConfirming))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues(string(types.StateIdle))))

	m.SetHalted(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halted))
	m.SetHalted(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.halted))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *TreasuryMetrics
	assert.NotPanics(t, func() {
		m.SetState(types.StateIdle)
		m.SetHalted(true)
		m.ObserveCycle(&types.CycleRecord{})
	})
}
