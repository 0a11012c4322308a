// Package metrics exposes treasury cycle metrics to Prometheus.
package metrics

import (
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/utils"
)

type TreasuryMetrics struct {
	cycles        *prometheus.CounterVec
	faults        *prometheus.CounterVec
	actions       *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	state         *prometheus.GaugeVec
	balances      *prometheus.GaugeVec
	pendingCount  prometheus.Gauge
	solvencyAlarm prometheus.Gauge
	halted        prometheus.Gauge
}

var (
	treasuryOnce     sync.Once
	treasuryRegistry *TreasuryMetrics
)

var allStates = []types.OrchestratorState{
	types.StateIdle,
	types.StateSnapshotting,
	types.StateReconciling,
	types.StateActing,
	types.StateConfirming,
	types.StateFaulted,
}

// Treasury returns the process-wide metrics, registering them on first use.
func Treasury() *TreasuryMetrics {
	treasuryOnce.Do(func() {
		treasuryRegistry = &TreasuryMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "treasury_cycles_total",
				Help: "Completed orchestration cycles by outcome.",
			}, []string{"outcome"}),
			faults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "treasury_faults_total",
				Help: "Faulted cycles by fault kind.",
			}, []string{"kind"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "treasury_actions_total",
				Help: "Actions taken on chain by type and outcome.",
			}, []string{"action", "outcome"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "treasury_cycle_duration_seconds",
				Help:    "Wall-clock duration of orchestration cycles.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}),
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "treasury_orchestrator_state",
				Help: "1 for the current orchestrator state, 0 otherwise.",
			}, []string{"state"}),
			balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "treasury_balance_usdc",
				Help: "Ledger values from the last reconciliation, in USDC.",
			}, []string{"kind"}),
			pendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "treasury_pending_withdrawals",
				Help: "Withdraw requests in the vault queue at the last snapshot.",
			}),
			solvencyAlarm: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "treasury_solvency_alarm",
				Help: "1 while vault liability exceeds available funds.",
			}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "treasury_halted",
				Help: "1 while acting is halted pending operator resume.",
			}),
		}
		prometheus.MustRegister(
			treasuryRegistry.cycles,
			treasuryRegistry.faults,
			treasuryRegistry.actions,
			treasuryRegistry.cycleDuration,
			treasuryRegistry.state,
			treasuryRegistry.balances,
			treasuryRegistry.pendingCount,
			treasuryRegistry.solvencyAlarm,
			treasuryRegistry.halted,
		)
	})
	return treasuryRegistry
}

// SetState marks state as the current orchestrator state.
func (m *TreasuryMetrics) SetState(state types.OrchestratorState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

// SetHalted records whether acting is halted.
func (m *TreasuryMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}

// ObserveCycle records a finished cycle.
func (m *TreasuryMetrics) ObserveCycle(rec *types.CycleRecord) {
	if m == nil || rec == nil {
		return
	}
	outcome := string(rec.Outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if rec.Faulted() {
		kind := string(rec.FaultKind)
		if kind == "" {
			kind = "unknown"
		}
		m.faults.WithLabelValues(kind).Inc()
	}
	if rec.Action != "" && rec.Action != types.ActionNone && rec.TxHash != "" {
		m.actions.WithLabelValues(string(rec.Action), outcome).Inc()
	}
	if !rec.StartedAt.IsZero() && rec.FinishedAt.After(rec.StartedAt) {
		m.cycleDuration.Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
	if rec.Snapshot != nil {
		m.pendingCount.Set(float64(rec.Snapshot.Vault.PendingCount))
	}
	if r := rec.Reconciliation; r != nil {
		m.setBalance("liability", r.VaultLiability)
		m.setBalance("available", r.AvailableLiquidity)
		m.setBalance("gap", r.Gap)
		m.setBalance("liquid", r.LiquidBalance)
		m.setBalance("position", r.PositionBalance)
		m.setBalance("pending_queue", r.PendingQueueTotal)
		m.setBalance("yield", r.YieldEarned)
		if r.SolvencyAlarm {
			m.solvencyAlarm.Set(1)
		} else {
			m.solvencyAlarm.Set(0)
		}
	}
}

func (m *TreasuryMetrics) setBalance(kind string, amount sdkmath.Int) {
	if amount.IsNil() {
		return
	}
	v, err := utils.IntToFloat64(amount, utils.USDCDecimals)
	if err != nil {
		return
	}
	m.balances.WithLabelValues(kind).Set(v)
}
