package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fyield/treasury/internal/types"
)

// TreasurySummary aggregates the audit log for the dashboard.
type TreasurySummary struct {
	TotalCycles      int            `json:"total_cycles"`
	FaultedCycles    int            `json:"faulted_cycles"`
	ConfirmedActions int            `json:"confirmed_actions"`
	PaidWithdrawals  int            `json:"paid_withdrawals"`
	FaultsByKind     map[string]int `json:"faults_by_kind"`
	LastCycleAt      *time.Time     `json:"last_cycle_at,omitempty"`
}

// GetTreasurySummary aggregates every stored cycle record.
func GetTreasurySummary(ctx context.Context) (*TreasurySummary, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	s := &TreasurySummary{FaultsByKind: map[string]int{}}
	var last sql.NullTime
	err := DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE final_state = $1),
			COUNT(*) FILTER (WHERE outcome = $2),
			COUNT(*) FILTER (WHERE outcome = $2 AND action = $3),
			MAX(finished_at)
		FROM cycle_records`,
		string(types.StateFaulted), string(types.OutcomeConfirmed), string(types.ActionProcessWithdrawal),
	).Scan(&s.TotalCycles, &s.FaultedCycles, &s.ConfirmedActions, &s.PaidWithdrawals, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cycle records: %w", err)
	}
	if last.Valid {
		t := last.Time
		s.LastCycleAt = &t
	}

	rows, err := DB.QueryContext(ctx, `
		SELECT fault_kind, COUNT(*)
		FROM cycle_records
		WHERE fault_kind IS NOT NULL
		GROUP BY fault_kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count faults: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan fault count: %w", err)
		}
		s.FaultsByKind[kind] = n
	}
	return s, rows.Err()
}

// summarize builds a TreasurySummary from in-memory records.
func summarize(records []types.CycleRecord) *TreasurySummary {
	s := &TreasurySummary{FaultsByKind: map[string]int{}}
	for i := range records {
		rec := &records[i]
		s.TotalCycles++
		if rec.Faulted() {
			s.FaultedCycles++
		}
		if rec.FaultKind != "" {
			s.FaultsByKind[string(rec.FaultKind)]++
		}
		if rec.Outcome == types.OutcomeConfirmed {
			s.ConfirmedActions++
			if rec.Action == types.ActionProcessWithdrawal {
				s.PaidWithdrawals++
			}
		}
		if s.LastCycleAt == nil || rec.FinishedAt.After(*s.LastCycleAt) {
			t := rec.FinishedAt
			s.LastCycleAt = &t
		}
	}
	return s
}
