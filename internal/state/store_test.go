package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyield/treasury/internal/types"
)

func record(id string, action types.ActionType, outcome types.CycleOutcome, finished time.Time) types.CycleRecord {
	rec := types.CycleRecord{
		CycleID:    id,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
		FinalState: types.StateIdle,
		Action:     action,
		Amount:     sdkmath.NewInt(100),
		Outcome:    outcome,
	}
	if outcome == types.OutcomeFaulted {
		rec.FinalState = types.StateFaulted
		rec.FaultKind = types.FaultConfirmationTimeout
	}
	return rec
}

func TestMemoryStoreOrderingAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"a", "b", "c"} {
		n, err := s.NextCycleNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
		_, err = s.SaveCycleRecord(ctx, record(id, types.ActionNone, types.OutcomeNoAction, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	recent, err := s.RecentCycles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].CycleID)
	assert.Equal(t, "b", recent[1].CycleID)

	latest, err := s.LatestCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.CycleID)
	assert.Equal(t, int64(3), latest.RecordID)

	got, err := s.CycleByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RecordID)

	_, err = s.CycleByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrCycleNotFound)
}

func TestMemoryStoreEmptyLatest(t *testing.T) {
	_, err := NewMemoryStore().LatestCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleNotFound)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)

	recs := []types.CycleRecord{
		record("1", types.ActionProcessWithdrawal, types.OutcomeConfirmed, base),
		record("2", types.ActionSupply, types.OutcomeConfirmed, base.Add(time.Minute)),
		record("3", types.ActionSupply, types.OutcomeFaulted, base.Add(2*time.Minute)),
		record("4", types.ActionNone, types.OutcomeNoAction, base.Add(30*time.Second)),
	}
	for _, rec := range recs {
		_, err := s.SaveCycleRecord(ctx, rec)
		require.NoError(t, err)
	}

	summary, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalCycles)
	assert.Equal(t, 1, summary.FaultedCycles)
	assert.Equal(t, 2, summary.ConfirmedActions)
	assert.Equal(t, 1, summary.PaidWithdrawals)
	assert.Equal(t, map[string]int{"confirmation_timeout": 1}, summary.FaultsByKind)
	require.NotNil(t, summary.LastCycleAt)
	assert.True(t, summary.LastCycleAt.Equal(base.Add(2*time.Minute)))
}

func TestCycleRecordJSONKeepsAmounts(t *testing.T) {
	liquid := sdkmath.NewInt(50_000_000)
	rec := record("x", types.ActionSupply, types.OutcomeConfirmed, time.Unix(1_700_000_000, 0))
	rec.PostLiquid = &liquid

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"post_liquid_balance":"50000000"`)
	assert.Contains(t, string(raw), `"amount":"100"`)
}

func TestPostgresHelpersRequireDB(t *testing.T) {
	ctx := context.Background()
	_, err := NewPostgresStore()
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = GetRecentCycles(ctx, 5)
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = IncrementCycleNumber(ctx)
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, _, err = LoadActiveReconcileParameters(ctx, "x")
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	assert.ErrorIs(t, EnsureSchema(ctx), ErrDBNotInitialized)
}

func TestDSNDefaultsSSLMode(t *testing.T) {
	cfg := DBConfig{Host: "localhost", Port: 5432, User: "u", Password: "p", DBName: "treasury"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=treasury sslmode=disable", cfg.DSN())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 10, clampLimit(0))
	assert.Equal(t, 10, clampLimit(101))
	assert.Equal(t, 25, clampLimit(25))
}
