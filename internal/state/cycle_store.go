package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/fyield/treasury/internal/types"
)

// ErrCycleNotFound is returned when no record matches a lookup.
var ErrCycleNotFound = errors.New("cycle record not found")

// SaveCycleRecord writes one audit record. The full record is stored as JSONB
// next to the columns used for filtering.
func SaveCycleRecord(ctx context.Context, rec types.CycleRecord) (int64, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal cycle record: %w", err)
	}

	var txHashes []string
	if rec.TxHash != "" {
		txHashes = append(txHashes, rec.TxHash)
	}
	var blockNumber *int64
	if rec.Snapshot != nil {
		b := int64(rec.Snapshot.BlockNumber)
		blockNumber = &b
	}
	var requestID *int64
	if rec.RequestID != nil {
		id := int64(*rec.RequestID)
		requestID = &id
	}
	amount := "0"
	if !rec.Amount.IsNil() {
		amount = rec.Amount.String()
	}

	var recordID int64
	err = DB.QueryRowContext(ctx, `
		INSERT INTO cycle_records (
			cycle_id, cycle_number, trigger, started_at, finished_at, final_state,
			action, amount, request_id, outcome, fault_kind, fault_reason,
			block_number, transaction_hashes, record
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), $13, $14, $15)
		RETURNING record_id;`,
		rec.CycleID, rec.CycleNumber, rec.Trigger, rec.StartedAt, rec.FinishedAt, string(rec.FinalState),
		string(rec.Action), amount, requestID, string(rec.Outcome), string(rec.FaultKind), rec.FaultReason,
		blockNumber, pq.Array(txHashes), recordJSON,
	).Scan(&recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to save cycle record: %w", err)
	}

	log.Info().
		Int64("record_id", recordID).
		Int("cycle_number", rec.CycleNumber).
		Str("outcome", string(rec.Outcome)).
		Msg("Cycle record saved to database")
	return recordID, nil
}

// GetRecentCycles returns the most recent records, newest first.
func GetRecentCycles(ctx context.Context, limit int) ([]types.CycleRecord, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	limit = clampLimit(limit)

	rows, err := DB.QueryContext(ctx, `
		SELECT record_id, record
		FROM cycle_records
		ORDER BY started_at DESC, record_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]types.CycleRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan cycle row")
			continue
		}
		cycles = append(cycles, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle rows: %w", err)
	}
	return cycles, nil
}

// GetCycleByID returns the record for a cycle id.
func GetCycleByID(ctx context.Context, cycleID string) (*types.CycleRecord, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	row := DB.QueryRowContext(ctx, `SELECT record_id, record FROM cycle_records WHERE cycle_id = $1`, cycleID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
		}
		return nil, err
	}
	return &rec, nil
}

// GetLatestCycle returns the most recent record.
func GetLatestCycle(ctx context.Context) (*types.CycleRecord, error) {
	cycles, err := GetRecentCycles(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, ErrCycleNotFound
	}
	return &cycles[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.CycleRecord, error) {
	var (
		recordID   int64
		recordJSON []byte
		rec        types.CycleRecord
	)
	if err := row.Scan(&recordID, &recordJSON); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(recordJSON, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal cycle record %d: %w", recordID, err)
	}
	rec.RecordID = recordID
	return rec, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 10
	}
	return limit
}
