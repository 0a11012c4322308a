package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fyield/treasury/internal/types"
)

// ErrNoActiveParameters is returned when no parameter set is active for a config name.
var ErrNoActiveParameters = errors.New("no active reconcile parameters")

// SaveReconcileParameters saves a new version of the reconciliation policy,
// optionally deactivating every other version of the same config.
func SaveReconcileParameters(ctx context.Context, params types.ReconcileParameters, configName string, version int, makeActive bool) (paramsID int64, err error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}
	if err := params.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to save invalid parameters: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if makeActive {
		_, err = tx.ExecContext(ctx, `UPDATE reconcile_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	now := time.Now()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO reconcile_parameters (version, config_name, is_active, activated_at, created_at, parameters)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING params_id;`,
		version, configName, makeActive, now, now, paramsJSON,
	).Scan(&paramsID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reconcile parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved reconcile parameters")
	return paramsID, nil
}

// LoadActiveReconcileParameters loads the active parameter set for configName.
func LoadActiveReconcileParameters(ctx context.Context, configName string) (*types.ReconcileParameters, int64, error) {
	if DB == nil {
		return nil, 0, ErrDBNotInitialized
	}

	var (
		paramsID   int64
		paramsJSON []byte
	)
	err := DB.QueryRowContext(ctx, `
		SELECT params_id, parameters
		FROM reconcile_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1;`, configName).Scan(&paramsID, &paramsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w for config '%s'", ErrNoActiveParameters, configName)
		}
		return nil, 0, fmt.Errorf("failed to load active reconcile parameters for config '%s': %w", configName, err)
	}

	var p types.ReconcileParameters
	if err := json.Unmarshal(paramsJSON, &p); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal reconcile parameters %d: %w", paramsID, err)
	}
	if err := p.Validate(); err != nil {
		return nil, 0, fmt.Errorf("stored reconcile parameters %d are invalid: %w", paramsID, err)
	}

	log.Info().Str("config", configName).Int64("params_id", paramsID).Msg("Loaded active reconcile parameters")
	return &p, paramsID, nil
}
