/*

This file contains the default reconciliation parameters and their environment overrides.

The active set is persisted in the database; these defaults are saved on first start.

*/

package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/utils"
)

const (
	DefaultParametersConfigName    = "default_treasury_policy"
	DefaultParametersConfigVersion = 1
)

// DefaultReconcileParameters returns the baseline policy. A fresh value is
// returned each call because sdkmath.Int wraps a pointer.
func DefaultReconcileParameters() types.ReconcileParameters {
	return types.ReconcileParameters{
		LiquidBufferAmount: sdkmath.NewInt(50_000_000), // 50 USDC
		MinSupplyAmount:    sdkmath.NewInt(10_000_000), // 10 USDC
		ShareToAssetRate:   sdkmath.LegacyOneDec(),
		QueueReadLimit:     256,

		SnapshotMaxAttempts:     5,
		SnapshotInitialInterval: 500 * time.Millisecond,
		SnapshotMaxInterval:     10 * time.Second,

		ConfirmationDepth:        3,
		ConfirmationWindowBlocks: 50,
		ConfirmationTimeout:      5 * time.Minute,
		ConfirmationPollInterval: 3 * time.Second,

		CycleInterval: 10 * time.Minute,
	}
}

// ApplyParameterOverrides replaces fields of p with any policy variables set in the environment.
func ApplyParameterOverrides(p types.ReconcileParameters) (types.ReconcileParameters, error) {
	var errs []error

	if v, ok := os.LookupEnv("LIQUID_BUFFER"); ok {
		amount, err := utils.ParseUnits(v, utils.USDCDecimals)
		if err != nil {
			errs = append(errs, errors.New("LIQUID_BUFFER: "+err.Error()))
		} else {
			p.LiquidBufferAmount = amount
		}
	}
	if v, ok := os.LookupEnv("MIN_SUPPLY"); ok {
		amount, err := utils.ParseUnits(v, utils.USDCDecimals)
		if err != nil {
			errs = append(errs, errors.New("MIN_SUPPLY: "+err.Error()))
		} else {
			p.MinSupplyAmount = amount
		}
	}
	if v, ok := os.LookupEnv("SHARE_TO_ASSET_RATE"); ok {
		rate, err := sdkmath.LegacyNewDecFromStr(v)
		if err != nil {
			errs = append(errs, errors.New("SHARE_TO_ASSET_RATE: "+err.Error()))
		} else {
			p.ShareToAssetRate = rate
		}
	}

	uints := map[string]*uint64{
		"QUEUE_READ_LIMIT":           &p.QueueReadLimit,
		"SNAPSHOT_MAX_ATTEMPTS":      &p.SnapshotMaxAttempts,
		"CONFIRMATION_DEPTH":         &p.ConfirmationDepth,
		"CONFIRMATION_WINDOW_BLOCKS": &p.ConfirmationWindowBlocks,
	}
	for key, dst := range uints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, errors.New("environment variable "+key+" must be a valid uint64, got: "+v))
			continue
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"CONFIRMATION_TIMEOUT":       &p.ConfirmationTimeout,
		"CONFIRMATION_POLL_INTERVAL": &p.ConfirmationPollInterval,
		"CYCLE_INTERVAL":             &p.CycleInterval,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, errors.New("environment variable "+key+" must be a duration, got: "+v))
			continue
		}
		*dst = d
	}

	if err := errors.Join(errs...); err != nil {
		return p, err
	}
	return p, p.Validate()
}
