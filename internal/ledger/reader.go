package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
)

// Reader produces consistent snapshots of both ledgers.
type Reader struct {
	source vault.LedgerReader
	params types.ReconcileParameters
	logger zerolog.Logger
	now    func() time.Time
}

// NewReader returns a snapshot reader over source.
func NewReader(source vault.LedgerReader, params types.ReconcileParameters) (*Reader, error) {
	if source == nil {
		return nil, errors.New("ledger source cannot be nil")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile parameters: %w", err)
	}
	return &Reader{
		source: source,
		params: params,
		logger: logger.GetForComponent("ledger_snapshot"),
		now:    time.Now,
	}, nil
}

// Read returns a snapshot with every field observed at the same block height.
// Transient failures are retried with exponential backoff; once attempts are
// exhausted it fails with types.ErrChainUnavailable. Invalid chain data fails
// immediately with types.ErrMalformedSnapshot. No partial snapshot is ever returned.
func (r *Reader) Read(ctx context.Context) (types.LedgerSnapshot, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.params.SnapshotInitialInterval
	policy.MaxInterval = r.params.SnapshotMaxInterval
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() (types.LedgerSnapshot, error) {
		attempts++
		snap, err := r.readOnce(ctx)
		if err != nil && errors.Is(err, types.ErrMalformedSnapshot) {
			return types.LedgerSnapshot{}, backoff.Permanent(err)
		}
		return snap, err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Uint64("maxAttempts", r.params.SnapshotMaxAttempts).
			Dur("retryIn", next).
			Msg("Snapshot read failed, retrying")
	}

	snap, err := backoff.RetryNotifyWithData(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, r.params.SnapshotMaxAttempts-1), ctx),
		notify,
	)
	if err != nil {
		if errors.Is(err, types.ErrMalformedSnapshot) {
			r.logger.Error().Err(err).Msg("Snapshot rejected: chain data violates ledger invariants")
			return types.LedgerSnapshot{}, err
		}
		r.logger.Error().Err(err).Int("attempts", attempts).Msg("Snapshot failed after retries")
		return types.LedgerSnapshot{}, fmt.Errorf("%w: snapshot failed after %d attempts: %w", types.ErrChainUnavailable, attempts, err)
	}

	r.logger.Debug().
		Uint64("block", snap.BlockNumber).
		Str("liquid", snap.Position.LiquidBalance.String()).
		Str("position", snap.Position.PositionBalance.String()).
		Str("shares", snap.Vault.TotalShareSupply.String()).
		Int("queued", len(snap.Vault.PendingWithdrawals)).
		Msg("Snapshot read")
	return snap, nil
}

// readOnce takes a single all-or-nothing snapshot attempt.
func (r *Reader) readOnce(ctx context.Context) (types.LedgerSnapshot, error) {
	block, err := r.source.BlockNumber(ctx)
	if err != nil {
		return types.LedgerSnapshot{}, fmt.Errorf("read head: %w", err)
	}

	var (
		vaultState    types.VaultState
		positionState types.PositionState
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := r.source.ReadVaultState(gctx, block, r.params.QueueReadLimit)
		if err != nil {
			return fmt.Errorf("read vault state at %d: %w", block, err)
		}
		vaultState = s
		return nil
	})
	g.Go(func() error {
		s, err := r.source.ReadPositionState(gctx, block)
		if err != nil {
			return fmt.Errorf("read position state at %d: %w", block, err)
		}
		positionState = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.LedgerSnapshot{}, err
	}

	snap := types.LedgerSnapshot{
		BlockNumber: block,
		Timestamp:   r.now().UTC(),
		Vault:       vaultState,
		Position:    positionState,
	}
	if err := snap.Validate(); err != nil {
		return types.LedgerSnapshot{}, fmt.Errorf("snapshot at block %d: %w", block, err)
	}
	return snap, nil
}
