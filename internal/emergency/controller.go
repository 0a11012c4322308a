// Package emergency drains funds out of the position manager on operator command,
// bypassing reconciliation policy.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
	"github.com/fyield/treasury/internal/wallet"
)

// Target selects which balance a drain pulls from.
type Target string

const (
	// TargetPosition withdraws from the lending position.
	TargetPosition Target = "position"
	// TargetVaultReserve withdraws idle USDC held by the manager.
	TargetVaultReserve Target = "vault_reserve"
)

var (
	ErrInvalidTarget  = errors.New("invalid drain target")
	ErrNothingToDrain = errors.New("target balance is zero")
	ErrInvalidAmount  = errors.New("drain amount must be zero or positive")
)

// ParseTarget parses a CLI or API target name.
func ParseTarget(s string) (Target, error) {
	switch Target(strings.ToLower(strings.TrimSpace(s))) {
	case TargetPosition:
		return TargetPosition, nil
	case TargetVaultReserve:
		return TargetVaultReserve, nil
	}
	return "", fmt.Errorf("%w: %q (want %s or %s)", ErrInvalidTarget, s, TargetPosition, TargetVaultReserve)
}

// Submitter is the write path used for drains.
type Submitter interface {
	From() common.Address
	Simulate(ctx context.Context, call types.ContractCall) error
	Submit(ctx context.Context, call types.ContractCall) (*types.PendingTransaction, error)
	WaitForConfirmation(ctx context.Context, pending *types.PendingTransaction, opts wallet.ConfirmOptions) (*types.TransactionResult, error)
}

// Report describes a completed drain.
type Report struct {
	Target      Target                   `json:"target"`
	Amount      sdkmath.Int              `json:"amount"`
	Before      types.PositionState      `json:"before"`
	After       *types.PositionState     `json:"after,omitempty"`
	// TxHash and Nonce are set once the drain is broadcast, even when
	// confirmation is never observed.
	TxHash      string                   `json:"tx_hash,omitempty"`
	Nonce       uint64                   `json:"nonce"`
	Transaction *types.TransactionResult `json:"transaction,omitempty"`
}

// Controller executes operator-initiated drains.
type Controller struct {
	ledger    vault.LedgerReader
	submitter Submitter
	contracts vault.Contracts
	confirm   wallet.ConfirmOptions
	logger    zerolog.Logger
}

// NewController returns a Controller.
func NewController(ledger vault.LedgerReader, submitter Submitter, contracts vault.Contracts, confirm wallet.ConfirmOptions) (*Controller, error) {
	if ledger == nil || submitter == nil {
		return nil, errors.New("ledger and submitter are required")
	}
	if err := contracts.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		ledger:    ledger,
		submitter: submitter,
		contracts: contracts,
		confirm:   confirm,
		logger:    logger.GetForComponent("emergency_controller"),
	}, nil
}

// EmergencyDrain withdraws amount from target to the manager owner. A zero
// amount drains the whole balance of the target. The signer must be the
// manager's owner; otherwise ErrUnauthorized is returned and nothing is sent.
func (c *Controller) EmergencyDrain(ctx context.Context, target Target, amount sdkmath.Int) (*Report, error) {
	if target != TargetPosition && target != TargetVaultReserve {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if amount.IsNil() || amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	drainLogger := c.logger.With().Str("target", string(target)).Str("signer", c.submitter.From().Hex()).Logger()

	owner, err := c.ledger.ManagerOwner(ctx)
	if err != nil {
		return nil, errors.Join(types.ErrChainUnavailable, fmt.Errorf("read manager owner: %w", err))
	}
	if owner != c.submitter.From() {
		drainLogger.Error().Str("owner", owner.Hex()).Msg("Signer is not the manager owner, refusing to drain")
		return nil, fmt.Errorf("%w: signer %s is not manager owner %s", types.ErrUnauthorized, c.submitter.From().Hex(), owner.Hex())
	}

	before, err := c.balances(ctx)
	if err != nil {
		return nil, err
	}
	drainLogger.Info().
		Str("liquid", before.LiquidBalance.String()).
		Str("position", before.PositionBalance.String()).
		Msg("Balances before emergency drain")

	if amount.IsZero() {
		amount = targetBalance(target, before)
		if !amount.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrNothingToDrain, target)
		}
	}

	call, err := c.call(target, amount)
	if err != nil {
		return nil, err
	}

	// On-chain access control is the final word on who may drain.
	if err := c.submitter.Simulate(ctx, call); err != nil {
		if errors.Is(err, types.ErrTransactionReverted) {
			drainLogger.Error().Err(err).Msg("Drain simulation reverted")
			return nil, fmt.Errorf("%w: simulation reverted: %w", types.ErrUnauthorized, err)
		}
		return nil, err
	}

	drainLogger.Warn().Str("amount", amount.String()).Str("method", call.Method).Msg("Submitting emergency drain")
	pending, err := c.submitter.Submit(ctx, call)
	if err != nil {
		drainLogger.Error().Err(err).Str("amount", amount.String()).Msg("Emergency drain submission failed")
		return nil, err
	}

	report := &Report{
		Target: target,
		Amount: amount,
		Before: before,
		TxHash: pending.Hash.Hex(),
		Nonce:  pending.Nonce,
	}
	result, err := c.submitter.WaitForConfirmation(context.WithoutCancel(ctx), pending, c.confirm)
	report.Transaction = result
	if err != nil {
		drainLogger.Error().Err(err).Str("txHash", pending.Hash.Hex()).Msg("Emergency drain not confirmed")
		return report, err
	}

	after, err := c.balances(ctx)
	if err != nil {
		drainLogger.Warn().Err(err).Msg("Could not read balances after drain")
	} else {
		report.After = &after
		drainLogger.Info().
			Str("txHash", result.TxHash).
			Str("liquid", after.LiquidBalance.String()).
			Str("position", after.PositionBalance.String()).
			Msg("Balances after emergency drain")
	}
	return report, nil
}

func (c *Controller) call(target Target, amount sdkmath.Int) (types.ContractCall, error) {
	if target == TargetPosition {
		return c.contracts.WithdrawFromPosition(amount)
	}
	return c.contracts.WithdrawLiquidToOwner(amount)
}

func (c *Controller) balances(ctx context.Context) (types.PositionState, error) {
	block, err := c.ledger.BlockNumber(ctx)
	if err != nil {
		return types.PositionState{}, errors.Join(types.ErrChainUnavailable, err)
	}
	state, err := c.ledger.ReadPositionState(ctx, block)
	if err != nil {
		return types.PositionState{}, errors.Join(types.ErrChainUnavailable, err)
	}
	return state, nil
}

func targetBalance(target Target, state types.PositionState) sdkmath.Int {
	if target == TargetPosition {
		return state.PositionBalance
	}
	return state.LiquidBalance
}
