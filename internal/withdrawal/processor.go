package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
	"github.com/fyield/treasury/internal/wallet"
)

// Submitter is the write path used for payouts.
type Submitter interface {
	Submit(ctx context.Context, call types.ContractCall) (*types.PendingTransaction, error)
	WaitForConfirmation(ctx context.Context, pending *types.PendingTransaction, opts wallet.ConfirmOptions) (*types.TransactionResult, error)
}

// Attempt is one submission for a request.
type Attempt struct {
	TxHash      string    `json:"tx_hash"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
	Replacement bool      `json:"replacement"`
	Result      string    `json:"result,omitempty"`
}

// Processor pays the withdraw queue strictly in FIFO order, one request per call.
type Processor struct {
	ledger    vault.LedgerReader
	submitter Submitter
	contracts vault.Contracts
	params    types.ReconcileParameters
	logger    zerolog.Logger

	mu       sync.Mutex
	attempts map[uint64][]Attempt
}

// NewProcessor validates dependencies and returns a Processor.
func NewProcessor(ledger vault.LedgerReader, submitter Submitter, contracts vault.Contracts, params types.ReconcileParameters) (*Processor, error) {
	if ledger == nil || submitter == nil {
		return nil, errors.New("ledger and submitter are required")
	}
	if err := contracts.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile parameters: %w", err)
	}
	return &Processor{
		ledger:    ledger,
		submitter: submitter,
		contracts: contracts,
		params:    params,
		logger:    logger.GetForComponent("withdrawal_processor"),
		attempts:  make(map[uint64][]Attempt),
	}, nil
}

// ProcessNext submits the payout for the head of the queue and waits for its outcome.
func (p *Processor) ProcessNext(ctx context.Context, snap types.LedgerSnapshot) types.WithdrawalOutcome {
	outcome := p.Submit(ctx, snap)
	if outcome.Kind != types.WithdrawalSubmitted {
		return outcome
	}
	return p.Confirm(ctx, outcome)
}

// Submit checks the head of the queue against the snapshot and the chain, then
// submits its payout. The returned outcome has kind WithdrawalSubmitted when a
// transaction was broadcast and must be passed to Confirm.
//
// A head that cannot be paid from liquid funds halts the queue: later requests
// are never paid ahead of it.
func (p *Processor) Submit(ctx context.Context, snap types.LedgerSnapshot) types.WithdrawalOutcome {
	head, ok := snap.Vault.Head()
	if !ok {
		return types.WithdrawalOutcome{Kind: types.WithdrawalSkipped, Reason: "withdraw queue is empty"}
	}
	req := head
	reqLogger := p.logger.With().Uint64("requestId", req.RequestID).Str("requester", req.Requester.Hex()).Logger()

	assets := p.params.SharesToAssets(req.ShareAmount)
	if snap.Position.LiquidBalance.LT(assets) {
		reqLogger.Info().
			Str("owed", assets.String()).
			Str("liquid", snap.Position.LiquidBalance.String()).
			Msg("Head of queue exceeds liquid balance, queue halted until liquidity arrives")
		return types.WithdrawalOutcome{
			Kind:    types.WithdrawalInsufficientLiquidity,
			Request: &req,
			Reason:  fmt.Sprintf("liquid %s below owed %s", snap.Position.LiquidBalance, assets),
			Err:     types.ErrInsufficientLiquidity,
		}
	}

	// Re-check at the latest block: an earlier attempt may have landed after its
	// confirmation wait gave up.
	stillPending, err := p.ledger.IsWithdrawalPending(ctx, req.RequestID)
	if err != nil {
		reqLogger.Error().Err(err).Msg("Could not confirm request is still pending")
		return types.WithdrawalOutcome{
			Kind:    types.WithdrawalFailed,
			Request: &req,
			Reason:  "pending check failed",
			Err:     errors.Join(types.ErrChainUnavailable, err),
		}
	}
	if !stillPending {
		reqLogger.Info().Int("priorAttempts", len(p.Attempts(req.RequestID))).Msg("Request already fulfilled, nothing to do")
		return types.WithdrawalOutcome{Kind: types.WithdrawalSkipped, Request: &req, Reason: "already fulfilled"}
	}

	call, err := p.contracts.ProcessWithdrawal(req, assets)
	if err != nil {
		return types.WithdrawalOutcome{Kind: types.WithdrawalFailed, Request: &req, Reason: "encode payout", Err: err}
	}

	pending, err := p.submitter.Submit(ctx, call)
	if err != nil {
		reqLogger.Error().Err(err).Str("owed", assets.String()).Msg("Payout submission failed")
		return types.WithdrawalOutcome{Kind: types.WithdrawalFailed, Request: &req, Reason: "submission failed", Err: err}
	}

	p.recordAttempt(req.RequestID, Attempt{
		TxHash:      pending.Hash.Hex(),
		Nonce:       pending.Nonce,
		SubmittedAt: pending.SubmittedAt,
		Replacement: pending.Replacement,
	})

	reqLogger.Info().
		Str("txHash", pending.Hash.Hex()).
		Str("owed", assets.String()).
		Int("attempt", len(p.Attempts(req.RequestID))).
		Msg("Payout submitted")

	return types.WithdrawalOutcome{Kind: types.WithdrawalSubmitted, Request: &req, Pending: pending}
}

// Confirm waits for a submitted payout to reach finality.
func (p *Processor) Confirm(ctx context.Context, submitted types.WithdrawalOutcome) types.WithdrawalOutcome {
	if submitted.Kind != types.WithdrawalSubmitted || submitted.Pending == nil || submitted.Request == nil {
		return types.WithdrawalOutcome{Kind: types.WithdrawalFailed, Request: submitted.Request, Reason: "nothing to confirm", Err: errors.New("outcome is not a submitted payout")}
	}
	req := submitted.Request

	result, err := p.submitter.WaitForConfirmation(ctx, submitted.Pending, wallet.ConfirmOptionsFrom(p.params))
	if err != nil {
		p.markLastAttempt(req.RequestID, err.Error())
		p.logger.Error().
			Err(err).
			Uint64("requestId", req.RequestID).
			Str("txHash", submitted.Pending.Hash.Hex()).
			Msg("Payout not confirmed")
		return types.WithdrawalOutcome{
			Kind:        types.WithdrawalFailed,
			Request:     req,
			Transaction: result,
			Pending:     submitted.Pending,
			Reason:      "confirmation failed",
			Err:         err,
		}
	}

	p.markLastAttempt(req.RequestID, "confirmed")
	p.logger.Info().
		Uint64("requestId", req.RequestID).
		Str("txHash", result.TxHash).
		Uint64("block", result.BlockNumber).
		Msg("Withdrawal paid")
	return types.WithdrawalOutcome{Kind: types.WithdrawalPaid, Request: req, Transaction: result, Pending: submitted.Pending}
}

// Attempts returns the submissions made for a request by this process.
func (p *Processor) Attempts(requestID uint64) []Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Attempt(nil), p.attempts[requestID]...)
}

func (p *Processor) recordAttempt(requestID uint64, a Attempt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[requestID] = append(p.attempts[requestID], a)
}

func (p *Processor) markLastAttempt(requestID uint64, result string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.attempts[requestID]
	if len(list) == 0 {
		return
	}
	list[len(list)-1].Result = result
}
