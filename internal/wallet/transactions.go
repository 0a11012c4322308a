package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidCall       = errors.New("contract call contains invalid data")
	ErrNonceLookupFailed = errors.New("nonce lookup failed")
	ErrFeeEstimateFailed = errors.New("fee estimation failed")
	ErrTxBroadcastFailed = errors.New("transaction broadcast failed")
	ErrGasEstimateFailed = errors.New("gas estimation failed")
)

// gasBuffer is added on top of the adjusted estimate.
const gasBuffer = 10000

// EVMBackend is the subset of *ethclient.Client used for submission and confirmation.
type EVMBackend interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// SubmitterConfig holds chain and gas settings.
type SubmitterConfig struct {
	ChainID         *big.Int
	DefaultGasLimit uint64
	GasAdjustment   float64
}

// ConfirmOptions bounds the wait for finality.
type ConfirmOptions struct {
	Depth        uint64
	WindowBlocks uint64
	Timeout      time.Duration
	PollInterval time.Duration
}

// ConfirmOptionsFrom extracts the confirmation settings from the reconciliation parameters.
func ConfirmOptionsFrom(p types.ReconcileParameters) ConfirmOptions {
	return ConfirmOptions{
		Depth:        p.ConfirmationDepth,
		WindowBlocks: p.ConfirmationWindowBlocks,
		Timeout:      p.ConfirmationTimeout,
		PollInterval: p.ConfirmationPollInterval,
	}
}

// TxSubmitter serializes every write made with the operator key.
//
// Nonces come from the confirmed (latest block) account state, so resubmitting
// after an ambiguous outcome reuses the nonce of the unresolved transaction and
// replaces it rather than queueing a second write.
type TxSubmitter struct {
	backend EVMBackend
	signer  Signer
	cfg     SubmitterConfig
	logger  zerolog.Logger

	mu   sync.Mutex
	last *types.PendingTransaction
}

// NewTxSubmitter validates its inputs and returns a submitter.
func NewTxSubmitter(backend EVMBackend, signer Signer, cfg SubmitterConfig) (*TxSubmitter, error) {
	if backend == nil || signer == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("backend and signer are required"))
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("chain id must be positive"))
	}
	if cfg.DefaultGasLimit == 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("default gas limit must be positive"))
	}
	if cfg.GasAdjustment < 1.0 || math.IsNaN(cfg.GasAdjustment) || math.IsInf(cfg.GasAdjustment, 0) {
		return nil, errors.Join(ErrInvalidConfig, fmt.Errorf("gas adjustment %f must be at least 1.0", cfg.GasAdjustment))
	}
	return &TxSubmitter{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.GetForComponent("wallet_client"),
	}, nil
}

// From returns the operator address.
func (s *TxSubmitter) From() common.Address {
	return s.signer.Address()
}

// Simulate executes the call from the operator address against the latest block.
// A revert is reported as types.ErrTransactionReverted.
func (s *TxSubmitter) Simulate(ctx context.Context, call types.ContractCall) error {
	if err := validateCall(call); err != nil {
		return err
	}
	from := s.signer.Address()
	_, err := s.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &call.To, Data: call.Data}, nil)
	if err != nil {
		if isRevert(err) {
			return fmt.Errorf("%w: %s simulation: %v", types.ErrTransactionReverted, call.Method, err)
		}
		return fmt.Errorf("%w: %s simulation: %v", types.ErrChainUnavailable, call.Method, err)
	}
	return nil
}

// Submit signs and broadcasts a call. It does not wait for inclusion.
func (s *TxSubmitter) Submit(ctx context.Context, call types.ContractCall) (*types.PendingTransaction, error) {
	if err := validateCall(call); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.signer.Address()

	nonce, err := s.backend.NonceAt(ctx, from, nil)
	if err != nil {
		return nil, errors.Join(ErrNonceLookupFailed, types.ErrChainUnavailable, err)
	}

	replacing := s.last != nil && s.last.Nonce == nonce
	if s.last != nil && s.last.Nonce < nonce {
		s.last = nil
	}

	gasLimit, err := s.estimateGas(ctx, from, call)
	if err != nil {
		return nil, err
	}

	tipCap, feeCap, err := s.fees(ctx)
	if err != nil {
		return nil, err
	}
	if replacing {
		tipCap = maxBig(tipCap, bumpFee(s.last.GasTipCap))
		feeCap = maxBig(feeCap, bumpFee(s.last.GasFeeCap))
		if feeCap.Cmp(tipCap) < 0 {
			feeCap = new(big.Int).Set(tipCap)
		}
		s.logger.Warn().
			Uint64("nonce", nonce).
			Str("replacedTx", s.last.Hash.Hex()).
			Str("replacedMethod", s.last.Call.Method).
			Str("method", call.Method).
			Msg("Previous transaction unresolved, replacing it with the same nonce")
	}

	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Join(types.ErrChainUnavailable, err)
	}

	to := call.To
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      call.Data,
	})

	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return nil, err
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.logger.Error().
			Err(err).
			Str("method", call.Method).
			Uint64("nonce", nonce).
			Msg("Transaction broadcast failed")
		return nil, errors.Join(ErrTxBroadcastFailed, err)
	}

	pending := &types.PendingTransaction{
		Hash:           signed.Hash(),
		Nonce:          nonce,
		Call:           call,
		SubmittedAt:    time.Now(),
		SubmittedBlock: head,
		GasLimit:       gasLimit,
		GasFeeCap:      feeCap,
		GasTipCap:      tipCap,
		Replacement:    replacing,
	}
	s.last = pending

	s.logger.Info().
		Str("txHash", pending.Hash.Hex()).
		Str("method", call.Method).
		Str("amount", call.Amount.String()).
		Uint64("nonce", nonce).
		Uint64("gasLimit", gasLimit).
		Uint64("block", head).
		Msg("Transaction submitted")

	return pending, nil
}

// estimateGas returns the adjusted gas limit. A revert during estimation blocks submission;
// any other estimation failure falls back to the configured default limit.
func (s *TxSubmitter) estimateGas(ctx context.Context, from common.Address, call types.ContractCall) (uint64, error) {
	to := call.To
	estimated, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: call.Data})
	if err != nil {
		if isRevert(err) {
			return 0, fmt.Errorf("%w: %s would revert: %v", types.ErrTransactionReverted, call.Method, err)
		}
		s.logger.Warn().
			Err(err).
			Str("method", call.Method).
			Uint64("defaultGasLimit", s.cfg.DefaultGasLimit).
			Msg("Gas estimation failed, using default gas limit")
		return s.cfg.DefaultGasLimit, nil
	}

	adjusted := float64(estimated) * s.cfg.GasAdjustment
	if adjusted > float64(math.MaxUint64-gasBuffer) {
		return 0, errors.Join(ErrGasEstimateFailed, fmt.Errorf("adjusted gas %f overflows", adjusted))
	}
	gasLimit := uint64(adjusted) + gasBuffer

	s.logger.Debug().
		Uint64("estimated", estimated).
		Float64("adjustment", s.cfg.GasAdjustment).
		Uint64("gasLimit", gasLimit).
		Msg("Gas estimated")
	return gasLimit, nil
}

func (s *TxSubmitter) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tipCap, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, errors.Join(ErrFeeEstimateFailed, types.ErrChainUnavailable, err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, errors.Join(ErrFeeEstimateFailed, types.ErrChainUnavailable, err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if header != nil && header.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
	} else {
		feeCap.Mul(feeCap, big.NewInt(2))
	}
	return tipCap, feeCap, nil
}

// WaitForConfirmation polls until the transaction is opts.Depth blocks deep.
// It fails with types.ErrConfirmationTimeout when the transaction is not
// included within opts.WindowBlocks of submission or opts.Timeout elapses, and
// with types.ErrTransactionReverted on a failed receipt.
func (s *TxSubmitter) WaitForConfirmation(ctx context.Context, pending *types.PendingTransaction, opts ConfirmOptions) (*types.TransactionResult, error) {
	if pending == nil || pending.Hash == (common.Hash{}) {
		return nil, errors.Join(ErrInvalidCall, errors.New("pending transaction required"))
	}
	if opts.Depth == 0 {
		opts.Depth = 1
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	txLogger := s.logger.With().Str("txHash", pending.Hash.Hex()).Str("method", pending.Call.Method).Logger()
	txLogger.Info().
		Uint64("depth", opts.Depth).
		Uint64("windowBlocks", opts.WindowBlocks).
		Dur("timeout", opts.Timeout).
		Msg("Waiting for transaction confirmation...")

	baseDelay := opts.PollInterval
	maxDelay := 4 * opts.PollInterval

	for attempt := 1; ; attempt++ {
		result, done, err := s.checkReceipt(ctx, pending, opts, txLogger)
		if done {
			return result, err
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(1.5, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			txLogger.Warn().Int("attempts", attempt).Msg("Confirmation wait exceeded timeout")
			return nil, fmt.Errorf("%w: %s not final after %s", types.ErrConfirmationTimeout, pending.Hash.Hex(), opts.Timeout)
		case <-timer.C:
		}
	}
}

// checkReceipt inspects the receipt once. done is true when the wait is over.
func (s *TxSubmitter) checkReceipt(ctx context.Context, pending *types.PendingTransaction, opts ConfirmOptions, txLogger zerolog.Logger) (*types.TransactionResult, bool, error) {
	receipt, err := s.backend.TransactionReceipt(ctx, pending.Hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		txLogger.Debug().Err(err).Msg("Receipt query failed, will retry")
		return nil, false, nil
	}

	head, herr := s.backend.BlockNumber(ctx)
	if herr != nil {
		txLogger.Debug().Err(herr).Msg("Head query failed, will retry")
		return nil, false, nil
	}

	if receipt == nil || receipt.BlockNumber == nil {
		if head > pending.SubmittedBlock+opts.WindowBlocks {
			txLogger.Warn().
				Uint64("head", head).
				Uint64("submittedBlock", pending.SubmittedBlock).
				Msg("Transaction not included within confirmation window")
			return nil, true, fmt.Errorf("%w: %s not included within %d blocks", types.ErrConfirmationTimeout, pending.Hash.Hex(), opts.WindowBlocks)
		}
		confirmedNonce, nerr := s.backend.NonceAt(ctx, s.signer.Address(), nil)
		if nerr == nil && confirmedNonce > pending.Nonce {
			// re-check once in case the receipt landed between the two queries
			if r, rerr := s.backend.TransactionReceipt(ctx, pending.Hash); rerr == nil && r != nil {
				return nil, false, nil
			}
			return nil, true, fmt.Errorf("%w: nonce %d consumed by a different transaction", types.ErrConfirmationTimeout, pending.Nonce)
		}
		return nil, false, nil
	}

	blockNumber := receipt.BlockNumber.Uint64()
	result := &types.TransactionResult{
		TxHash:      pending.Hash.Hex(),
		BlockNumber: blockNumber,
		GasUsed:     receipt.GasUsed,
	}

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		result.Success = false
		result.ErrorMessage = "execution reverted"
		result.ConfirmedAt = time.Now()
		txLogger.Error().Uint64("block", blockNumber).Msg("Transaction reverted on chain")
		return result, true, fmt.Errorf("%w: %s in block %d", types.ErrTransactionReverted, pending.Hash.Hex(), blockNumber)
	}

	if head < blockNumber {
		return nil, false, nil
	}
	result.Confirmations = head - blockNumber + 1
	if result.Confirmations < opts.Depth {
		txLogger.Debug().
			Uint64("confirmations", result.Confirmations).
			Uint64("depth", opts.Depth).
			Msg("Transaction included, waiting for depth")
		return nil, false, nil
	}

	result.Success = true
	result.ConfirmedAt = time.Now()
	s.clearIfLast(pending)

	txLogger.Info().
		Uint64("block", blockNumber).
		Uint64("gasUsed", receipt.GasUsed).
		Uint64("confirmations", result.Confirmations).
		Msg("Transaction confirmed")
	return result, true, nil
}

func (s *TxSubmitter) clearIfLast(pending *types.PendingTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.last.Hash == pending.Hash {
		s.last = nil
	}
}

func validateCall(call types.ContractCall) error {
	if call.To == (common.Address{}) {
		return errors.Join(ErrInvalidCall, errors.New("target address is zero"))
	}
	if len(call.Data) < 4 {
		return errors.Join(ErrInvalidCall, errors.New("calldata shorter than a selector"))
	}
	if call.Method == "" {
		return errors.Join(ErrInvalidCall, errors.New("method name required"))
	}
	return nil
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

// bumpFee raises a fee by 12.5% plus one wei, the minimum most nodes accept for replacement.
func bumpFee(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	bumped := new(big.Int).Mul(v, big.NewInt(9))
	bumped.Div(bumped, big.NewInt(8))
	return bumped.Add(bumped, big.NewInt(1))
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
