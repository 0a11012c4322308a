package withdrawal

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
	"github.com/fyield/treasury/internal/vault/vaulttest"
	"github.com/fyield/treasury/internal/wallet/wallettest"
)

var (
	testContracts = vault.Contracts{
		Vault:   common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Manager: common.HexToAddress("0x2000000000000000000000000000000000000002"),
		USDC:    common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
	operator = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func testParams() types.ReconcileParameters {
	return types.ReconcileParameters{
		LiquidBufferAmount:       sdkmath.NewInt(50),
		MinSupplyAmount:          sdkmath.NewInt(10),
		ShareToAssetRate:         sdkmath.LegacyOneDec(),
		QueueReadLimit:           16,
		SnapshotMaxAttempts:      3,
		SnapshotInitialInterval:  time.Millisecond,
		SnapshotMaxInterval:      time.Millisecond,
		ConfirmationDepth:        1,
		ConfirmationWindowBlocks: 10,
		ConfirmationTimeout:      time.Second,
		ConfirmationPollInterval: time.Millisecond,
		CycleInterval:            time.Minute,
	}
}

func queue(amounts ...int64) []types.WithdrawalRequest {
	reqs := make([]types.WithdrawalRequest, 0, len(amounts))
	for i, amount := range amounts {
		reqs = append(reqs, types.WithdrawalRequest{
			RequestID:   uint64(i + 1),
			Requester:   common.BigToAddress(big.NewInt(int64(100 + i))),
			ShareAmount: sdkmath.NewInt(amount),
			RequestedAt: time.Unix(1_700_000_000+int64(i), 0),
		})
	}
	return reqs
}

func newLedger(liquid int64, amounts ...int64) *vaulttest.FakeLedger {
	reqs := queue(amounts...)
	total := sdkmath.NewInt(1_000)
	return vaulttest.NewFakeLedger(
		types.VaultState{TotalShareSupply: total, PendingWithdrawals: reqs, PendingCount: uint64(len(reqs))},
		types.PositionState{
			TotalSupplied:   sdkmath.NewInt(1_000 - liquid),
			TotalWithdrawn:  sdkmath.ZeroInt(),
			LiquidBalance:   sdkmath.NewInt(liquid),
			PositionBalance: sdkmath.NewInt(1_000 - liquid),
			ReportedYield:   sdkmath.ZeroInt(),
		},
	)
}

func snapshotOf(t *testing.T, ledger *vaulttest.FakeLedger) types.LedgerSnapshot {
	t.Helper()
	ctx := context.Background()
	block, err := ledger.BlockNumber(ctx)
	require.NoError(t, err)
	v, err := ledger.ReadVaultState(ctx, block, 16)
	require.NoError(t, err)
	p, err := ledger.ReadPositionState(ctx, block)
	require.NoError(t, err)
	return types.LedgerSnapshot{BlockNumber: block, Timestamp: time.Now(), Vault: v, Position: p}
}

// payoutRequestID decodes the request id argument of a processWithdrawal call.
func payoutRequestID(t *testing.T, call types.ContractCall) uint64 {
	t.Helper()
	require.Equal(t, "processWithdrawal", call.Method)
	args, err := vault.VaultABI.Methods["processWithdrawal"].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	return args[0].(*big.Int).Uint64()
}

// settleOn marks payouts as paid in the ledger when the submitter confirms them.
func settleOn(t *testing.T, submitter *wallettest.FakeSubmitter, ledger *vaulttest.FakeLedger) {
	submitter.OnConfirm = func(call types.ContractCall) {
		ledger.MarkPaid(payoutRequestID(t, call), call.Amount)
	}
}

func newProcessor(t *testing.T, ledger *vaulttest.FakeLedger, submitter *wallettest.FakeSubmitter) *Processor {
	t.Helper()
	p, err := NewProcessor(ledger, submitter, testContracts, testParams())
	require.NoError(t, err)
	return p
}

func TestProcessNextPaysQueueInOrder(t *testing.T) {
	ledger := newLedger(500, 100, 200, 50)
	submitter := wallettest.NewFakeSubmitter(operator)
	settleOn(t, submitter, ledger)
	p := newProcessor(t, ledger, submitter)

	var paid []uint64
	for i := 0; i < 3; i++ {
		outcome := p.ProcessNext(context.Background(), snapshotOf(t, ledger))
		require.Equal(t, types.WithdrawalPaid, outcome.Kind, outcome.Reason)
		require.NotNil(t, outcome.Transaction)
		paid = append(paid, outcome.Request.RequestID)
	}

	assert.Equal(t, []uint64{1, 2, 3}, paid)
	calls := submitter.Submitted()
	require.Len(t, calls, 3)
	assert.Equal(t, sdkmath.NewInt(100), calls[0].Amount)
	assert.Equal(t, sdkmath.NewInt(200), calls[1].Amount)
	assert.Equal(t, testContracts.Vault, calls[0].To)

	outcome := p.ProcessNext(context.Background(), snapshotOf(t, ledger))
	assert.Equal(t, types.WithdrawalSkipped, outcome.Kind)
	assert.Len(t, submitter.Submitted(), 3)
}

func TestInsufficientLiquidityHaltsTheQueue(t *testing.T) {
	// head needs 300, the second request would fit but must not jump the queue
	ledger := newLedger(150, 300, 100)
	submitter := wallettest.NewFakeSubmitter(operator)
	p := newProcessor(t, ledger, submitter)

	outcome := p.ProcessNext(context.Background(), snapshotOf(t, ledger))

	assert.Equal(t, types.WithdrawalInsufficientLiquidity, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, types.ErrInsufficientLiquidity)
	require.NotNil(t, outcome.Request)
	assert.Equal(t, uint64(1), outcome.Request.RequestID)
	assert.Empty(t, submitter.Submitted())
}

func TestAlreadyFulfilledRequestIsNoop(t *testing.T) {
	ledger := newLedger(500, 100)
	snap := snapshotOf(t, ledger)
	ledger.MarkPaid(1, sdkmath.NewInt(100))

	submitter := wallettest.NewFakeSubmitter(operator)
	p := newProcessor(t, ledger, submitter)

	outcome := p.ProcessNext(context.Background(), snap)

	assert.Equal(t, types.WithdrawalSkipped, outcome.Kind)
	assert.Equal(t, "already fulfilled", outcome.Reason)
	assert.Empty(t, submitter.Submitted())
}

func TestRetryAfterConfirmationTimeoutDoesNotPayTwice(t *testing.T) {
	ledger := newLedger(500, 100)
	submitter := wallettest.NewFakeSubmitter(operator)
	submitter.ConfirmErrs = []error{types.ErrConfirmationTimeout}
	submitter.ApplyOnError = true // the payout lands after the wait gave up
	settleOn(t, submitter, ledger)
	p := newProcessor(t, ledger, submitter)

	stale := snapshotOf(t, ledger)
	first := p.ProcessNext(context.Background(), stale)
	assert.Equal(t, types.WithdrawalFailed, first.Kind)
	assert.ErrorIs(t, first.Err, types.ErrConfirmationTimeout)

	// even a stale snapshot that still lists the request must not pay again
	second := p.ProcessNext(context.Background(), stale)
	assert.Equal(t, types.WithdrawalSkipped, second.Kind)

	assert.Len(t, submitter.Submitted(), 1)
	attempts := p.Attempts(1)
	require.Len(t, attempts, 1)
	assert.Contains(t, attempts[0].Result, "confirmation timeout")

	state, err := ledger.ReadVaultState(context.Background(), 0, 16)
	require.NoError(t, err)
	assert.Empty(t, state.PendingWithdrawals)
}

func TestSubmitFailureIsReported(t *testing.T) {
	ledger := newLedger(500, 100)
	submitter := wallettest.NewFakeSubmitter(operator)
	submitter.SubmitErr = errors.Join(types.ErrTransactionReverted, errors.New("execution reverted"))
	p := newProcessor(t, ledger, submitter)

	outcome := p.ProcessNext(context.Background(), snapshotOf(t, ledger))

	assert.Equal(t, types.WithdrawalFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, types.ErrTransactionReverted)
	assert.Equal(t, 0, submitter.Waits())
	assert.Empty(t, p.Attempts(1))
}

func TestSubmitThenConfirm(t *testing.T) {
	ledger := newLedger(500, 120)
	submitter := wallettest.NewFakeSubmitter(operator)
	p := newProcessor(t, ledger, submitter)

	submitted := p.Submit(context.Background(), snapshotOf(t, ledger))
	require.Equal(t, types.WithdrawalSubmitted, submitted.Kind)
	require.NotNil(t, submitted.Pending)
	assert.Equal(t, 0, submitter.Waits())

	confirmed := p.Confirm(context.Background(), submitted)
	assert.Equal(t, types.WithdrawalPaid, confirmed.Kind)
	assert.Equal(t, submitted.Pending.Hash.Hex(), confirmed.Transaction.TxHash)
	assert.Equal(t, "confirmed", p.Attempts(1)[0].Result)
}

func TestEmptyQueueIsSkipped(t *testing.T) {
	ledger := newLedger(500)
	submitter := wallettest.NewFakeSubmitter(operator)
	p := newProcessor(t, ledger, submitter)

	outcome := p.ProcessNext(context.Background(), snapshotOf(t, ledger))
	assert.Equal(t, types.WithdrawalSkipped, outcome.Kind)
	assert.Nil(t, outcome.Request)
}
