package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
	"github.com/fyield/treasury/internal/vault/vaulttest"
	"github.com/fyield/treasury/internal/wallet"
	"github.com/fyield/treasury/internal/wallet/wallettest"
)

var (
	testContracts = vault.Contracts{
		Vault:   common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Manager: common.HexToAddress("0x2000000000000000000000000000000000000002"),
		USDC:    common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
	owner    = common.HexToAddress("0x5000000000000000000000000000000000000005")
	operator = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func newLedger() *vaulttest.FakeLedger {
	ledger := vaulttest.NewFakeLedger(
		types.VaultState{TotalShareSupply: sdkmath.NewInt(1_000)},
		types.PositionState{
			TotalSupplied:   sdkmath.NewInt(800),
			TotalWithdrawn:  sdkmath.ZeroInt(),
			LiquidBalance:   sdkmath.NewInt(200),
			PositionBalance: sdkmath.NewInt(800),
			ReportedYield:   sdkmath.ZeroInt(),
		},
	)
	ledger.SetRoles(owner, operator)
	return ledger
}

func newController(t *testing.T, ledger *vaulttest.FakeLedger, submitter *wallettest.FakeSubmitter) *Controller {
	t.Helper()
	c, err := NewController(ledger, submitter, testContracts, wallet.ConfirmOptions{
		Depth: 1, WindowBlocks: 10, Timeout: time.Second, PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestDrainRejectsNonOwnerWithoutSending(t *testing.T) {
	ledger := newLedger()
	submitter := wallettest.NewFakeSubmitter(operator)
	c := newController(t, ledger, submitter)

	report, err := c.EmergencyDrain(context.Background(), TargetPosition, sdkmath.NewInt(100))

	require.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Nil(t, report)
	assert.Empty(t, submitter.Simulated())
	assert.Empty(t, submitter.Submitted())
}

func TestDrainRejectedWhenSimulationReverts(t *testing.T) {
	ledger := newLedger()
	submitter := wallettest.NewFakeSubmitter(owner)
	submitter.SimulateErr = errors.Join(types.ErrTransactionReverted, errors.New("Ownable: caller is not the owner"))
	c := newController(t, ledger, submitter)

	_, err := c.EmergencyDrain(context.Background(), TargetVaultReserve, sdkmath.NewInt(100))

	require.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Len(t, submitter.Simulated(), 1)
	assert.Empty(t, submitter.Submitted())
}

func TestDrainSimulationRPCFailureIsNotUnauthorized(t *testing.T) {
	ledger := newLedger()
	submitter := wallettest.NewFakeSubmitter(owner)
	submitter.SimulateErr = errors.Join(types.ErrChainUnavailable, errors.New("dial tcp: timeout"))
	c := newController(t, ledger, submitter)

	_, err := c.EmergencyDrain(context.Background(), TargetPosition, sdkmath.NewInt(100))

	require.ErrorIs(t, err, types.ErrChainUnavailable)
	assert.NotErrorIs(t, err, types.ErrUnauthorized)
	assert.Empty(t, submitter.Submitted())
}

func TestDrainZeroAmountTakesWholeBalance(t *testing.T) {
	tests := []struct {
		target Target
		method string
		amount int64
	}{
		{TargetPosition, "emergencyWithdrawFromAAVE", 800},
		{TargetVaultReserve, "emergencyWithdrawUSDC", 200},
	}
	for _, tc := range tests {
		t.Run(string(tc.target), func(t *testing.T) {
			ledger := newLedger()
			submitter := wallettest.NewFakeSubmitter(owner)
			c := newController(t, ledger, submitter)

			report, err := c.EmergencyDrain(context.Background(), tc.target, sdkmath.ZeroInt())
			require.NoError(t, err)

			calls := submitter.Submitted()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.method, calls[0].Method)
			assert.Equal(t, testContracts.Manager, calls[0].To)
			assert.Equal(t, sdkmath.NewInt(tc.amount), calls[0].Amount)
			assert.Equal(t, sdkmath.NewInt(tc.amount), report.Amount)
			require.NotNil(t, report.Transaction)
			assert.True(t, report.Transaction.Success)
		})
	}
}

func TestDrainReportsPostBalances(t *testing.T) {
	ledger := newLedger()
	submitter := wallettest.NewFakeSubmitter(owner)
	submitter.OnConfirm = func(call types.ContractCall) {
		ledger.Update(func(_ *types.VaultState, p *types.PositionState) {
			p.PositionBalance = p.PositionBalance.Sub(call.Amount)
			p.TotalWithdrawn = p.TotalWithdrawn.Add(call.Amount)
		})
	}
	c := newController(t, ledger, submitter)

	report, err := c.EmergencyDrain(context.Background(), TargetPosition, sdkmath.NewInt(300))
	require.NoError(t, err)

	assert.Equal(t, sdkmath.NewInt(800), report.Before.PositionBalance)
	require.NotNil(t, report.After)
	assert.Equal(t, sdkmath.NewInt(500), report.After.PositionBalance)
	// the withdraw queue is never touched
	for _, call := range submitter.Submitted() {
		assert.NotEqual(t, "processWithdrawal", call.Method)
	}
}

func TestDrainNothingToDrain(t *testing.T) {
	ledger := newLedger()
	ledger.Update(func(_ *types.VaultState, p *types.PositionState) {
		p.LiquidBalance = sdkmath.ZeroInt()
	})
	submitter := wallettest.NewFakeSubmitter(owner)
	c := newController(t, ledger, submitter)

	_, err := c.EmergencyDrain(context.Background(), TargetVaultReserve, sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrNothingToDrain)
	assert.Empty(t, submitter.Submitted())
}

func TestDrainConfirmationTimeoutReturnsReport(t *testing.T) {
	ledger := newLedger()
	submitter := wallettest.NewFakeSubmitter(owner)
	submitter.ConfirmErrs = []error{types.ErrConfirmationTimeout}
	c := newController(t, ledger, submitter)

	report, err := c.EmergencyDrain(context.Background(), TargetPosition, sdkmath.NewInt(100))
	assert.ErrorIs(t, err, types.ErrConfirmationTimeout)
	require.NotNil(t, report)
	assert.Nil(t, report.After)
	assert.Nil(t, report.Transaction)

	// the broadcast transaction stays traceable after the wait gave up
	require.Len(t, submitter.Submitted(), 1)
	assert.Equal(t, crypto.Keccak256Hash([]byte("emergencyWithdrawFromAAVE-1")).Hex(), report.TxHash)
	assert.Equal(t, uint64(1), report.Nonce)
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget(" Position ")
	require.NoError(t, err)
	assert.Equal(t, TargetPosition, got)

	got, err = ParseTarget("vault_reserve")
	require.NoError(t, err)
	assert.Equal(t, TargetVaultReserve, got)

	_, err = ParseTarget("aave")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestDrainRejectsNegativeAmount(t *testing.T) {
	c := newController(t, newLedger(), wallettest.NewFakeSubmitter(owner))
	_, err := c.EmergencyDrain(context.Background(), TargetPosition, sdkmath.NewInt(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
