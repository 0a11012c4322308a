package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContracts = Contracts{
	Vault:   common.HexToAddress("0x1000000000000000000000000000000000000001"),
	Manager: common.HexToAddress("0x2000000000000000000000000000000000000002"),
	USDC:    common.HexToAddress("0x3000000000000000000000000000000000000003"),
}

type handler func(args []interface{}) []interface{}

// fakeCaller answers eth_call by decoding the selector against the known ABIs.
type fakeCaller struct {
	head     uint64
	handlers map[string]handler
	blocks   []*big.Int
	failOn   string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{head: 100, handlers: map[string]handler{}}
}

func (f *fakeCaller) on(method string, values ...interface{}) {
	f.handlers[method] = func([]interface{}) []interface{} { return values }
}

func (f *fakeCaller) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, block)
	for _, contract := range []abi.ABI{VaultABI, ManagerABI, ERC20ABI} {
		method, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		if method.Name == f.failOn {
			return nil, errors.New("connection reset")
		}
		h, ok := f.handlers[method.Name]
		if !ok {
			return nil, errors.New("unexpected call " + method.Name)
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(h(args)...)
	}
	return nil, errors.New("unknown selector")
}

func TestReadVaultStateReadsQueuePrefix(t *testing.T) {
	caller := newFakeCaller()
	caller.on("totalSupply", big.NewInt(9_000))
	caller.on("pendingWithdrawalCount", big.NewInt(3))
	caller.handlers["pendingWithdrawalAt"] = func(args []interface{}) []interface{} {
		i := args[0].(*big.Int).Int64()
		return []interface{}{big.NewInt(10 + i), common.HexToAddress("0xabc"), big.NewInt(100 * (i + 1)), big.NewInt(1_700_000_000 + i)}
	}

	client, err := NewClient(caller, testContracts)
	require.NoError(t, err)

	state, err := client.ReadVaultState(context.Background(), 42, 2)
	require.NoError(t, err)

	assert.Equal(t, sdkmath.NewInt(9_000), state.TotalShareSupply)
	assert.Equal(t, uint64(3), state.PendingCount)
	require.Len(t, state.PendingWithdrawals, 2)
	assert.Equal(t, uint64(10), state.PendingWithdrawals[0].RequestID)
	assert.Equal(t, sdkmath.NewInt(200), state.PendingWithdrawals[1].ShareAmount)
	assert.Equal(t, time.Unix(1_700_000_001, 0).UTC(), state.PendingWithdrawals[1].RequestedAt)
	assert.True(t, state.QueueTruncated())

	for _, b := range caller.blocks {
		require.NotNil(t, b)
		assert.Equal(t, int64(42), b.Int64(), "every read is pinned to the snapshot block")
	}
}

func TestReadPositionState(t *testing.T) {
	caller := newFakeCaller()
	caller.on("totalSupplied", big.NewInt(10_000))
	caller.on("totalWithdrawn", big.NewInt(2_000))
	caller.on("getUSDCBalance", big.NewInt(500))
	caller.on("getAAVEBalance", big.NewInt(8_300))
	caller.on("getTotalYieldEarned", big.NewInt(300))

	client, err := NewClient(caller, testContracts)
	require.NoError(t, err)

	state, err := client.ReadPositionState(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(8_300), state.PositionBalance)
	assert.Equal(t, sdkmath.NewInt(300), state.YieldEarned())
}

func TestReadPositionStateWrapsRPCFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.on("totalSupplied", big.NewInt(1))
	caller.failOn = "totalWithdrawn"

	client, err := NewClient(caller, testContracts)
	require.NoError(t, err)

	_, err = client.ReadPositionState(context.Background(), 7)
	assert.ErrorIs(t, err, ErrRPCRequestFailed)
}

func TestLatestBlockReads(t *testing.T) {
	owner := common.HexToAddress("0xdead")
	caller := newFakeCaller()
	caller.on("isWithdrawalPending", true)
	caller.on("owner", owner)
	caller.on("getUserBalance", big.NewInt(77))

	client, err := NewClient(caller, testContracts)
	require.NoError(t, err)
	ctx := context.Background()

	pending, err := client.IsWithdrawalPending(ctx, 5)
	require.NoError(t, err)
	assert.True(t, pending)

	got, err := client.ManagerOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	bal, err := client.UserShareBalance(ctx, common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(77), bal)

	for _, b := range caller.blocks {
		assert.Nil(t, b)
	}
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(nil, testContracts)
	assert.ErrorIs(t, err, ErrInvalidConnection)

	_, err = NewClient(newFakeCaller(), Contracts{})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
