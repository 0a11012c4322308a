package wallet

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyield/treasury/internal/types"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	tip         *big.Int
	baseFee     *big.Int
	estimate    uint64
	estimateErr error
	callErr     error
	sendErr     error
	head        uint64
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nonce:    5,
		tip:      big.NewInt(1_000),
		baseFee:  big.NewInt(10_000),
		estimate: 50_000,
		head:     100,
		receipts: map[common.Hash]*gethtypes.Receipt{},
	}
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.tip), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) mine(hash common.Hash, block uint64, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &gethtypes.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(block), GasUsed: 42_000}
}

func newTestSubmitter(t *testing.T, backend *fakeBackend) *TxSubmitter {
	t.Helper()
	signer, err := NewLocalSignerFromHex(testKeyHex)
	require.NoError(t, err)
	s, err := NewTxSubmitter(backend, signer, SubmitterConfig{
		ChainID:         big.NewInt(14),
		DefaultGasLimit: 300_000,
		GasAdjustment:   1.5,
	})
	require.NoError(t, err)
	return s
}

func testCall() types.ContractCall {
	return types.ContractCall{
		To:     common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Data:   []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
		Method: "supplyToAAVE",
		Amount: sdkmath.NewInt(400),
	}
}

func fastConfirm() ConfirmOptions {
	return ConfirmOptions{Depth: 2, WindowBlocks: 10, Timeout: time.Second, PollInterval: time.Millisecond}
}

func TestSubmitSignsWithConfirmedNonce(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)

	pending, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(50_000*1.5)+gasBuffer, tx.Gas())
	assert.Equal(t, big.NewInt(21_000), tx.GasFeeCap())
	assert.Equal(t, pending.Hash, tx.Hash())
	assert.Equal(t, uint64(100), pending.SubmittedBlock)
	assert.False(t, pending.Replacement)

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(14)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.From(), sender)
}

func TestSubmitRevertingEstimateSendsNothing(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted: caller is not the operator")
	s := newTestSubmitter(t, backend)

	_, err := s.Submit(context.Background(), testCall())
	assert.ErrorIs(t, err, types.ErrTransactionReverted)
	assert.Empty(t, backend.sent)
}

func TestSubmitFallsBackToDefaultGasLimit(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("rpc timeout")
	s := newTestSubmitter(t, backend)

	_, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)
	assert.Equal(t, uint64(300_000), backend.sent[0].Gas())
}

func TestResubmissionReplacesUnresolvedTransaction(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	ctx := context.Background()

	first, err := s.Submit(ctx, testCall())
	require.NoError(t, err)

	second, err := s.Submit(ctx, testCall())
	require.NoError(t, err)

	assert.True(t, second.Replacement)
	assert.Equal(t, first.Nonce, second.Nonce, "a retry must never stack a second write")
	assert.GreaterOrEqual(t, second.GasTipCap.Cmp(bumpFee(first.GasTipCap)), 0)
	assert.GreaterOrEqual(t, second.GasFeeCap.Cmp(bumpFee(first.GasFeeCap)), 0)

	// once the nonce is consumed the next write uses a fresh one
	backend.nonce = 6
	third, err := s.Submit(ctx, testCall())
	require.NoError(t, err)
	assert.False(t, third.Replacement)
	assert.Equal(t, uint64(6), third.Nonce)
}

func TestSubmitBroadcastFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds")
	s := newTestSubmitter(t, backend)

	_, err := s.Submit(context.Background(), testCall())
	assert.ErrorIs(t, err, ErrTxBroadcastFailed)
}

func TestSubmitRejectsInvalidCall(t *testing.T) {
	s := newTestSubmitter(t, newFakeBackend())
	_, err := s.Submit(context.Background(), types.ContractCall{Method: "x", Data: []byte{1}})
	assert.ErrorIs(t, err, ErrInvalidCall)
}

func TestWaitForConfirmationReachesDepth(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	pending, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)

	backend.mine(pending.Hash, 101, gethtypes.ReceiptStatusSuccessful)
	backend.head = 102

	result, err := s.WaitForConfirmation(context.Background(), pending, fastConfirm())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, uint64(101), result.BlockNumber)
	assert.Equal(t, uint64(2), result.Confirmations)
}

func TestWaitForConfirmationReverted(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	pending, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)

	backend.mine(pending.Hash, 101, gethtypes.ReceiptStatusFailed)
	backend.head = 105

	result, err := s.WaitForConfirmation(context.Background(), pending, fastConfirm())
	assert.ErrorIs(t, err, types.ErrTransactionReverted)
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

func TestWaitForConfirmationWindowExceeded(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	pending, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)

	backend.head = pending.SubmittedBlock + 11

	_, err = s.WaitForConfirmation(context.Background(), pending, fastConfirm())
	assert.ErrorIs(t, err, types.ErrConfirmationTimeout)
}

func TestWaitForConfirmationWallClockTimeout(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	pending, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)

	opts := fastConfirm()
	opts.Timeout = 30 * time.Millisecond
	_, err = s.WaitForConfirmation(context.Background(), pending, opts)
	assert.ErrorIs(t, err, types.ErrConfirmationTimeout)
}

func TestWaitForConfirmationNonceConsumedElsewhere(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	pending, err := s.Submit(context.Background(), testCall())
	require.NoError(t, err)

	backend.nonce = pending.Nonce + 1

	_, err = s.WaitForConfirmation(context.Background(), pending, fastConfirm())
	assert.ErrorIs(t, err, types.ErrConfirmationTimeout)
	assert.ErrorContains(t, err, "consumed")
}

func TestSimulateClassifiesRevert(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)
	require.NoError(t, s.Simulate(context.Background(), testCall()))

	backend.callErr = errors.New("execution reverted: Ownable: caller is not the owner")
	assert.ErrorIs(t, s.Simulate(context.Background(), testCall()), types.ErrTransactionReverted)

	backend.callErr = errors.New("dial tcp: connection refused")
	assert.ErrorIs(t, s.Simulate(context.Background(), testCall()), types.ErrChainUnavailable)
}

func TestBumpFee(t *testing.T) {
	assert.Equal(t, big.NewInt(1126), bumpFee(big.NewInt(1000)))
	assert.Equal(t, big.NewInt(0), bumpFee(nil))
}

func TestSignerSources(t *testing.T) {
	fromHex, err := NewLocalSignerFromHex("0x" + testKeyHex)
	require.NoError(t, err)

	key, err := gethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), fromHex.Address())

	keyJSON, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    fromHex.Address(),
		PrivateKey: key,
	}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, keyJSON, 0o600))

	fromKeystore, err := NewLocalSignerFromKeystore(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, fromHex.Address(), fromKeystore.Address())

	_, err = NewLocalSignerFromKeystore(path, "wrong")
	assert.ErrorIs(t, err, ErrKeyLoadFailed)

	_, err = NewLocalSignerFromHex("zz")
	assert.ErrorIs(t, err, ErrKeyLoadFailed)
}
