// Package wallettest provides a scripted transaction submitter for tests.
package wallettest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/wallet"
)

// FakeSubmitter records every call and returns scripted outcomes.
type FakeSubmitter struct {
	mu sync.Mutex

	Address common.Address

	// SubmitErr, when set, fails every Submit.
	SubmitErr error
	// SimulateErr, when set, fails every Simulate.
	SimulateErr error
	// ConfirmErrs is consumed one per WaitForConfirmation call; nil entries succeed.
	ConfirmErrs []error
	// ApplyOnError applies OnConfirm even when the confirmation wait fails,
	// modelling a transaction that lands after the operator gave up on it.
	ApplyOnError bool
	// OnConfirm is called with the confirmed call, typically to mutate a fake ledger.
	OnConfirm func(call types.ContractCall)

	submitted []types.ContractCall
	simulated []types.ContractCall
	waits     int
	nonce     uint64
}

// NewFakeSubmitter returns a submitter for the given operator address.
func NewFakeSubmitter(from common.Address) *FakeSubmitter {
	return &FakeSubmitter{Address: from}
}

// From returns the operator address.
func (f *FakeSubmitter) From() common.Address {
	return f.Address
}

// Simulate records the call.
func (f *FakeSubmitter) Simulate(_ context.Context, call types.ContractCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = append(f.simulated, call)
	return f.SimulateErr
}

// Submit records the call and returns a pending transaction with a deterministic hash.
func (f *FakeSubmitter) Submit(_ context.Context, call types.ContractCall) (*types.PendingTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	f.submitted = append(f.submitted, call)
	f.nonce++
	return &types.PendingTransaction{
		Hash:        crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", call.Method, f.nonce))),
		Nonce:       f.nonce,
		Call:        call,
		SubmittedAt: time.Now(),
	}, nil
}

// WaitForConfirmation returns the next scripted outcome.
func (f *FakeSubmitter) WaitForConfirmation(_ context.Context, pending *types.PendingTransaction, _ wallet.ConfirmOptions) (*types.TransactionResult, error) {
	f.mu.Lock()
	f.waits++
	var err error
	if len(f.ConfirmErrs) > 0 {
		err = f.ConfirmErrs[0]
		f.ConfirmErrs = f.ConfirmErrs[1:]
	}
	apply := f.OnConfirm != nil && (err == nil || f.ApplyOnError)
	hook := f.OnConfirm
	f.mu.Unlock()

	if apply {
		hook(pending.Call)
	}
	if err != nil {
		return nil, err
	}
	return &types.TransactionResult{
		TxHash:        pending.Hash.Hex(),
		BlockNumber:   1,
		Confirmations: 1,
		Success:       true,
		ConfirmedAt:   time.Now(),
	}, nil
}

// Submitted returns the calls passed to Submit.
func (f *FakeSubmitter) Submitted() []types.ContractCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ContractCall(nil), f.submitted...)
}

// Simulated returns the calls passed to Simulate.
func (f *FakeSubmitter) Simulated() []types.ContractCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ContractCall(nil), f.simulated...)
}

// Waits returns the number of WaitForConfirmation calls.
func (f *FakeSubmitter) Waits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits
}
