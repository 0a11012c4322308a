// Package vaulttest provides an in-memory ledger for tests.
package vaulttest

import (
	"context"
	"errors"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fyield/treasury/internal/types"
)

// ErrInjected is returned by injected read failures.
var ErrInjected = errors.New("injected rpc failure")

// FakeLedger implements vault.LedgerReader over mutable in-memory state.
type FakeLedger struct {
	mu sync.Mutex

	head     uint64
	vault    types.VaultState
	position types.PositionState
	paid     map[uint64]bool
	owner    common.Address
	operator common.Address

	failHead     int
	failVault    int
	failPosition int
	malformed    bool

	readBlocks []uint64
	reads      int
}

// NewFakeLedger returns a ledger at block 1 with the given state.
func NewFakeLedger(vault types.VaultState, position types.PositionState) *FakeLedger {
	return &FakeLedger{
		head:     1,
		vault:    vault,
		position: position,
		paid:     map[uint64]bool{},
	}
}

// SetRoles sets the manager's owner and operator.
func (f *FakeLedger) SetRoles(owner, operator common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner, f.operator = owner, operator
}

// FailNext makes the next n reads of each kind fail.
func (f *FakeLedger) FailNext(head, vault, position int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failHead, f.failVault, f.failPosition = head, vault, position
}

// SetMalformed makes position reads return withdrawn > supplied.
func (f *FakeLedger) SetMalformed(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.malformed = v
}

// Update mutates the ledger state under lock and advances the head.
func (f *FakeLedger) Update(fn func(v *types.VaultState, p *types.PositionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.vault, &f.position)
	f.head++
}

// MarkPaid removes a request from the queue as the vault's processWithdrawal would.
func (f *FakeLedger) MarkPaid(requestID uint64, assets sdkmath.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.vault.PendingWithdrawals[:0]
	for _, req := range f.vault.PendingWithdrawals {
		if req.RequestID == requestID {
			f.vault.TotalShareSupply = f.vault.TotalShareSupply.Sub(req.ShareAmount)
			f.vault.PendingCount--
			f.position.LiquidBalance = f.position.LiquidBalance.Sub(assets)
			continue
		}
		kept = append(kept, req)
	}
	f.vault.PendingWithdrawals = kept
	f.paid[requestID] = true
	f.head++
}

// ReadBlocks returns the heights passed to block-pinned reads.
func (f *FakeLedger) ReadBlocks() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.readBlocks...)
}

// Reads returns the number of BlockNumber calls, one per snapshot attempt.
func (f *FakeLedger) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// BlockNumber implements vault.LedgerReader.
func (f *FakeLedger) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failHead > 0 {
		f.failHead--
		return 0, ErrInjected
	}
	return f.head, nil
}

// ReadVaultState implements vault.LedgerReader.
func (f *FakeLedger) ReadVaultState(_ context.Context, block uint64, queueLimit uint64) (types.VaultState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBlocks = append(f.readBlocks, block)
	if f.failVault > 0 {
		f.failVault--
		return types.VaultState{}, ErrInjected
	}
	out := f.vault
	n := uint64(len(f.vault.PendingWithdrawals))
	if n > queueLimit {
		n = queueLimit
	}
	out.PendingWithdrawals = append([]types.WithdrawalRequest(nil), f.vault.PendingWithdrawals[:n]...)
	return out, nil
}

// ReadPositionState implements vault.LedgerReader.
func (f *FakeLedger) ReadPositionState(_ context.Context, block uint64) (types.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBlocks = append(f.readBlocks, block)
	if f.failPosition > 0 {
		f.failPosition--
		return types.PositionState{}, ErrInjected
	}
	out := f.position
	if f.malformed {
		out.TotalWithdrawn = out.TotalSupplied.AddRaw(1)
	}
	return out, nil
}

// IsWithdrawalPending implements vault.LedgerReader.
func (f *FakeLedger) IsWithdrawalPending(_ context.Context, requestID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paid[requestID] {
		return false, nil
	}
	for _, req := range f.vault.PendingWithdrawals {
		if req.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

// ManagerOwner implements vault.LedgerReader.
func (f *FakeLedger) ManagerOwner(context.Context) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, nil
}

// ManagerOperator implements vault.LedgerReader.
func (f *FakeLedger) ManagerOperator(context.Context) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.operator, nil
}
