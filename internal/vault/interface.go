package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fyield/treasury/internal/types"
)

// EVMCaller is the read-only subset of an EVM JSON-RPC client. *ethclient.Client satisfies it.
type EVMCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// LedgerReader reads the Vault and PositionManager ledgers.
// Block-pinned reads must observe exactly the given height.
type LedgerReader interface {
	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// ReadVaultState reads share supply and at most queueLimit entries of the withdraw queue, oldest first.
	ReadVaultState(ctx context.Context, block uint64, queueLimit uint64) (types.VaultState, error)

	// ReadPositionState reads the manager's balances and lifetime counters.
	ReadPositionState(ctx context.Context, block uint64) (types.PositionState, error)

	// IsWithdrawalPending checks a request against the latest block.
	IsWithdrawalPending(ctx context.Context, requestID uint64) (bool, error)

	// ManagerOwner returns the manager's owner, the only key allowed to run emergency withdrawals.
	ManagerOwner(ctx context.Context) (common.Address, error)

	// ManagerOperator returns the manager's operator.
	ManagerOperator(ctx context.Context) (common.Address, error)
}
