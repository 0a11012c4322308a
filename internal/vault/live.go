package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidAddress    = errors.New("contract address is invalid")
	ErrInvalidConnection = errors.New("connection is invalid")
	ErrRPCRequestFailed  = errors.New("RPC request failed")
	ErrInvalidResponse   = errors.New("response data is invalid")
)

// Client reads the vault and manager contracts through an EVM JSON-RPC connection.
type Client struct {
	caller    EVMCaller
	contracts Contracts
	logger    zerolog.Logger
}

// NewClient validates the inputs and returns a live ledger client.
func NewClient(caller EVMCaller, contracts Contracts) (*Client, error) {
	if caller == nil {
		return nil, ErrInvalidConnection
	}
	if err := contracts.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		caller:    caller,
		contracts: contracts,
		logger:    logger.GetForComponent("vault_client"),
	}, nil
}

// Contracts returns the addresses this client reads.
func (c *Client) Contracts() Contracts {
	return c.contracts
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.caller.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Join(ErrRPCRequestFailed, err)
	}
	return n, nil
}

// ReadVaultState implements LedgerReader.
func (c *Client) ReadVaultState(ctx context.Context, block uint64, queueLimit uint64) (types.VaultState, error) {
	supply, err := c.callUint(ctx, c.contracts.Vault, VaultABI, block, "totalSupply")
	if err != nil {
		return types.VaultState{}, err
	}
	count, err := c.callUint(ctx, c.contracts.Vault, VaultABI, block, "pendingWithdrawalCount")
	if err != nil {
		return types.VaultState{}, err
	}
	if !count.IsUint64() {
		return types.VaultState{}, fmt.Errorf("%w: queue length %s overflows uint64", ErrInvalidResponse, count)
	}

	state := types.VaultState{
		TotalShareSupply: supply,
		PendingCount:     count.Uint64(),
	}

	toRead := state.PendingCount
	if toRead > queueLimit {
		toRead = queueLimit
		c.logger.Warn().
			Uint64("queueLength", state.PendingCount).
			Uint64("readLimit", queueLimit).
			Msg("Withdraw queue longer than read limit, reading prefix only")
	}

	state.PendingWithdrawals = make([]types.WithdrawalRequest, 0, toRead)
	for i := uint64(0); i < toRead; i++ {
		req, err := c.readQueueEntry(ctx, block, i)
		if err != nil {
			return types.VaultState{}, err
		}
		state.PendingWithdrawals = append(state.PendingWithdrawals, req)
	}

	return state, nil
}

func (c *Client) readQueueEntry(ctx context.Context, block, index uint64) (types.WithdrawalRequest, error) {
	out, err := c.call(ctx, c.contracts.Vault, VaultABI, block, "pendingWithdrawalAt", new(big.Int).SetUint64(index))
	if err != nil {
		return types.WithdrawalRequest{}, err
	}
	if len(out) != 4 {
		return types.WithdrawalRequest{}, fmt.Errorf("%w: pendingWithdrawalAt(%d) returned %d values", ErrInvalidResponse, index, len(out))
	}

	requestID, ok1 := out[0].(*big.Int)
	requester, ok2 := out[1].(common.Address)
	shares, ok3 := out[2].(*big.Int)
	requestedAt, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return types.WithdrawalRequest{}, fmt.Errorf("%w: pendingWithdrawalAt(%d) has unexpected types", ErrInvalidResponse, index)
	}
	if !requestID.IsUint64() || !requestedAt.IsInt64() {
		return types.WithdrawalRequest{}, fmt.Errorf("%w: pendingWithdrawalAt(%d) values out of range", ErrInvalidResponse, index)
	}

	return types.WithdrawalRequest{
		RequestID:   requestID.Uint64(),
		Requester:   requester,
		ShareAmount: utils.BigToInt(shares),
		RequestedAt: time.Unix(requestedAt.Int64(), 0).UTC(),
	}, nil
}

// ReadPositionState implements LedgerReader.
func (c *Client) ReadPositionState(ctx context.Context, block uint64) (types.PositionState, error) {
	var state types.PositionState
	fields := []struct {
		method string
		dst    *sdkmath.Int
	}{
		{"totalSupplied", &state.TotalSupplied},
		{"totalWithdrawn", &state.TotalWithdrawn},
		{"getUSDCBalance", &state.LiquidBalance},
		{"getAAVEBalance", &state.PositionBalance},
		{"getTotalYieldEarned", &state.ReportedYield},
	}
	for _, f := range fields {
		v, err := c.callUint(ctx, c.contracts.Manager, ManagerABI, block, f.method)
		if err != nil {
			return types.PositionState{}, err
		}
		*f.dst = v
	}
	return state, nil
}

// IsWithdrawalPending implements LedgerReader.
func (c *Client) IsWithdrawalPending(ctx context.Context, requestID uint64) (bool, error) {
	out, err := c.callLatest(ctx, c.contracts.Vault, VaultABI, "isWithdrawalPending", new(big.Int).SetUint64(requestID))
	if err != nil {
		return false, err
	}
	pending, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: isWithdrawalPending returned %T", ErrInvalidResponse, out[0])
	}
	return pending, nil
}

// ManagerOwner implements LedgerReader.
func (c *Client) ManagerOwner(ctx context.Context) (common.Address, error) {
	return c.callAddress(ctx, c.contracts.Manager, ManagerABI, "owner")
}

// ManagerOperator implements LedgerReader.
func (c *Client) ManagerOperator(ctx context.Context) (common.Address, error) {
	return c.callAddress(ctx, c.contracts.Manager, ManagerABI, "operator")
}

// UserShareBalance returns the vault share balance of a user at the latest block.
func (c *Client) UserShareBalance(ctx context.Context, user common.Address) (sdkmath.Int, error) {
	out, err := c.callLatest(ctx, c.contracts.Vault, VaultABI, "getUserBalance", user)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return firstUint(out, "getUserBalance")
}

// TokenBalance returns the USDC balance of an account at the latest block.
func (c *Client) TokenBalance(ctx context.Context, account common.Address) (sdkmath.Int, error) {
	out, err := c.callLatest(ctx, c.contracts.USDC, ERC20ABI, "balanceOf", account)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return firstUint(out, "balanceOf")
}

// Allowance returns the USDC allowance granted by owner to spender.
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (sdkmath.Int, error) {
	out, err := c.callLatest(ctx, c.contracts.USDC, ERC20ABI, "allowance", owner, spender)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return firstUint(out, "allowance")
}

func (c *Client) callAddress(ctx context.Context, to common.Address, contract abi.ABI, method string) (common.Address, error) {
	out, err := c.callLatest(ctx, to, contract, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s returned %T", ErrInvalidResponse, method, out[0])
	}
	return addr, nil
}

func (c *Client) callUint(ctx context.Context, to common.Address, contract abi.ABI, block uint64, method string) (sdkmath.Int, error) {
	out, err := c.call(ctx, to, contract, block, method)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return firstUint(out, method)
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, block uint64, method string, args ...interface{}) ([]interface{}, error) {
	return c.doCall(ctx, to, contract, new(big.Int).SetUint64(block), method, args...)
}

func (c *Client) callLatest(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return c.doCall(ctx, to, contract, nil, method, args...)
}

func (c *Client) doCall(ctx context.Context, to common.Address, contract abi.ABI, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrRPCRequestFailed, method, to.Hex(), err)
	}

	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrInvalidResponse, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", ErrInvalidResponse, method)
	}
	return out, nil
}

func firstUint(out []interface{}, method string) (sdkmath.Int, error) {
	v, ok := out[0].(*big.Int)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %s returned %T", ErrInvalidResponse, method, out[0])
	}
	return utils.BigToInt(v), nil
}
