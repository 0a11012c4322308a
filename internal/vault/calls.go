package vault

import (
	"errors"
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/utils"
)

// Contracts holds the deployed addresses and encodes every write the operator can make.
type Contracts struct {
	Vault   common.Address
	Manager common.Address
	USDC    common.Address
}

// Validate rejects zero addresses.
func (c Contracts) Validate() error {
	var errs []error
	if c.Vault == (common.Address{}) {
		errs = append(errs, fmt.Errorf("%w: vault", ErrInvalidAddress))
	}
	if c.Manager == (common.Address{}) {
		errs = append(errs, fmt.Errorf("%w: manager", ErrInvalidAddress))
	}
	if c.USDC == (common.Address{}) {
		errs = append(errs, fmt.Errorf("%w: usdc", ErrInvalidAddress))
	}
	return errors.Join(errs...)
}

// Supply moves liquid USDC from the manager into the lending position.
func (c Contracts) Supply(amount sdkmath.Int) (types.ContractCall, error) {
	return c.amountCall(c.Manager, ManagerABI, "supplyToAAVE", amount,
		"supply liquid USDC to the lending position")
}

// WithdrawFromPosition pulls USDC out of the lending position back to the manager's liquid balance.
func (c Contracts) WithdrawFromPosition(amount sdkmath.Int) (types.ContractCall, error) {
	return c.amountCall(c.Manager, ManagerABI, "emergencyWithdrawFromAAVE", amount,
		"withdraw from the lending position to liquid")
}

// WithdrawLiquidToOwner sends liquid USDC from the manager to its owner.
func (c Contracts) WithdrawLiquidToOwner(amount sdkmath.Int) (types.ContractCall, error) {
	return c.amountCall(c.Manager, ManagerABI, "emergencyWithdrawUSDC", amount,
		"withdraw liquid USDC to the owner")
}

// DepositToManager pulls USDC from the operator wallet into the manager. Requires an allowance.
func (c Contracts) DepositToManager(amount sdkmath.Int) (types.ContractCall, error) {
	return c.amountCall(c.Manager, ManagerABI, "depositUSDC", amount,
		"deposit USDC from the operator wallet")
}

// ApproveManager grants the manager an allowance over the operator's USDC.
func (c Contracts) ApproveManager(amount sdkmath.Int) (types.ContractCall, error) {
	return c.approve(c.Manager, amount, "approve manager to pull USDC")
}

// ApproveVault grants the vault an allowance over the operator's USDC, as
// DepositToVault requires.
func (c Contracts) ApproveVault(amount sdkmath.Int) (types.ContractCall, error) {
	return c.approve(c.Vault, amount, "approve vault to pull USDC")
}

func (c Contracts) approve(spender common.Address, amount sdkmath.Int, description string) (types.ContractCall, error) {
	value, err := positiveBig(amount)
	if err != nil {
		return types.ContractCall{}, fmt.Errorf("approve: %w", err)
	}
	return c.pack(c.USDC, ERC20ABI, "approve", amount, description, spender, value)
}

// DepositToVault deposits USDC into the vault crediting shares to beneficiary.
func (c Contracts) DepositToVault(amount sdkmath.Int, beneficiary common.Address) (types.ContractCall, error) {
	if beneficiary == (common.Address{}) {
		return types.ContractCall{}, fmt.Errorf("%w: beneficiary", ErrInvalidAddress)
	}
	value, err := positiveBig(amount)
	if err != nil {
		return types.ContractCall{}, err
	}
	return c.pack(c.Vault, VaultABI, "deposit", amount, "deposit USDC into the vault", value, beneficiary)
}

// ProcessWithdrawal pays out a queued withdrawal request. The vault removes it atomically.
func (c Contracts) ProcessWithdrawal(req types.WithdrawalRequest, assets sdkmath.Int) (types.ContractCall, error) {
	return c.pack(c.Vault, VaultABI, "processWithdrawal", assets,
		fmt.Sprintf("pay withdrawal request %d", req.RequestID), new(big.Int).SetUint64(req.RequestID))
}

func (c Contracts) amountCall(to common.Address, contract abi.ABI, method string, amount sdkmath.Int, description string) (types.ContractCall, error) {
	value, err := positiveBig(amount)
	if err != nil {
		return types.ContractCall{}, fmt.Errorf("%s: %w", method, err)
	}
	return c.pack(to, contract, method, amount, description, value)
}

func (c Contracts) pack(to common.Address, contract abi.ABI, method string, amount sdkmath.Int, description string, args ...interface{}) (types.ContractCall, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return types.ContractCall{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return types.ContractCall{
		To:          to,
		Data:        data,
		Method:      method,
		Description: description,
		Amount:      amount,
	}, nil
}

func positiveBig(amount sdkmath.Int) (*big.Int, error) {
	value, err := utils.IntToBig(amount)
	if err != nil {
		return nil, err
	}
	if value.Sign() == 0 {
		return nil, errors.New("amount must be positive")
	}
	return value, nil
}
