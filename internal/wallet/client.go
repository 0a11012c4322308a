package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/fyield/treasury/internal/config"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrKeyLoadFailed = errors.New("operator key could not be loaded")
	ErrTxSignFailed  = errors.New("transaction signing failed")
)

// Signer signs transactions for the operator account.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// LocalSigner holds the operator key in process memory.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner wraps an in-memory private key.
func NewLocalSigner(key *ecdsa.PrivateKey) (*LocalSigner, error) {
	if key == nil {
		return nil, errors.Join(ErrKeyLoadFailed, errors.New("nil private key"))
	}
	return &LocalSigner{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewLocalSignerFromHex parses a hex encoded private key, with or without 0x prefix.
func NewLocalSignerFromHex(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.Join(ErrKeyLoadFailed, errors.New("empty private key"))
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, errors.Join(ErrKeyLoadFailed, err)
	}
	return NewLocalSigner(key)
}

// NewLocalSignerFromKeystore decrypts an Ethereum v3 keystore file.
func NewLocalSignerFromKeystore(path, passphrase string) (*LocalSigner, error) {
	if path == "" {
		return nil, errors.Join(ErrKeyLoadFailed, errors.New("empty keystore path"))
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrKeyLoadFailed, err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, errors.Join(ErrKeyLoadFailed, err)
	}
	return NewLocalSigner(decrypted.PrivateKey)
}

// NewSignerFromConfig loads the operator key from whichever source is configured.
func NewSignerFromConfig() (*LocalSigner, error) {
	switch {
	case config.OperatorPrivateKey != "":
		return NewLocalSignerFromHex(config.OperatorPrivateKey)
	case config.KeystoreFile != "":
		return NewLocalSignerFromKeystore(config.KeystoreFile, config.KeystorePassword)
	default:
		return nil, errors.Join(ErrInvalidConfig, errors.New("no operator key source configured"))
	}
}

// Address implements Signer.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTx implements Signer.
func (s *LocalSigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if tx == nil || chainID == nil {
		return nil, errors.Join(ErrTxSignFailed, errors.New("transaction and chain id required"))
	}
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, errors.Join(ErrTxSignFailed, fmt.Errorf("sign nonce %d: %w", tx.Nonce(), err))
	}
	return signed, nil
}
