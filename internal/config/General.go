package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// ChainID is the EIP-155 chain ID of the target network.
	ChainID uint64

	// VaultAddress is the user-facing share vault.
	VaultAddress common.Address
	// ManagerAddress is the PositionManager holding liquid USDC and the lending position.
	ManagerAddress common.Address
	// USDCAddress is the underlying ERC-20 token.
	USDCAddress common.Address

	// OperatorPrivateKey is a hex encoded secp256k1 key. Mutually exclusive with KeystoreFile.
	OperatorPrivateKey string
	// KeystoreFile is an encrypted JSON keystore holding the operator key.
	KeystoreFile string
	// KeystorePassword decrypts KeystoreFile.
	KeystorePassword string

	// DefaultGasLimit is the fallback gas limit if estimation fails.
	DefaultGasLimit uint64
	// GasAdjustment is the multiplier for estimated gas to ensure sufficient headroom.
	GasAdjustment float64

	// Mode must be "live" for any transaction to be broadcast.
	Mode string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	ChainID, err = getEnvAsUint64("CHAIN_ID")
	if err != nil {
		return err
	}

	VaultAddress, err = getEnvAsAddress("VAULT_ADDRESS")
	if err != nil {
		return err
	}

	ManagerAddress, err = getEnvAsAddress("MANAGER_ADDRESS")
	if err != nil {
		return err
	}

	USDCAddress, err = getEnvAsAddress("USDC_ADDRESS")
	if err != nil {
		return err
	}

	OperatorPrivateKey = getEnvOrDefault("OPERATOR_PRIVATE_KEY", "")
	KeystoreFile = getEnvOrDefault("KEYSTORE_FILE", "")
	KeystorePassword = getEnvOrDefault("KEYSTORE_PASSWORD", "")
	if OperatorPrivateKey == "" && KeystoreFile == "" {
		return errors.New("one of OPERATOR_PRIVATE_KEY or KEYSTORE_FILE is required")
	}
	if OperatorPrivateKey != "" && KeystoreFile != "" {
		return errors.New("OPERATOR_PRIVATE_KEY and KEYSTORE_FILE are mutually exclusive")
	}

	DefaultGasLimit, err = getEnvAsUint64("GAS_DEFAULT_LIMIT")
	if err != nil {
		return err
	}

	GasAdjustment, err = getEnvAsFloat64("GAS_ADJUSTMENT")
	if err != nil {
		return err
	}
	if GasAdjustment < 1.0 {
		return errors.New("environment variable GAS_ADJUSTMENT must be at least 1.0")
	}

	Mode = getEnvOrDefault("TREASURY_MODE", "")

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	// Expand the tilde (~) in the keystore path to the user's home directory.
	if strings.HasPrefix(KeystoreFile, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		KeystoreFile = filepath.Join(home, KeystoreFile[2:])
	}

	log.Debug().
		Uint64("ChainID", ChainID).
		Str("Vault", VaultAddress.Hex()).
		Str("Manager", ManagerAddress.Hex()).
		Bool("keystore", KeystoreFile != "").
		Msg("Configuration loaded successfully.")

	return nil
}

// IsLive reports whether transactions may be broadcast.
func IsLive() bool {
	return Mode == "live"
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOrDefault retrieves an optional string environment variable.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsAddress retrieves an environment variable as a checksummed EVM address.
func getEnvAsAddress(key string) (common.Address, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(valueStr) {
		return common.Address{}, errors.New("environment variable " + key + " must be a hex address, got: " + valueStr)
	}
	addr := common.HexToAddress(valueStr)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("environment variable " + key + " must not be the zero address")
	}
	return addr, nil
}
