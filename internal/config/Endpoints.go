package config

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// RPCURL is the JSON-RPC endpoint of the chain holding the vault and manager.
	RPCURL string
	// PriceRPCURL is the JSON-RPC endpoint used for display prices. Defaults to RPCURL.
	PriceRPCURL string
	// PriceRegistryAddress is the contract registry resolving "FtsoRegistry".
	PriceRegistryAddress common.Address
	// PriceSymbol is the FTSO symbol shown next to USD balances.
	PriceSymbol string
	// WebPort is the dashboard/API listen port.
	WebPort string
	// AllowManualTrigger exposes POST /api/cycles/trigger.
	AllowManualTrigger bool
)

// DefaultPriceRegistryAddress is the Flare contract registry, identical on every Flare network.
const DefaultPriceRegistryAddress = "0xaD67FE66660Fb8dFE9d6b1b4240d8650e30F6019"

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	RPCURL, err = getEnv("RPC_URL")
	if err != nil {
		return err
	}

	PriceRPCURL = getEnvOrDefault("PRICE_RPC_URL", RPCURL)
	PriceSymbol = getEnvOrDefault("PRICE_SYMBOL", "testXRP")
	WebPort = getEnvOrDefault("WEB_PORT", "8080")
	AllowManualTrigger = getEnvOrDefault("ALLOW_MANUAL_TRIGGER", "false") == "true"

	if _, set := getEnvOptional("PRICE_REGISTRY_ADDRESS"); set {
		PriceRegistryAddress, err = getEnvAsAddress("PRICE_REGISTRY_ADDRESS")
		if err != nil {
			return err
		}
	} else {
		PriceRegistryAddress = common.HexToAddress(DefaultPriceRegistryAddress)
	}

	log.Debug().
		Str("RPCURL", RPCURL).
		Str("PriceRPCURL", PriceRPCURL).
		Str("PriceSymbol", PriceSymbol).
		Str("WebPort", WebPort).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

func getEnvOptional(key string) (string, bool) {
	value := getEnvOrDefault(key, "")
	return value, value != ""
}
