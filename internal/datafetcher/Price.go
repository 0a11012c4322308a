/*
This file reads the display price of the vault asset from the Flare FTSO.

The registry resolves the FtsoRegistry address by name; the FtsoRegistry returns
(price, timestamp, decimals) for a symbol. The price is display-only: any
failure degrades to a fixed fallback and never blocks a cycle.
*/

package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/utils"
	"github.com/fyield/treasury/internal/vault"
)

var (
	ErrInvalidPriceData   = errors.New("invalid price data received")
	ErrRegistryLookup     = errors.New("ftso registry lookup failed")
	ErrPriceSourceMissing = errors.New("price source not configured")
)

const (
	FallbackPriceUSD = 1.0
	priceRoundDigits = 4
	ftsoRegistryName = "FtsoRegistry"
	maxPriceDecimals = 18

	contractRegistryABIJSON = `[{"inputs":[{"name":"_name","type":"string"}],"name":"getContractAddressByName","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
	ftsoRegistryABIJSON     = `[{"inputs":[{"name":"_symbol","type":"string"}],"name":"getCurrentPriceWithDecimals","outputs":[{"name":"_price","type":"uint256"},{"name":"_timestamp","type":"uint256"},{"name":"_decimals","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	ContractRegistryABI = mustParseABI(contractRegistryABIJSON)
	FtsoRegistryABI     = mustParseABI(ftsoRegistryABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI definition: %v", err))
	}
	return parsed
}

// PriceFetcher reads FTSO prices through the Flare contract registry.
type PriceFetcher struct {
	caller   vault.EVMCaller
	registry common.Address
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	ftso common.Address // resolved lazily, cached once found
}

// NewPriceFetcher returns a fetcher using the contract registry at registry.
func NewPriceFetcher(caller vault.EVMCaller, registry common.Address) (*PriceFetcher, error) {
	if caller == nil {
		return nil, ErrPriceSourceMissing
	}
	if registry == (common.Address{}) {
		return nil, fmt.Errorf("%w: registry address is zero", ErrPriceSourceMissing)
	}
	return &PriceFetcher{
		caller:   caller,
		registry: registry,
		logger:   logger.GetForComponent("price_fetcher"),
		now:      time.Now,
	}, nil
}

// GetPrice returns the USD price of symbol rounded to 4 decimals, or the
// fallback price with Fallback set when the feed cannot be read.
func (p *PriceFetcher) GetPrice(ctx context.Context, symbol string) types.PriceQuote {
	quote, err := p.FetchPrice(ctx, symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Float64("fallback", FallbackPriceUSD).Msg("Using fallback price")
		return types.PriceQuote{
			Symbol:    symbol,
			PriceUSD:  FallbackPriceUSD,
			Timestamp: p.now().UTC(),
			Fallback:  true,
		}
	}
	return quote
}

// FetchPrice reads the price without falling back.
func (p *PriceFetcher) FetchPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	if symbol == "" {
		return types.PriceQuote{}, fmt.Errorf("%w: empty symbol", ErrInvalidPriceData)
	}
	ftso, err := p.ftsoRegistry(ctx)
	if err != nil {
		return types.PriceQuote{}, err
	}

	out, err := p.call(ctx, ftso, FtsoRegistryABI, "getCurrentPriceWithDecimals", symbol)
	if err != nil {
		// the registry may have been redeployed; resolve again next time
		p.mu.Lock()
		p.ftso = common.Address{}
		p.mu.Unlock()
		return types.PriceQuote{}, err
	}
	if len(out) != 3 {
		return types.PriceQuote{}, fmt.Errorf("%w: expected 3 outputs, got %d", ErrInvalidPriceData, len(out))
	}
	raw, ok1 := out[0].(*big.Int)
	ts, ok2 := out[1].(*big.Int)
	dec, ok3 := out[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return types.PriceQuote{}, fmt.Errorf("%w: unexpected output types", ErrInvalidPriceData)
	}
	if raw.Sign() <= 0 {
		return types.PriceQuote{}, fmt.Errorf("%w: non-positive price %s", ErrInvalidPriceData, raw)
	}
	if !dec.IsUint64() || dec.Uint64() > maxPriceDecimals {
		return types.PriceQuote{}, fmt.Errorf("%w: decimals %s out of range", ErrInvalidPriceData, dec)
	}

	price, err := scalePrice(raw, int(dec.Uint64()))
	if err != nil {
		return types.PriceQuote{}, err
	}

	quote := types.PriceQuote{
		Symbol:    symbol,
		PriceUSD:  price,
		Decimals:  uint8(dec.Uint64()),
		Timestamp: time.Unix(ts.Int64(), 0).UTC(),
	}
	p.logger.Debug().
		Str("symbol", symbol).
		Float64("priceUSD", price).
		Uint8("decimals", quote.Decimals).
		Time("timestamp", quote.Timestamp).
		Msg("FTSO price read")
	return quote, nil
}

func (p *PriceFetcher) ftsoRegistry(ctx context.Context) (common.Address, error) {
	p.mu.Lock()
	cached := p.ftso
	p.mu.Unlock()
	if cached != (common.Address{}) {
		return cached, nil
	}

	out, err := p.call(ctx, p.registry, ContractRegistryABI, "getContractAddressByName", ftsoRegistryName)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrRegistryLookup, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s not registered", ErrRegistryLookup, ftsoRegistryName)
	}

	p.mu.Lock()
	p.ftso = addr
	p.mu.Unlock()
	return addr, nil
}

func (p *PriceFetcher) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrInvalidPriceData, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing", ErrInvalidPriceData, method)
	}
	return out, nil
}

// scalePrice converts a raw FTSO value to a float rounded to 4 decimals.
func scalePrice(raw *big.Int, decimals int) (float64, error) {
	value, err := utils.IntToFloat64(sdkmath.NewIntFromBigInt(raw), decimals)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPriceData, err)
	}
	return roundTo(value, priceRoundDigits), nil
}

func roundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}

// AssetsToUSD converts a 6-decimal asset amount to USD at price, for display.
func AssetsToUSD(amount sdkmath.Int, priceUSD float64) (float64, error) {
	if math.IsNaN(priceUSD) || math.IsInf(priceUSD, 0) || priceUSD < 0 {
		return 0, fmt.Errorf("%w: price %f", ErrInvalidPriceData, priceUSD)
	}
	units, err := utils.IntToFloat64(amount, utils.USDCDecimals)
	if err != nil {
		return 0, err
	}
	return units * priceUSD, nil
}
