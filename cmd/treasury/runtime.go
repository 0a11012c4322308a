package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/fyield/treasury/internal/config"
	"github.com/fyield/treasury/internal/datafetcher"
	"github.com/fyield/treasury/internal/emergency"
	"github.com/fyield/treasury/internal/ledger"
	"github.com/fyield/treasury/internal/metrics"
	"github.com/fyield/treasury/internal/orchestrator"
	"github.com/fyield/treasury/internal/reconciler"
	"github.com/fyield/treasury/internal/state"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
	"github.com/fyield/treasury/internal/wallet"
	"github.com/fyield/treasury/internal/withdrawal"
)

var errNotLive = errors.New("TREASURY_MODE is not set to 'live'; refusing to broadcast transactions")

// runtime holds every wired component for one command invocation.
type runtime struct {
	eth       *ethclient.Client
	priceEth  *ethclient.Client
	chain     *vault.Client
	contracts vault.Contracts
	params    types.ReconcileParameters
	prices    *datafetcher.PriceFetcher

	// set by withSigner
	submitter *wallet.TxSubmitter

	// set by openDB and withOrchestrator
	usingDB      bool
	store        state.Store
	orchestrator *orchestrator.Orchestrator
}

// requireLive is the safety switch guarding every write.
func requireLive() error {
	if !config.IsLive() {
		return errNotLive
	}
	log.Warn().Msg("Running in LIVE mode. Real transactions will be broadcast.")
	return nil
}

// newRuntime dials the chain and builds the read-only components.
func newRuntime(ctx context.Context) (*runtime, error) {
	eth, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.RPCURL, err)
	}
	rt := &runtime{
		eth:      eth,
		priceEth: eth,
		contracts: vault.Contracts{
			Vault:   config.VaultAddress,
			Manager: config.ManagerAddress,
			USDC:    config.USDCAddress,
		},
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if chainID.Uint64() != config.ChainID {
		rt.Close()
		return nil, fmt.Errorf("RPC chain id %s does not match CHAIN_ID %d", chainID, config.ChainID)
	}
	log.Info().Str("rpc", config.RPCURL).Uint64("chainID", config.ChainID).Msg("EVM RPC connected")

	rt.chain, err = vault.NewClient(eth, rt.contracts)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if config.PriceRPCURL != config.RPCURL {
		rt.priceEth, err = ethclient.DialContext(ctx, config.PriceRPCURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("dial price rpc %s: %w", config.PriceRPCURL, err)
		}
	}
	rt.prices, err = datafetcher.NewPriceFetcher(rt.priceEth, config.PriceRegistryAddress)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.params, err = config.ApplyParameterOverrides(config.DefaultReconcileParameters())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("invalid policy overrides: %w", err)
	}
	return rt, nil
}

// withSigner loads the operator key and builds the transaction submitter.
func (rt *runtime) withSigner() error {
	signer, err := wallet.NewSignerFromConfig()
	if err != nil {
		return err
	}
	rt.submitter, err = wallet.NewTxSubmitter(rt.eth, signer, wallet.SubmitterConfig{
		ChainID:         new(big.Int).SetUint64(config.ChainID),
		DefaultGasLimit: config.DefaultGasLimit,
		GasAdjustment:   config.GasAdjustment,
	})
	if err != nil {
		return err
	}
	log.Info().Str("operator", signer.Address().Hex()).Msg("Operator key loaded")
	return nil
}

// withOrchestrator opens the audit store, loads the active policy and wires the cycle.
func (rt *runtime) withOrchestrator(ctx context.Context) error {
	if rt.submitter == nil {
		if err := rt.withSigner(); err != nil {
			return err
		}
	}
	if err := rt.openStore(ctx); err != nil {
		return err
	}

	reader, err := ledger.NewReader(rt.chain, rt.params)
	if err != nil {
		return err
	}
	rec, err := reconciler.New(rt.params)
	if err != nil {
		return err
	}
	processor, err := withdrawal.NewProcessor(rt.chain, rt.submitter, rt.contracts, rt.params)
	if err != nil {
		return err
	}
	drain, err := emergency.NewController(rt.chain, rt.submitter, rt.contracts, wallet.ConfirmOptionsFrom(rt.params))
	if err != nil {
		return err
	}

	var writeLock orchestrator.WriteLock
	if rt.usingDB {
		writeLock = state.NewWriteLock(rt.submitter.From())
	}

	rt.orchestrator, err = orchestrator.New(orchestrator.Config{
		Snapshots:   reader,
		Chain:       rt.chain,
		Reconciler:  rec,
		Submitter:   rt.submitter,
		Withdrawals: processor,
		Emergency:   drain,
		Contracts:   rt.contracts,
		Store:       rt.store,
		WriteLock:   writeLock,
		Metrics:     metrics.Treasury(),
	})
	return err
}

// openDB connects to PostgreSQL when DB_NAME is set. It leaves usingDB false
// otherwise.
func (rt *runtime) openDB(ctx context.Context) error {
	if rt.usingDB || os.Getenv("DB_NAME") == "" {
		return nil
	}
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		return err
	}
	rt.usingDB = true
	if err := state.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	return nil
}

// lockWrites waits for the operator's write lock so a one-off write never
// races the nonces of a running treasury. Without a database there is nothing
// to lock against.
func (rt *runtime) lockWrites(ctx context.Context) (func(), error) {
	if err := rt.openDB(ctx); err != nil {
		return nil, err
	}
	if !rt.usingDB {
		log.Warn().Msg("DB_NAME not set. Writes are not serialized with other treasury processes.")
		return func() {}, nil
	}
	from := rt.submitter.From()
	log.Info().Str("operator", from.Hex()).Msg("Waiting for operator write lock")
	return state.NewWriteLock(from).Acquire(ctx)
}

// openStore uses PostgreSQL when DB_NAME is set, otherwise keeps the audit
// trail in memory for this process only.
func (rt *runtime) openStore(ctx context.Context) error {
	if err := rt.openDB(ctx); err != nil {
		return err
	}
	if !rt.usingDB {
		log.Warn().Msg("DB_NAME not set. Cycle records are kept in memory and lost on exit.")
		rt.store = state.NewMemoryStore()
		return nil
	}

	params, _, err := state.LoadActiveReconcileParameters(ctx, config.DefaultParametersConfigName)
	switch {
	case err == nil:
		rt.params, err = config.ApplyParameterOverrides(*params)
		if err != nil {
			return fmt.Errorf("invalid policy overrides: %w", err)
		}
	case errors.Is(err, state.ErrNoActiveParameters):
		log.Warn().Msg("No active reconcile parameters, saving defaults.")
		if _, err := state.SaveReconcileParameters(ctx, rt.params, config.DefaultParametersConfigName, config.DefaultParametersConfigVersion, true); err != nil {
			return fmt.Errorf("failed to save initial default parameters: %w", err)
		}
	default:
		return err
	}
	log.Info().
		Str("buffer", rt.params.LiquidBufferAmount.String()).
		Str("minSupply", rt.params.MinSupplyAmount.String()).
		Dur("interval", rt.params.CycleInterval).
		Msg("Reconcile parameters loaded successfully.")

	rt.store, err = state.NewPostgresStore()
	return err
}

// Close releases the RPC connections and the database pool.
func (rt *runtime) Close() {
	if rt.priceEth != nil && rt.priceEth != rt.eth {
		rt.priceEth.Close()
	}
	if rt.eth != nil {
		rt.eth.Close()
	}
	if rt.usingDB {
		state.CloseDB()
	}
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
