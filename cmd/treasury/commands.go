package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fyield/treasury/internal/config"
	"github.com/fyield/treasury/internal/datafetcher"
	"github.com/fyield/treasury/internal/emergency"
	"github.com/fyield/treasury/internal/ledger"
	"github.com/fyield/treasury/internal/orchestrator"
	"github.com/fyield/treasury/internal/reconciler"
	"github.com/fyield/treasury/internal/state"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/utils"
	"github.com/fyield/treasury/internal/wallet"
	"github.com/fyield/treasury/internal/web"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run reconciliation cycles on a schedule and serve the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLive(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.withOrchestrator(ctx); err != nil {
				return err
			}

			webCfg := web.Config{
				Port:         config.WebPort,
				Store:        rt.store,
				Controller:   rt.orchestrator,
				Prices:       rt.prices,
				PriceSymbol:  config.PriceSymbol,
				AllowTrigger: config.AllowManualTrigger,
			}
			if rt.usingDB {
				webCfg.DBCheck = state.TestDBConnection
			}
			webServer, err := web.NewWebServer(webCfg)
			if err != nil {
				return err
			}
			go func() {
				log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting treasury dashboard API")
				if err := webServer.Start(); err != nil {
					log.Error().Err(err).Msg("Web server failed to start")
				}
			}()

			log.Info().Str("interval", rt.params.CycleInterval.String()).Msg("Starting treasury main loop")
			rt.orchestrator.RunLoop(ctx, rt.params.CycleInterval)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := webServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Web server shutdown failed")
			}
			log.Info().Msg("Treasury stopped")
			return nil
		},
	}
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run a single reconciliation cycle and print its record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLive(); err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.withOrchestrator(ctx); err != nil {
				return err
			}

			rec := rt.orchestrator.RunCycle(ctx, orchestrator.TriggerManual)
			if rec == nil {
				return errors.New("cycle skipped: another cycle is in progress")
			}
			if err := printJSON(cmd, rec); err != nil {
				return err
			}
			if rec.Faulted() {
				return fmt.Errorf("cycle %s faulted: %s: %s", rec.CycleID, rec.FaultKind, rec.FaultReason)
			}
			return nil
		},
	}
}

// statusReport is the read-only view printed by the status command.
type statusReport struct {
	BlockNumber       uint64           `json:"block_number"`
	Operator          string           `json:"operator"`
	ManagerOwner      string           `json:"manager_owner"`
	ManagerOperator   string           `json:"manager_operator"`
	Authorized        bool             `json:"authorized"`
	LiquidUSDC        string           `json:"liquid_usdc"`
	PositionUSDC      string           `json:"position_usdc"`
	TotalAssetsUSDC   string           `json:"total_assets_usdc"`
	LiabilityUSDC     string           `json:"liability_usdc"`
	GapUSDC           string           `json:"gap_usdc"`
	YieldUSDC         string           `json:"yield_usdc"`
	TotalShares       string           `json:"total_shares"`
	PendingRequests   int              `json:"pending_requests"`
	PendingUSDC       string           `json:"pending_usdc"`
	QueueTruncated    bool             `json:"queue_truncated"`
	SolvencyAlarm     bool             `json:"solvency_alarm"`
	Recommended       types.ActionType `json:"recommended_action"`
	RecommendedUSDC   string           `json:"recommended_usdc"`
	Price             types.PriceQuote `json:"display_price"`
	TotalAssetsUSD    float64          `json:"total_assets_usd"`
	WalletUSDCBalance string           `json:"operator_wallet_usdc"`
	User              string           `json:"user,omitempty"`
	UserShares        string           `json:"user_shares,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var userFlag string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print balances, yield, the withdrawal queue and the recommended action",
		RunE: func(cmd *cobra.Command, args []string) error {
			var user common.Address
			if userFlag != "" {
				var err error
				if user, err = parseAddress("--user", userFlag); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.withSigner(); err != nil {
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
			snap, err := reader.Read(ctx)
			if err != nil {
				return err
			}
			recon, err := rec.Evaluate(snap)
			if err != nil {
				return err
			}

			owner, err := rt.chain.ManagerOwner(ctx)
			if err != nil {
				return err
			}
			operator, err := rt.chain.ManagerOperator(ctx)
			if err != nil {
				return err
			}
			walletBalance, err := rt.chain.TokenBalance(ctx, rt.submitter.From())
			if err != nil {
				return err
			}

			total := snap.Position.LiquidBalance.Add(snap.Position.PositionBalance)
			quote := rt.prices.GetPrice(ctx, config.PriceSymbol)
			totalUSD, err := datafetcher.AssetsToUSD(total, quote.PriceUSD)
			if err != nil {
				log.Warn().Err(err).Msg("Could not convert total assets to USD")
			}

			from := rt.submitter.From()
			report := statusReport{
				BlockNumber:       snap.BlockNumber,
				Operator:          from.Hex(),
				ManagerOwner:      owner.Hex(),
				ManagerOperator:   operator.Hex(),
				Authorized:        from == owner || from == operator,
				LiquidUSDC:        usdc(snap.Position.LiquidBalance),
				PositionUSDC:      usdc(snap.Position.PositionBalance),
				TotalAssetsUSDC:   usdc(total),
				LiabilityUSDC:     usdc(recon.VaultLiability),
				GapUSDC:           usdc(recon.Gap),
				YieldUSDC:         usdc(recon.YieldEarned),
				TotalShares:       snap.Vault.TotalShareSupply.String(),
				PendingRequests:   len(snap.Vault.PendingWithdrawals),
				PendingUSDC:       usdc(recon.PendingQueueTotal),
				QueueTruncated:    recon.QueueTruncated,
				SolvencyAlarm:     recon.SolvencyAlarm,
				Recommended:       recon.RecommendedAction,
				RecommendedUSDC:   usdc(recon.RecommendedAmount),
				Price:             quote,
				TotalAssetsUSD:    totalUSD,
				WalletUSDCBalance: usdc(walletBalance),
			}
			if userFlag != "" {
				shares, err := rt.chain.UserShareBalance(ctx, user)
				if err != nil {
					return err
				}
				report.User = user.Hex()
				report.UserShares = shares.String()
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "also print the vault share balance of this address")
	return cmd
}

func newEmergencyDrainCmd() *cobra.Command {
	var (
		target  string
		amount  string
		confirm bool
	)
	cmd := &cobra.Command{
		Use:   "emergency-drain",
		Short: "Withdraw from the lending position or the liquid reserve to the manager owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("emergency-drain requires --yes")
			}
			if err := requireLive(); err != nil {
				return err
			}
			t, err := emergency.ParseTarget(target)
			if err != nil {
				return err
			}
			units, err := utils.ParseUnits(amount, utils.USDCDecimals)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.withOrchestrator(ctx); err != nil {
				return err
			}

			report, rec, err := rt.orchestrator.EmergencyDrain(ctx, t, units)
			if errors.Is(err, state.ErrWriteLockHeld) {
				return fmt.Errorf("%w; a running treasury is mid-transaction, retry once its cycle finishes", err)
			}
			if rec != nil {
				log.Info().Str("cycle_id", rec.CycleID).Str("outcome", string(rec.Outcome)).Msg("Emergency drain recorded")
			}
			if report != nil {
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target, "target", string(emergency.TargetPosition), "what to drain: position or vault_reserve")
	cmd.Flags().StringVar(&amount, "amount", "0", "USDC amount to drain; 0 drains the whole target balance")
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the drain")
	return cmd
}

func newFundCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Approve and deposit USDC from the operator wallet into the position manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLive(); err != nil {
				return err
			}
			units, err := utils.ParseUnits(amount, utils.USDCDecimals)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			if !units.IsPositive() {
				return errors.New("--amount must be positive")
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.withSigner(); err != nil {
				return err
			}
			release, err := rt.lockWrites(ctx)
			if err != nil {
				return err
			}
			defer release()

			deposit, err := rt.contracts.DepositToManager(units)
			if err != nil {
				return err
			}
			return approveAndSend(ctx, rt, rt.contracts.Manager, rt.contracts.ApproveManager, deposit, cmd)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "USDC amount to deposit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newDepositCmd() *cobra.Command {
	var (
		amount      string
		beneficiary string
	)
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit USDC from the operator wallet into the vault, crediting shares to a beneficiary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLive(); err != nil {
				return err
			}
			units, err := utils.ParseUnits(amount, utils.USDCDecimals)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			if !units.IsPositive() {
				return errors.New("--amount must be positive")
			}
			var to common.Address
			if beneficiary != "" {
				if to, err = parseAddress("--beneficiary", beneficiary); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.withSigner(); err != nil {
				return err
			}
			if beneficiary == "" {
				to = rt.submitter.From()
			}
			release, err := rt.lockWrites(ctx)
			if err != nil {
				return err
			}
			defer release()

			deposit, err := rt.contracts.DepositToVault(units, to)
			if err != nil {
				return err
			}
			if err := approveAndSend(ctx, rt, rt.contracts.Vault, rt.contracts.ApproveVault, deposit, cmd); err != nil {
				return err
			}
			shares, err := rt.chain.UserShareBalance(ctx, to)
			if err != nil {
				return err
			}
			log.Info().Str("beneficiary", to.Hex()).Str("shares", shares.String()).Msg("Vault deposit confirmed")
			return nil
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "USDC amount to deposit")
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "address credited with the shares; defaults to the operator")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// approveAndSend checks the operator's USDC balance, approves spender when
// the allowance is short of call.Amount, then sends call.
func approveAndSend(ctx context.Context, rt *runtime, spender common.Address, approve func(sdkmath.Int) (types.ContractCall, error), call types.ContractCall, cmd *cobra.Command) error {
	from := rt.submitter.From()
	amount := call.Amount
	confirmOpts := wallet.ConfirmOptionsFrom(rt.params)

	balance, err := rt.chain.TokenBalance(ctx, from)
	if err != nil {
		return err
	}
	if balance.LT(amount) {
		return fmt.Errorf("operator wallet holds %s USDC, need %s", usdc(balance), usdc(amount))
	}

	allowance, err := rt.chain.Allowance(ctx, from, spender)
	if err != nil {
		return err
	}
	if allowance.LT(amount) {
		approval, err := approve(amount)
		if err != nil {
			return err
		}
		if _, err := submitAndWait(ctx, rt.submitter, approval, confirmOpts); err != nil {
			return fmt.Errorf("approve: %w", err)
		}
	}

	result, err := submitAndWait(ctx, rt.submitter, call, confirmOpts)
	if err != nil {
		return fmt.Errorf("%s: %w", call.Method, err)
	}
	return printJSON(cmd, result)
}

func submitAndWait(ctx context.Context, s *wallet.TxSubmitter, call types.ContractCall, opts wallet.ConfirmOptions) (*types.TransactionResult, error) {
	pending, err := s.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	log.Info().Str("tx_hash", pending.Hash.Hex()).Str("call", call.Description).Msg("Transaction submitted, awaiting confirmation")
	return s.WaitForConfirmation(context.WithoutCancel(ctx), pending, opts)
}

func newPriceCmd() *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Print the display price from the FTSO registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if symbol == "" {
				symbol = config.PriceSymbol
			}
			quote, err := rt.prices.FetchPrice(ctx, symbol)
			if err != nil {
				return err
			}
			return printJSON(cmd, quote)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "FTSO symbol; defaults to PRICE_SYMBOL")
	return cmd
}

func parseAddress(flag, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s %q: not a hex address", flag, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("invalid %s: zero address", flag)
	}
	return addr, nil
}

func usdc(amount sdkmath.Int) string {
	return utils.FormatUnits(amount, utils.USDCDecimals)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
