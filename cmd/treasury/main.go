package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fyield/treasury/internal/config"
	"github.com/fyield/treasury/internal/logger"
)

// main is the entry point for the treasury operator.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "treasury",
		Short:         "Reconciles the share vault against the AAVE position manager and pays out withdrawals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
			}
			if err := config.LoadConfig(); err != nil {
				return err
			}
			logger.InitializeWithOptions(os.Getenv("LOG_LEVEL"), logger.Options{
				FilePath:   os.Getenv("LOG_FILE"),
				MaxSizeMB:  mustAtoi(os.Getenv("LOG_MAX_SIZE_MB"), 100),
				MaxBackups: mustAtoi(os.Getenv("LOG_MAX_BACKUPS"), 5),
				MaxAgeDays: mustAtoi(os.Getenv("LOG_MAX_AGE_DAYS"), 30),
			})
			return nil
		},
	}

	root.AddCommand(
		newRunCmd(),
		newCycleCmd(),
		newStatusCmd(),
		newEmergencyDrainCmd(),
		newFundCmd(),
		newDepositCmd(),
		newPriceCmd(),
	)
	return root
}
