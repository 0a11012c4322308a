package main

import (
	"context"
	"flag"
	"os"
	"strconv"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/state"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Drops and recreates the treasury audit tables.
//
//	go run ./scripts/reset_db.go                 # drop everything, recreate
//	go run ./scripts/reset_db.go -counter-only   # keep records, restart numbering at 1
func main() {
	counterOnly := flag.Bool("counter-only", false, "only reset the cycle counter, keep records and parameters")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}
	logger.Initialize(os.Getenv("LOG_LEVEL"))

	cfg, ok := dbConfigFromEnv()
	if !ok {
		log.Fatal().Msg("DB_USER and DB_NAME must be set")
	}
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("dbname", cfg.DBName).Msg("Connecting to database")
	if err := state.InitDB(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database connection")
	}
	defer state.CloseDB()

	ctx := context.Background()
	if err := reset(ctx, *counterOnly); err != nil {
		log.Error().Err(err).Msg("Reset failed")
		state.CloseDB()
		os.Exit(1)
	}
}

func reset(ctx context.Context, counterOnly bool) error {
	if counterOnly {
		if err := state.ResetCycleNumber(ctx, 0); err != nil {
			return err
		}
		log.Info().Msg("Cycle counter reset to 0")
		return nil
	}

	if err := state.DropSchema(ctx); err != nil {
		return err
	}
	if err := state.EnsureSchema(ctx); err != nil {
		return err
	}
	current, err := state.GetCurrentCycleNumber(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("cycle", current).Msg("Audit tables recreated, default parameters are saved on next start")
	return nil
}

func dbConfigFromEnv() (state.DBConfig, bool) {
	cfg := state.DBConfig{
		Host:     os.Getenv("DB_HOST"),
		Port:     5432,
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   os.Getenv("DB_NAME"),
		SSLMode:  os.Getenv("DB_SSLMODE"),
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if p, err := strconv.Atoi(os.Getenv("DB_PORT")); err == nil {
		cfg.Port = p
	}
	return cfg, cfg.User != "" && cfg.DBName != ""
}
