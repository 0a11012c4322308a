package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// ErrDBNotInitialized is returned by every query helper before InitDB.
var ErrDBNotInitialized = errors.New("database not initialized")

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// DSN returns the lib/pq connection string for cfg.
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	var err error
	DB, err = sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(10)
	DB.SetMaxIdleConns(10)
	DB.SetConnMaxLifetime(5 * time.Minute)

	if err = DB.Ping(); err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("Successfully connected to the PostgreSQL database")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS reconcile_parameters (
		params_id SERIAL PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		config_name VARCHAR(255) NOT NULL DEFAULT 'default',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		parameters JSONB NOT NULL,
		CONSTRAINT uq_reconcile_parameters_config_version UNIQUE (config_name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_reconcile_parameters_config_active ON reconcile_parameters(config_name, is_active, activated_at DESC);

	CREATE TABLE IF NOT EXISTS cycle_records (
		record_id BIGSERIAL PRIMARY KEY,
		cycle_id VARCHAR(64) NOT NULL UNIQUE,
		cycle_number INTEGER NOT NULL,
		trigger VARCHAR(32) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		final_state VARCHAR(32) NOT NULL,
		action VARCHAR(64) NOT NULL,
		amount NUMERIC(78, 0) NOT NULL DEFAULT 0,
		request_id BIGINT,
		outcome VARCHAR(32) NOT NULL,
		fault_kind VARCHAR(64),
		fault_reason TEXT,
		block_number BIGINT,
		transaction_hashes TEXT[],
		record JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycle_records_started ON cycle_records(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_cycle_records_cycle ON cycle_records(cycle_number DESC);
	CREATE INDEX IF NOT EXISTS idx_cycle_records_request ON cycle_records(request_id) WHERE request_id IS NOT NULL;

	-- Cycle counter table for persistent global cycle tracking
	CREATE TABLE IF NOT EXISTS cycle_counter (
		id INTEGER PRIMARY KEY DEFAULT 1,
		current_cycle INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT single_row_check CHECK (id = 1)
	);
	INSERT INTO cycle_counter (id, current_cycle) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`

// EnsureSchema applies the DDL for the audit tables. Safe to run repeatedly.
func EnsureSchema(ctx context.Context) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	if _, err := DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured")
	return nil
}

// DropSchema removes every table EnsureSchema creates.
func DropSchema(ctx context.Context) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	_, err := DB.ExecContext(ctx, `
		DROP TABLE IF EXISTS cycle_records CASCADE;
		DROP TABLE IF EXISTS reconcile_parameters CASCADE;
		DROP TABLE IF EXISTS cycle_counter CASCADE;`)
	if err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	log.Warn().Msg("Dropped audit tables")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection(ctx context.Context) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
