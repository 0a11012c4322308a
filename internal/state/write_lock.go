package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ErrWriteLockHeld is returned by TryAcquire when another session holds the lock.
var ErrWriteLockHeld = errors.New("operator write lock is held by another session")

// writeLockNamespace keeps treasury lock keys apart from other advisory lock users.
const writeLockNamespace uint64 = 0x7472_6561_7375_7279 // "treasury"

// WriteLock is a PostgreSQL session advisory lock keyed by the operator
// address. Every process that signs with the same key takes it around a write
// session, so nonces are never contended across processes.
type WriteLock struct {
	operator common.Address
	key      int64
}

// NewWriteLock returns the lock for operator.
func NewWriteLock(operator common.Address) *WriteLock {
	return &WriteLock{operator: operator, key: writeLockKey(operator)}
}

func writeLockKey(operator common.Address) int64 {
	return int64(binary.BigEndian.Uint64(operator.Bytes()[12:]) ^ writeLockNamespace)
}

// TryAcquire takes the lock without waiting. It returns ErrWriteLockHeld when
// another session has it.
func (l *WriteLock) TryAcquire(ctx context.Context) (func(), error) {
	return l.lock(ctx, `SELECT pg_try_advisory_lock($1);`)
}

// Acquire waits for the lock until ctx is done.
func (l *WriteLock) Acquire(ctx context.Context) (func(), error) {
	return l.lock(ctx, `WITH l AS (SELECT pg_advisory_lock($1)) SELECT TRUE FROM l;`)
}

// lock pins one pooled connection: advisory locks belong to the session that took them.
func (l *WriteLock) lock(ctx context.Context, query string) (func(), error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	conn, err := DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for write lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, query, l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take write lock for %s: %w", l.operator.Hex(), err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("%w: operator %s", ErrWriteLockHeld, l.operator.Hex())
	}

	log.Debug().Str("operator", l.operator.Hex()).Int64("key", l.key).Msg("Write lock acquired")
	return func() { l.unlock(conn) }, nil
}

func (l *WriteLock) unlock(conn *sql.Conn) {
	defer conn.Close()
	if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1);`, l.key); err != nil {
		log.Warn().Err(err).Str("operator", l.operator.Hex()).Msg("Failed to release write lock, it is dropped with the session")
		return
	}
	log.Debug().Str("operator", l.operator.Hex()).Msg("Write lock released")
}
