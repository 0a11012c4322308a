package state

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestWriteLockKeyPerOperator(t *testing.T) {
	a := common.HexToAddress("0x4000000000000000000000000000000000000004")
	b := common.HexToAddress("0x5000000000000000000000000000000000000005")

	assert.Equal(t, writeLockKey(a), NewWriteLock(a).key)
	assert.Equal(t, writeLockKey(a), writeLockKey(common.HexToAddress(a.Hex())))
	assert.NotEqual(t, writeLockKey(a), writeLockKey(b))
	assert.NotZero(t, writeLockKey(common.Address{}))
}

func TestWriteLockRequiresDB(t *testing.T) {
	lock := NewWriteLock(common.HexToAddress("0x4000000000000000000000000000000000000004"))

	_, err := lock.TryAcquire(context.Background())
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = lock.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDBNotInitialized)
}
