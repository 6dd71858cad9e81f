package idempotency

import (
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type guardRow struct {
	ID             int64  `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"uniqueIndex"`
	Value          string
}

func newGuardDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&guardRow{}))
	return gdb
}

func TestNormalize(t *testing.T) {
	key, err := Normalize("  k1  ")
	assert.NoError(t, err)
	assert.Equal(t, "k1", key)

	_, err = Normalize("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = Normalize("   ")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestExecuteFirstCallRunsOp(t *testing.T) {
	gdb := newGuardDB(t)

	lookup := func(tx *gorm.DB) (*guardRow, error) {
		var row guardRow
		err := tx.Where("idempotency_key = ?", "k1").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return &row, err
	}

	calls := 0
	op := func(tx *gorm.DB) (*guardRow, error) {
		calls++
		row := &guardRow{ID: 1, IdempotencyKey: "k1", Value: "first"}
		return row, tx.Create(row).Error
	}

	row, replayed, err := Execute(gdb, lookup, op)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "first", row.Value)
	assert.Equal(t, 1, calls)
}

func TestExecuteReplayReturnsStoredRow(t *testing.T) {
	gdb := newGuardDB(t)
	require.NoError(t, gdb.Create(&guardRow{ID: 1, IdempotencyKey: "k1", Value: "stored"}).Error)

	lookup := func(tx *gorm.DB) (*guardRow, error) {
		var row guardRow
		err := tx.Where("idempotency_key = ?", "k1").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return &row, err
	}

	op := func(tx *gorm.DB) (*guardRow, error) {
		t.Fatal("op must not run on replay")
		return nil, nil
	}

	row, replayed, err := Execute(gdb, lookup, op)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "stored", row.Value)
}

func TestExecuteLostRaceReturnsWinner(t *testing.T) {
	gdb := newGuardDB(t)
	require.NoError(t, gdb.Create(&guardRow{ID: 1, IdempotencyKey: "k1", Value: "winner"}).Error)

	// Lookup misses on the first call to simulate the race window between the
	// pre-check and the insert, then finds the winner on the post-conflict read.
	misses := 1
	lookup := func(tx *gorm.DB) (*guardRow, error) {
		if misses > 0 {
			misses--
			return nil, nil
		}
		var row guardRow
		err := tx.Where("idempotency_key = ?", "k1").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return &row, err
	}

	op := func(tx *gorm.DB) (*guardRow, error) {
		row := &guardRow{ID: 2, IdempotencyKey: "k1", Value: "loser"}
		return row, tx.Create(row).Error
	}

	row, replayed, err := Execute(gdb, lookup, op)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "winner", row.Value)

	var count int64
	require.NoError(t, gdb.Model(&guardRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
