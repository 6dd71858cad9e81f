package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique constraint violation.
// The idempotency guard treats these as replays of a prior mutation.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsLockConflictErr reports whether err is a serialization or lock failure
// worth a bounded retry.
func IsLockConflictErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "could not serialize access"): // postgres 40001
		return true
	case strings.Contains(msg, "deadlock detected"): // postgres 40P01
		return true
	case strings.Contains(msg, "Deadlock found"): // mysql 1213
		return true
	case strings.Contains(msg, "database is locked"): // sqlite busy
		return true
	default:
		return false
	}
}
