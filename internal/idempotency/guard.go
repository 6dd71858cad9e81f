// Package idempotency implements the at-most-once guard shared by every
// mutating ledger operation. The durable uniqueness comes from each
// append-only table's unique index on (agency_id, sub_account_id,
// idempotency_key); this package normalizes keys and folds the lookup /
// insert / conflict-replay steps into one helper so the atomicity contract
// is written once.
package idempotency

import (
	"errors"
	"strings"

	"github.com/agencyos/metering/pkg/db"
	"gorm.io/gorm"
)

var (
	// ErrMissingKey signals a mutating call without idempotency protection.
	// Never retried automatically; the caller must fix the request.
	ErrMissingKey = errors.New("missing_idempotency_key")

	// ErrInFlight signals a concurrent writer holds the same key but has not
	// committed yet. Retryable with backoff.
	ErrInFlight = errors.New("idempotency_key_in_flight")
)

// Normalize trims a caller-supplied key and rejects empty ones.
func Normalize(key string) (string, error) {
	value := strings.TrimSpace(key)
	if value == "" {
		return "", ErrMissingKey
	}
	return value, nil
}

// Execute runs op inside tx at most once for its key. lookup must return the
// previously stored row for the key, or nil when none exists. When op loses a
// unique index race the winner's committed row is returned with replayed=true;
// an uncommitted winner surfaces as ErrInFlight.
func Execute[T any](tx *gorm.DB, lookup func(*gorm.DB) (*T, error), op func(*gorm.DB) (*T, error)) (*T, bool, error) {
	existing, err := lookup(tx)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	created, err := op(tx)
	if err == nil {
		return created, false, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	existing, lerr := lookup(tx)
	if lerr != nil {
		return nil, false, lerr
	}
	if existing == nil {
		// The winning writer is still in its transaction.
		return nil, false, ErrInFlight
	}
	return existing, true, nil
}
