package domain

import (
	"context"
	"errors"
	"time"

	"github.com/agencyos/metering/internal/scope"
	"github.com/agencyos/metering/pkg/db/pagination"
)

type ApplyRequest struct {
	Scope          scope.Scope     `json:"-"`
	FeatureKey     string          `json:"feature_key"`
	Type           TransactionType `json:"type"`
	Amount         int64           `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	Description    string          `json:"description"`
	Metadata       map[string]any  `json:"metadata"`
}

type ListRequest struct {
	Scope      scope.Scope
	FeatureKey string
	PageToken  string
	PageSize   int
}

type ListResponse struct {
	pagination.PageInfo
	Transactions []CreditTransaction `json:"transactions"`
}

type Service interface {
	// Apply appends one transaction atomically: idempotency replay check,
	// position lock, sign convention, balance floor, persisted balance_after.
	Apply(ctx context.Context, req ApplyRequest) (*CreditTransaction, error)
	// GetBalance recomputes the per-feature balance, lazily converting
	// expired purchase/bonus lots into EXPIRY transactions first.
	GetBalance(ctx context.Context, sc scope.Scope, featureKey string) (CreditBalance, error)
	GetAggregatedBalance(ctx context.Context, sc scope.Scope) (AggregatedCreditBalance, error)
	ListTransactions(ctx context.Context, req ListRequest) (ListResponse, error)
	// RecomputeBalance replays the transaction log. It is the correctness
	// oracle for the materialized position.
	RecomputeBalance(ctx context.Context, sc scope.Scope, featureKey string) (int64, error)
	// ExpireDue converts up to limit expired lots across all scopes. Shares
	// idempotency keys with the lazy path so the two never double-expire.
	ExpireDue(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidFeatureKey      = errors.New("invalid_feature_key")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidExpiry          = errors.New("invalid_expiry")
	ErrInsufficientBalance    = errors.New("insufficient_balance")
	ErrMixedCurrency          = errors.New("mixed_currency")
	ErrConflict               = errors.New("conflict")
)
