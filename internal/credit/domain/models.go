// Package domain contains the prepaid credit ledger models. The transaction
// log is append-only; balances are derived and must always replay to the
// signed sum of the log.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger entry. PURCHASE, BONUS and REFUND
// increase the balance; DEDUCTION and EXPIRY decrease it; TRANSFER and
// ADJUSTMENT carry an explicit sign.
type TransactionType string

const (
	TypePurchase   TransactionType = "PURCHASE"
	TypeDeduction  TransactionType = "DEDUCTION"
	TypeRefund     TransactionType = "REFUND"
	TypeBonus      TransactionType = "BONUS"
	TypeExpiry     TransactionType = "EXPIRY"
	TypeTransfer   TransactionType = "TRANSFER"
	TypeAdjustment TransactionType = "ADJUSTMENT"
)

// ParseTransactionType normalizes a transaction type string.
func ParseTransactionType(raw string) (TransactionType, bool) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case TypePurchase, TypeDeduction, TypeRefund, TypeBonus, TypeExpiry, TypeTransfer, TypeAdjustment:
		return t, true
	default:
		return "", false
	}
}

// IsCredit reports whether the type always increases the balance.
func (t TransactionType) IsCredit() bool {
	return t == TypePurchase || t == TypeBonus || t == TypeRefund
}

// IsDebit reports whether the type always decreases the balance.
func (t TransactionType) IsDebit() bool {
	return t == TypeDeduction || t == TypeExpiry
}

// IsSigned reports whether the caller supplies the sign explicitly.
func (t TransactionType) IsSigned() bool {
	return t == TypeTransfer || t == TypeAdjustment
}

// CreditTransaction is an immutable ledger entry. Amount is the signed value
// applied to the balance; BalanceAfter is the running sum at the time the row
// was written and is the audit trail even if balance computation changes
// later.
type CreditTransaction struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	AgencyID       snowflake.ID      `gorm:"not null;index:ix_credit_txns_scope,priority:1;uniqueIndex:ux_credit_txns_idem,priority:1" json:"agency_id"`
	SubAccountID   snowflake.ID      `gorm:"not null;default:0;index:ix_credit_txns_scope,priority:2;uniqueIndex:ux_credit_txns_idem,priority:2" json:"sub_account_id"`
	FeatureKey     string            `gorm:"type:text;not null;index:ix_credit_txns_scope,priority:3" json:"feature_key"`
	Type           TransactionType   `gorm:"type:text;not null" json:"type"`
	Amount         int64             `gorm:"not null" json:"amount"`
	BalanceAfter   int64             `gorm:"not null" json:"balance_after"`
	Currency       string            `gorm:"type:text;not null" json:"currency"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_credit_txns_idem,priority:3" json:"idempotency_key"`
	ExpiresAt      *time.Time        `gorm:"index" json:"expires_at,omitempty"`
	Description    string            `gorm:"type:text" json:"description,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditPosition is the materialized running balance per (scope, feature).
// It exists to give writers a single lockable row; its balance must always
// equal the signed sum of the transaction log and is verifiable by replay.
type CreditPosition struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	AgencyID     snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_positions,priority:1"`
	SubAccountID snowflake.ID `gorm:"not null;default:0;uniqueIndex:ux_credit_positions,priority:2"`
	FeatureKey   string       `gorm:"type:text;not null;uniqueIndex:ux_credit_positions,priority:3"`
	Balance      int64        `gorm:"not null;default:0"`
	Currency     string       `gorm:"type:text;not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditPosition) TableName() string { return "credit_positions" }

// CreditBalance is the derived per-feature view.
type CreditBalance struct {
	FeatureKey  string     `json:"feature_key"`
	Balance     int64      `json:"balance"`
	Reserved    int64      `json:"reserved"`
	Available   int64      `json:"available"`
	Currency    string     `json:"currency"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

// AggregatedCreditBalance sums balances across every feature in a scope.
type AggregatedCreditBalance struct {
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Reserved  int64  `json:"reserved"`
	Currency  string `json:"currency"`
}
