// Package domain contains persistence models for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores a single unit of metered activity. Events are append-only
// and are the source of truth for every summary; they are never mutated.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	AgencyID       snowflake.ID      `gorm:"not null;index:ix_usage_events_scope,priority:1;uniqueIndex:ux_usage_events_idem,priority:1" json:"agency_id"`
	SubAccountID   snowflake.ID      `gorm:"not null;default:0;index:ix_usage_events_scope,priority:2;uniqueIndex:ux_usage_events_idem,priority:2" json:"sub_account_id"`
	FeatureKey     string            `gorm:"type:text;not null;index:ix_usage_events_scope,priority:3" json:"feature_key"`
	ActionKey      string            `gorm:"type:text" json:"action_key,omitempty"`
	Quantity       float64           `gorm:"not null" json:"quantity"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idem,priority:3" json:"idempotency_key"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// UsageMetric is a derived aggregate for one feature over one period window.
// Percentage is presentational only; allow/deny decisions come from the
// entitlement evaluator, never from this value.
type UsageMetric struct {
	FeatureKey    string    `json:"feature_key"`
	Current       float64   `json:"current"`
	Limit         *int64    `json:"limit,omitempty"`
	Unit          string    `json:"unit,omitempty"`
	Period        Period    `json:"period"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	Percentage    *float64  `json:"percentage,omitempty"`
	IsOverage     bool      `json:"is_overage"`
	OverageAmount float64   `json:"overage_amount"`
}

// UsageSummary bundles the metric with its constituent events. Recomputable
// from the event log at any time; cached values must replay to the same
// numbers.
type UsageSummary struct {
	Metric UsageMetric  `json:"metric"`
	Events []UsageEvent `json:"events"`
}
