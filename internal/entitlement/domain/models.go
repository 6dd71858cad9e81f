// Package domain defines the entitlement model read from the
// plan-configuration store. Rows are created by plan provisioning and are
// read-only to the metering subsystem.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
)

// MeteringType controls how usage accumulates against the limit.
type MeteringType string

const (
	MeteringNone  MeteringType = "NONE"
	MeteringCount MeteringType = "COUNT"
	MeteringSum   MeteringType = "SUM"
)

// Enforcement decides whether over-limit actions are rejected or only flagged.
type Enforcement string

const (
	EnforcementHard Enforcement = "HARD"
	EnforcementSoft Enforcement = "SOFT"
)

// OverageMode decides how usage beyond the plan allowance is covered.
type OverageMode string

const (
	OverageNone            OverageMode = "NONE"
	OverageInternalCredits OverageMode = "INTERNAL_CREDITS"
	OverageStripeMetered   OverageMode = "STRIPE_METERED"
)

// Entitlement is the per-agency, per-feature permission and limit definition
// derived from the subscription plan.
type Entitlement struct {
	ID            snowflake.ID       `gorm:"primaryKey" json:"id"`
	AgencyID      snowflake.ID       `gorm:"not null;uniqueIndex:ux_entitlements_feature,priority:1" json:"agency_id"`
	FeatureKey    string             `gorm:"type:text;not null;uniqueIndex:ux_entitlements_feature,priority:2" json:"feature_key"`
	Enabled       bool               `gorm:"not null;default:true" json:"enabled"`
	Unlimited     bool               `gorm:"not null;default:false" json:"unlimited"`
	LimitValue    int64              `gorm:"column:limit_value;not null;default:0" json:"limit"`
	Unit          string             `gorm:"type:text" json:"unit,omitempty"`
	MeteringType  MeteringType       `gorm:"type:text;not null;default:'COUNT'" json:"metering_type"`
	Enforcement   Enforcement        `gorm:"type:text;not null;default:'HARD'" json:"enforcement"`
	OverageMode   OverageMode        `gorm:"type:text;not null;default:'NONE'" json:"overage_mode"`
	Period        usagedomain.Period `gorm:"type:text;not null;default:'MONTHLY'" json:"period"`
	TopupEnabled  bool               `gorm:"not null;default:false" json:"topup_enabled"`
	CreditsExpire bool               `gorm:"not null;default:false" json:"credits_expire"`
	CreatedAt     time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// IsUnlimited reports whether limit math applies at all.
func (e Entitlement) IsUnlimited() bool { return e.Unlimited }
