package domain

import (
	"context"

	"github.com/agencyos/metering/internal/scope"
	"github.com/bwmarrin/snowflake"
)

// CheckReason explains an allow/deny decision.
type CheckReason string

const (
	ReasonGranted       CheckReason = "granted"
	ReasonWithinLimit   CheckReason = "within_limit"
	ReasonUnlimited     CheckReason = "unlimited"
	ReasonDisabled      CheckReason = "disabled"
	ReasonOverLimit     CheckReason = "over_limit"
	ReasonNoEntitlement CheckReason = "no_entitlement"
)

// EntitlementCheck is the ephemeral evaluation result. Never persisted;
// recomputed per call.
type EntitlementCheck struct {
	Allowed      bool        `json:"allowed"`
	Reason       CheckReason `json:"reason"`
	CurrentUsage *float64    `json:"current_usage,omitempty"`
	Limit        *int64      `json:"limit,omitempty"`
	Remaining    *float64    `json:"remaining,omitempty"`
}

// Repository reads entitlement definitions from the plan-configuration store.
type Repository interface {
	Get(ctx context.Context, agencyID snowflake.ID, featureKey string) (*Entitlement, error)
	List(ctx context.Context, agencyID snowflake.ID) ([]Entitlement, error)
}

type Service interface {
	// Check evaluates whether the scope may perform quantity units of the
	// feature right now. Quantity values below one are treated as one.
	Check(ctx context.Context, sc scope.Scope, featureKey string, quantity float64) (EntitlementCheck, error)
	List(ctx context.Context, sc scope.Scope) ([]Entitlement, error)
}
