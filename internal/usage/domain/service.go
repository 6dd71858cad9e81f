package domain

import (
	"context"
	"errors"
	"time"

	"github.com/agencyos/metering/internal/scope"
	"github.com/agencyos/metering/pkg/db/pagination"
)

type RecordRequest struct {
	Scope          scope.Scope    `json:"-"`
	FeatureKey     string         `json:"feature_key"`
	Quantity       float64        `json:"quantity"`
	IdempotencyKey string         `json:"idempotency_key"`
	ActionKey      string         `json:"action_key"`
	Metadata       map[string]any `json:"metadata"`
}

type SummarizeRequest struct {
	Scope       scope.Scope
	FeatureKey  string
	Period      Period
	AsOf        time.Time
	PeriodsBack int
	// IncludeSubAccounts rolls sub-account events into an agency-scope
	// summary. Set explicitly by the aggregation service, never inferred.
	IncludeSubAccounts bool
}

type ListRequest struct {
	Scope      scope.Scope
	FeatureKey string
	PageToken  string
	PageSize   int
}

type ListResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (*UsageEvent, error)
	Summarize(ctx context.Context, req SummarizeRequest) (UsageSummary, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrUnknownFeature    = errors.New("unknown_feature")
	ErrFeatureNotMetered = errors.New("feature_not_metered")
)
