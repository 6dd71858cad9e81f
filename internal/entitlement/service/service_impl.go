package service

import (
	"context"
	"math"
	"strings"

	"github.com/agencyos/metering/internal/clock"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	obsmetrics "github.com/agencyos/metering/internal/observability/metrics"
	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Entitlements entitlementdomain.Repository
	UsageSvc     usagedomain.Service
	CreditSvc    creditdomain.Service
	Metrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	clock        clock.Clock
	entitlements entitlementdomain.Repository
	usageSvc     usagedomain.Service
	creditSvc    creditdomain.Service
	metrics      *obsmetrics.Metrics
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		log:          p.Log.Named("entitlement.service"),
		clock:        p.Clock,
		entitlements: p.Entitlements,
		usageSvc:     p.UsageSvc,
		creditSvc:    p.CreditSvc,
		metrics:      p.Metrics,
	}
}

// Check walks the precedence chain: missing beats disabled beats unlimited
// beats limit math. HARD enforcement with no overage mode is the only
// unconditional denial; every other over-limit path either borrows from
// credits or allows with the overage flagged.
func (s *Service) Check(ctx context.Context, sc scope.Scope, featureKey string, quantity float64) (entitlementdomain.EntitlementCheck, error) {
	if err := sc.Validate(); err != nil {
		return entitlementdomain.EntitlementCheck{}, err
	}
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return entitlementdomain.EntitlementCheck{}, usagedomain.ErrInvalidFeatureKey
	}
	if quantity < 1 {
		quantity = 1
	}

	check, err := s.evaluate(ctx, sc, featureKey, quantity)
	if err != nil {
		return entitlementdomain.EntitlementCheck{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordEntitlementCheck(ctx, featureKey, string(check.Reason))
	}
	s.log.Debug("entitlement checked",
		zap.String("scope", sc.String()),
		zap.String("feature_key", featureKey),
		zap.Bool("allowed", check.Allowed),
		zap.String("reason", string(check.Reason)),
	)
	return check, nil
}

func (s *Service) evaluate(ctx context.Context, sc scope.Scope, featureKey string, quantity float64) (entitlementdomain.EntitlementCheck, error) {
	ent, err := s.entitlements.Get(ctx, sc.AgencyID(), featureKey)
	if err != nil {
		return entitlementdomain.EntitlementCheck{}, err
	}
	if ent == nil {
		return entitlementdomain.EntitlementCheck{Allowed: false, Reason: entitlementdomain.ReasonNoEntitlement}, nil
	}
	if !ent.Enabled {
		return entitlementdomain.EntitlementCheck{Allowed: false, Reason: entitlementdomain.ReasonDisabled}, nil
	}
	if ent.IsUnlimited() {
		return entitlementdomain.EntitlementCheck{Allowed: true, Reason: entitlementdomain.ReasonUnlimited}, nil
	}
	if ent.MeteringType == entitlementdomain.MeteringNone {
		// Access-gated feature with no usage accrual: enabled is enough.
		return entitlementdomain.EntitlementCheck{Allowed: true, Reason: entitlementdomain.ReasonGranted}, nil
	}

	summary, err := s.usageSvc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:      sc,
		FeatureKey: featureKey,
		Period:     ent.Period,
		AsOf:       s.clock.Now(),
	})
	if err != nil {
		return entitlementdomain.EntitlementCheck{}, err
	}

	current := summary.Metric.Current
	limit := ent.LimitValue
	remaining := float64(limit) - current

	check := entitlementdomain.EntitlementCheck{
		CurrentUsage: &current,
		Limit:        &limit,
		Remaining:    &remaining,
	}

	if current+quantity <= float64(limit) {
		check.Allowed = true
		check.Reason = entitlementdomain.ReasonWithinLimit
		return check, nil
	}

	// Over the plan allowance from here on.
	clamped := math.Max(0, remaining)
	check.Remaining = &clamped

	if ent.Enforcement == entitlementdomain.EnforcementHard && ent.OverageMode == entitlementdomain.OverageNone {
		check.Allowed = false
		check.Reason = entitlementdomain.ReasonOverLimit
		return check, nil
	}

	if ent.OverageMode == entitlementdomain.OverageInternalCredits {
		overage := current + quantity - float64(limit)
		balance, err := s.creditSvc.GetBalance(ctx, sc, featureKey)
		if err != nil {
			return entitlementdomain.EntitlementCheck{}, err
		}
		// Credits price overage one-for-one; fractional units round up.
		if balance.Available >= int64(math.Ceil(overage)) {
			check.Allowed = true
			check.Reason = entitlementdomain.ReasonWithinLimit
			return check, nil
		}
		if ent.Enforcement == entitlementdomain.EnforcementHard {
			check.Allowed = false
			check.Reason = entitlementdomain.ReasonOverLimit
			return check, nil
		}
	}

	// SOFT enforcement, or externally billed overage: allow and flag.
	check.Allowed = true
	check.Reason = entitlementdomain.ReasonOverLimit
	return check, nil
}

func (s *Service) List(ctx context.Context, sc scope.Scope) ([]entitlementdomain.Entitlement, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return s.entitlements.List(ctx, sc.AgencyID())
}
