// Package aggregation composes the usage ledger, entitlement evaluator and
// credit ledger into the scope-level reads callers consume. Pure orchestration;
// the only policy it owns is whether agency summaries roll up sub-account
// activity, which is explicit configuration rather than an inferred default.
package aggregation

import (
	"context"

	"github.com/agencyos/metering/internal/config"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RollupPolicy decides whether agency-level summaries include sub-account
// events.
type RollupPolicy string

const (
	RollupNone               RollupPolicy = "none"
	RollupIncludeSubAccounts RollupPolicy = "include_sub_accounts"
)

// ParseRollupPolicy maps raw configuration to a policy, defaulting to none.
func ParseRollupPolicy(raw string) RollupPolicy {
	if RollupPolicy(raw) == RollupIncludeSubAccounts {
		return RollupIncludeSubAccounts
	}
	return RollupNone
}

type ServiceParam struct {
	fx.In

	Log            *zap.Logger
	Config         config.Config
	UsageSvc       usagedomain.Service
	EntitlementSvc entitlementdomain.Service
	CreditSvc      creditdomain.Service
}

type Service struct {
	log            *zap.Logger
	usageSvc       usagedomain.Service
	entitlementSvc entitlementdomain.Service
	creditSvc      creditdomain.Service
	rollup         RollupPolicy
}

func NewService(p ServiceParam) *Service {
	return &Service{
		log:            p.Log.Named("aggregation.service"),
		usageSvc:       p.UsageSvc,
		entitlementSvc: p.EntitlementSvc,
		creditSvc:      p.CreditSvc,
		rollup:         ParseRollupPolicy(p.Config.Aggregation.Rollup),
	}
}

// Rollup reports the active sub-account roll-up policy.
func (s *Service) Rollup() RollupPolicy { return s.rollup }

// GetUsageSummary summarizes every metered feature the scope's agency is
// entitled to, for one period window.
func (s *Service) GetUsageSummary(ctx context.Context, sc scope.Scope, period usagedomain.Period, periodsBack int) ([]usagedomain.UsageSummary, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	ents, err := s.entitlementSvc.List(ctx, sc)
	if err != nil {
		return nil, err
	}

	summaries := make([]usagedomain.UsageSummary, 0, len(ents))
	for _, ent := range ents {
		if ent.MeteringType == entitlementdomain.MeteringNone {
			continue
		}
		p := period
		if !p.Valid() {
			p = ent.Period
		}
		summary, err := s.usageSvc.Summarize(ctx, usagedomain.SummarizeRequest{
			Scope:              sc,
			FeatureKey:         ent.FeatureKey,
			Period:             p,
			PeriodsBack:        periodsBack,
			IncludeSubAccounts: s.includeSubAccounts(sc),
		})
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetEntitlements lists the entitlement definitions visible to the scope.
func (s *Service) GetEntitlements(ctx context.Context, sc scope.Scope) ([]entitlementdomain.Entitlement, error) {
	return s.entitlementSvc.List(ctx, sc)
}

// CheckEntitlement evaluates one feature for the scope.
func (s *Service) CheckEntitlement(ctx context.Context, sc scope.Scope, featureKey string, quantity float64) (entitlementdomain.EntitlementCheck, error) {
	return s.entitlementSvc.Check(ctx, sc, featureKey, quantity)
}

// GetAggregatedCredits sums credit balances across every feature in the scope.
func (s *Service) GetAggregatedCredits(ctx context.Context, sc scope.Scope) (creditdomain.AggregatedCreditBalance, error) {
	return s.creditSvc.GetAggregatedBalance(ctx, sc)
}

func (s *Service) includeSubAccounts(sc scope.Scope) bool {
	return s.rollup == RollupIncludeSubAccounts && sc.Kind() == scope.KindAgency
}
