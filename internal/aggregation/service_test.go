package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agencyos/metering/internal/clock"
	"github.com/agencyos/metering/internal/config"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	creditservice "github.com/agencyos/metering/internal/credit/service"
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	entitlementrepo "github.com/agencyos/metering/internal/entitlement/repository"
	entitlementservice "github.com/agencyos/metering/internal/entitlement/service"
	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
	usageservice "github.com/agencyos/metering/internal/usage/service"
)

func newService(t *testing.T, rollup string) (*Service, usagedomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entitlementdomain.Entitlement{},
		&usagedomain.UsageEvent{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditPosition{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	repo := entitlementrepo.Provide(db)
	cfg := config.Config{
		Credit:      config.CreditConfig{Currency: "USD"},
		Aggregation: config.AggregationConfig{Rollup: rollup},
	}

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, Entitlements: repo,
	})
	creditSvc := creditservice.NewService(creditservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, Config: cfg,
	})
	entitlementSvc := entitlementservice.NewService(entitlementservice.ServiceParam{
		Log: log, Clock: fake, Entitlements: repo, UsageSvc: usageSvc, CreditSvc: creditSvc,
	})
	svc := NewService(ServiceParam{
		Log:            log,
		Config:         cfg,
		UsageSvc:       usageSvc,
		EntitlementSvc: entitlementSvc,
		CreditSvc:      creditSvc,
	})

	return svc, usageSvc, db, node
}

func seedEntitlements(t *testing.T, db *gorm.DB, node *snowflake.Node, agencyID snowflake.ID) {
	t.Helper()
	now := time.Now().UTC()
	for _, ent := range []entitlementdomain.Entitlement{
		{
			ID: node.Generate(), AgencyID: agencyID, FeatureKey: "api_calls",
			Enabled: true, LimitValue: 100,
			MeteringType: entitlementdomain.MeteringCount,
			Enforcement:  entitlementdomain.EnforcementHard,
			OverageMode:  entitlementdomain.OverageNone,
			Period:       usagedomain.PeriodMonthly,
			CreatedAt:    now, UpdatedAt: now,
		},
		{
			ID: node.Generate(), AgencyID: agencyID, FeatureKey: "sso",
			Enabled:      true,
			MeteringType: entitlementdomain.MeteringNone,
			Enforcement:  entitlementdomain.EnforcementHard,
			OverageMode:  entitlementdomain.OverageNone,
			Period:       usagedomain.PeriodMonthly,
			CreatedAt:    now, UpdatedAt: now,
		},
	} {
		require.NoError(t, db.Create(&ent).Error)
	}
}

func TestParseRollupPolicy(t *testing.T) {
	assert.Equal(t, RollupNone, ParseRollupPolicy(""))
	assert.Equal(t, RollupNone, ParseRollupPolicy("bogus"))
	assert.Equal(t, RollupIncludeSubAccounts, ParseRollupPolicy("include_sub_accounts"))
}

func TestGetUsageSummarySkipsUnmeteredFeatures(t *testing.T) {
	svc, usageSvc, db, node := newService(t, "none")
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlements(t, db, node, agencyID)

	_, err := usageSvc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "api_calls",
		Quantity:       1,
		IdempotencyKey: "evt1",
	})
	require.NoError(t, err)

	summaries, err := svc.GetUsageSummary(ctx, sc, usagedomain.PeriodMonthly, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "api_calls", summaries[0].Metric.FeatureKey)
	assert.Equal(t, float64(1), summaries[0].Metric.Current)
}

func TestRollupPolicyControlsSubAccountInclusion(t *testing.T) {
	for _, tc := range []struct {
		rollup string
		want   float64
	}{
		{"none", 1},
		{"include_sub_accounts", 2},
	} {
		svc, usageSvc, db, node := newService(t, tc.rollup)
		ctx := context.Background()
		agencyID := node.Generate()
		agencyScope := scope.ForAgency(agencyID)
		subScope := scope.ForSubAccount(agencyID, node.Generate())
		seedEntitlements(t, db, node, agencyID)

		for key, sc := range map[string]scope.Scope{"agency-evt": agencyScope, "sub-evt": subScope} {
			_, err := usageSvc.Record(ctx, usagedomain.RecordRequest{
				Scope:          sc,
				FeatureKey:     "api_calls",
				Quantity:       1,
				IdempotencyKey: key,
			})
			require.NoError(t, err)
		}

		summaries, err := svc.GetUsageSummary(ctx, agencyScope, usagedomain.PeriodMonthly, 0)
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, tc.want, summaries[0].Metric.Current, "rollup=%s", tc.rollup)
	}
}

func TestCheckEntitlementDelegates(t *testing.T) {
	svc, _, db, node := newService(t, "none")
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlements(t, db, node, agencyID)

	check, err := svc.CheckEntitlement(context.Background(), sc, "api_calls", 1)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, entitlementdomain.ReasonWithinLimit, check.Reason)
}

func TestGetAggregatedCredits(t *testing.T) {
	svc, _, _, node := newService(t, "none")
	ctx := context.Background()
	sc := scope.ForAgency(node.Generate())

	_, err := svc.creditSvc.Apply(ctx, creditdomain.ApplyRequest{
		Scope:          sc,
		FeatureKey:     "api_calls",
		Type:           creditdomain.TypePurchase,
		Amount:         250,
		IdempotencyKey: "p1",
	})
	require.NoError(t, err)

	agg, err := svc.GetAggregatedCredits(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, int64(250), agg.Total)
	assert.Equal(t, int64(250), agg.Remaining)
}
