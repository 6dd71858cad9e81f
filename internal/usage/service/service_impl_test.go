package service

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
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	entitlementrepo "github.com/agencyos/metering/internal/entitlement/repository"
	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entitlementdomain.Entitlement{},
		&usagedomain.UsageEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	svc := NewService(ServiceParam{
		DB:           db,
		Log:          zaptest.NewLogger(t),
		GenID:        node,
		Clock:        fake,
		Entitlements: entitlementrepo.Provide(db),
	}).(*Service)

	return svc, db, fake, node
}

func seedEntitlement(t *testing.T, db *gorm.DB, node *snowflake.Node, agencyID snowflake.ID, featureKey string, mutate func(*entitlementdomain.Entitlement)) {
	t.Helper()
	ent := entitlementdomain.Entitlement{
		ID:           node.Generate(),
		AgencyID:     agencyID,
		FeatureKey:   featureKey,
		Enabled:      true,
		LimitValue:   100,
		MeteringType: entitlementdomain.MeteringCount,
		Enforcement:  entitlementdomain.EnforcementHard,
		OverageMode:  entitlementdomain.OverageNone,
		Period:       usagedomain.PeriodMonthly,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(&ent)
	}
	require.NoError(t, db.Create(&ent).Error)
}

func TestRecordCountFeatureIgnoresQuantity(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "api_calls", nil)

	event, err := svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "api_calls",
		Quantity:       42,
		IdempotencyKey: "evt1",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), event.Quantity)
}

func TestRecordSumFeatureRequiresPositiveQuantity(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "storage_gb", func(e *entitlementdomain.Entitlement) {
		e.MeteringType = entitlementdomain.MeteringSum
	})

	_, err := svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "storage_gb",
		Quantity:       0,
		IdempotencyKey: "evt1",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidQuantity)

	event, err := svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "storage_gb",
		Quantity:       2.5,
		IdempotencyKey: "evt2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2.5, event.Quantity)
}

func TestRecordRejectsUnmeteredAndUnknownFeatures(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "sso", func(e *entitlementdomain.Entitlement) {
		e.MeteringType = entitlementdomain.MeteringNone
	})

	_, err := svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "sso",
		Quantity:       1,
		IdempotencyKey: "evt1",
	})
	assert.ErrorIs(t, err, usagedomain.ErrFeatureNotMetered)

	_, err = svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "nope",
		Quantity:       1,
		IdempotencyKey: "evt2",
	})
	assert.ErrorIs(t, err, usagedomain.ErrUnknownFeature)
}

func TestRecordReplaySameKey(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "api_calls", nil)

	req := usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "api_calls",
		Quantity:       1,
		IdempotencyKey: "evt1",
	}

	first, err := svc.Record(ctx, req)
	require.NoError(t, err)

	second, err := svc.Record(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSummarizeMonthlyWindow(t *testing.T) {
	svc, db, fake, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "api_calls", nil)

	// Two events this month, one in the prior month.
	fake.Set(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	for _, key := range []string{"evt1", "evt2"} {
		_, err := svc.Record(ctx, usagedomain.RecordRequest{
			Scope:          sc,
			FeatureKey:     "api_calls",
			Quantity:       1,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}
	fake.Set(time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC))
	_, err := svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          sc,
		FeatureKey:     "api_calls",
		Quantity:       1,
		IdempotencyKey: "evt3",
	})
	require.NoError(t, err)

	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	summary, err := svc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:      sc,
		FeatureKey: "api_calls",
		Period:     usagedomain.PeriodMonthly,
		AsOf:       asOf,
	})
	require.NoError(t, err)

	assert.Equal(t, float64(2), summary.Metric.Current)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), summary.Metric.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), summary.Metric.PeriodEnd)
	assert.Len(t, summary.Events, 2)
	require.NotNil(t, summary.Metric.Limit)
	assert.Equal(t, int64(100), *summary.Metric.Limit)
	require.NotNil(t, summary.Metric.Percentage)
	assert.InDelta(t, 2.0, *summary.Metric.Percentage, 0.001)

	// The prior window sees the February event.
	prior, err := svc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:       sc,
		FeatureKey:  "api_calls",
		Period:      usagedomain.PeriodMonthly,
		AsOf:        asOf,
		PeriodsBack: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), prior.Metric.Current)
}

func TestSummarizeSumMeteringAndOverage(t *testing.T) {
	svc, db, fake, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "storage_gb", func(e *entitlementdomain.Entitlement) {
		e.MeteringType = entitlementdomain.MeteringSum
		e.LimitValue = 10
	})

	for key, qty := range map[string]float64{"a": 6, "b": 7} {
		_, err := svc.Record(ctx, usagedomain.RecordRequest{
			Scope:          sc,
			FeatureKey:     "storage_gb",
			Quantity:       qty,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}

	summary, err := svc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:      sc,
		FeatureKey: "storage_gb",
		Period:     usagedomain.PeriodMonthly,
		AsOf:       fake.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, float64(13), summary.Metric.Current)
	assert.True(t, summary.Metric.IsOverage)
	assert.Equal(t, float64(3), summary.Metric.OverageAmount)
}

func TestSummarizeIsReproducible(t *testing.T) {
	svc, db, fake, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "api_calls", nil)

	for _, key := range []string{"e1", "e2", "e3"} {
		_, err := svc.Record(ctx, usagedomain.RecordRequest{
			Scope:          sc,
			FeatureKey:     "api_calls",
			Quantity:       1,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}

	req := usagedomain.SummarizeRequest{
		Scope:      sc,
		FeatureKey: "api_calls",
		Period:     usagedomain.PeriodMonthly,
		AsOf:       fake.Now(),
	}
	first, err := svc.Summarize(ctx, req)
	require.NoError(t, err)
	second, err := svc.Summarize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Metric, second.Metric)

	_ = db
}

func TestSummarizeSubAccountIsolationAndRollup(t *testing.T) {
	svc, db, fake, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	agencyScope := scope.ForAgency(agencyID)
	subScope := scope.ForSubAccount(agencyID, node.Generate())
	seedEntitlement(t, db, node, agencyID, "api_calls", nil)

	_, err := svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          agencyScope,
		FeatureKey:     "api_calls",
		Quantity:       1,
		IdempotencyKey: "agency-evt",
	})
	require.NoError(t, err)
	_, err = svc.Record(ctx, usagedomain.RecordRequest{
		Scope:          subScope,
		FeatureKey:     "api_calls",
		Quantity:       1,
		IdempotencyKey: "sub-evt",
	})
	require.NoError(t, err)

	// Agency scope alone sees only agency-level events.
	summary, err := svc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:      agencyScope,
		FeatureKey: "api_calls",
		Period:     usagedomain.PeriodMonthly,
		AsOf:       fake.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), summary.Metric.Current)

	// Explicit roll-up widens to sub-accounts.
	rolled, err := svc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:              agencyScope,
		FeatureKey:         "api_calls",
		Period:             usagedomain.PeriodMonthly,
		AsOf:               fake.Now(),
		IncludeSubAccounts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), rolled.Metric.Current)

	// Sub-account scope never widens.
	subSummary, err := svc.Summarize(ctx, usagedomain.SummarizeRequest{
		Scope:              subScope,
		FeatureKey:         "api_calls",
		Period:             usagedomain.PeriodMonthly,
		AsOf:               fake.Now(),
		IncludeSubAccounts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), subSummary.Metric.Current)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, db, fake, node := newTestService(t)
	ctx := context.Background()
	agencyID := node.Generate()
	sc := scope.ForAgency(agencyID)
	seedEntitlement(t, db, node, agencyID, "api_calls", nil)

	keys := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, key := range keys {
		_, err := svc.Record(ctx, usagedomain.RecordRequest{
			Scope:          sc,
			FeatureKey:     "api_calls",
			Quantity:       1,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
		fake.Advance(time.Minute)
	}

	page, err := svc.List(ctx, usagedomain.ListRequest{
		Scope:    sc,
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "e5", page.Events[0].IdempotencyKey)
	assert.Equal(t, "e4", page.Events[1].IdempotencyKey)

	next, err := svc.List(ctx, usagedomain.ListRequest{
		Scope:     sc,
		PageSize:  2,
		PageToken: page.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, next.Events, 2)
	assert.Equal(t, "e3", next.Events[0].IdempotencyKey)
	assert.Equal(t, "e2", next.Events[1].IdempotencyKey)
}
