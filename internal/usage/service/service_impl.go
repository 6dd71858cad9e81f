package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agencyos/metering/internal/clock"
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	"github.com/agencyos/metering/internal/idempotency"
	obsmetrics "github.com/agencyos/metering/internal/observability/metrics"
	"github.com/agencyos/metering/internal/retry"
	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
	"github.com/agencyos/metering/pkg/db"
	"github.com/agencyos/metering/pkg/db/option"
	"github.com/agencyos/metering/pkg/db/pagination"
	"github.com/agencyos/metering/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Entitlements entitlementdomain.Repository
	Metrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	entitlements entitlementdomain.Repository
	metrics      *obsmetrics.Metrics
	eventrepo    repository.Repository[usagedomain.UsageEvent]
	retryCfg     retry.Config
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("usage.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		entitlements: p.Entitlements,
		metrics:      p.Metrics,
		eventrepo:    repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		retryCfg:     retry.DefaultConfig,
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageEvent, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}

	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, usagedomain.ErrInvalidFeatureKey
	}

	key, err := idempotency.Normalize(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	ent, err := s.entitlements.Get(ctx, req.Scope.AgencyID(), featureKey)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, usagedomain.ErrUnknownFeature
	}

	quantity := req.Quantity
	switch ent.MeteringType {
	case entitlementdomain.MeteringNone:
		return nil, usagedomain.ErrFeatureNotMetered
	case entitlementdomain.MeteringCount:
		// COUNT features always record one unit per action.
		quantity = 1
	default:
		if quantity <= 0 {
			return nil, usagedomain.ErrInvalidQuantity
		}
	}

	agencyID, subAccountID := req.Scope.Columns()

	lookup := func(tx *gorm.DB) (*usagedomain.UsageEvent, error) {
		var existing usagedomain.UsageEvent
		err := tx.Where("agency_id = ? AND sub_account_id = ? AND idempotency_key = ?", agencyID, subAccountID, key).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}

	op := func(tx *gorm.DB) (*usagedomain.UsageEvent, error) {
		event := &usagedomain.UsageEvent{
			ID:             s.genID.Generate(),
			AgencyID:       agencyID,
			SubAccountID:   subAccountID,
			FeatureKey:     featureKey,
			ActionKey:      strings.TrimSpace(req.ActionKey),
			Quantity:       quantity,
			IdempotencyKey: key,
			CreatedAt:      s.clock.Now(),
		}
		if req.Metadata != nil {
			event.Metadata = datatypes.JSONMap(req.Metadata)
		}
		if err := tx.Create(event).Error; err != nil {
			return nil, err
		}
		return event, nil
	}

	var event *usagedomain.UsageEvent
	var replayed bool
	err = retry.Do(ctx, s.retryCfg, isRetryableErr, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			event, replayed, txErr = idempotency.Execute(tx, lookup, op)
			return txErr
		})
	})
	if err != nil {
		return nil, err
	}

	if !replayed {
		if s.metrics != nil {
			s.metrics.RecordUsageEvent(ctx, featureKey)
		}
		s.log.Info("usage event recorded",
			zap.String("scope", req.Scope.String()),
			zap.String("feature_key", featureKey),
			zap.Float64("quantity", event.Quantity),
		)
	}
	return event, nil
}

func (s *Service) Summarize(ctx context.Context, req usagedomain.SummarizeRequest) (usagedomain.UsageSummary, error) {
	if err := req.Scope.Validate(); err != nil {
		return usagedomain.UsageSummary{}, err
	}

	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return usagedomain.UsageSummary{}, usagedomain.ErrInvalidFeatureKey
	}

	period := req.Period
	if !period.Valid() {
		period = usagedomain.PeriodMonthly
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	window := period.Window(asOf, req.PeriodsBack)

	events, err := s.eventsInWindow(ctx, req, featureKey, window)
	if err != nil {
		return usagedomain.UsageSummary{}, err
	}

	ent, err := s.entitlements.Get(ctx, req.Scope.AgencyID(), featureKey)
	if err != nil {
		return usagedomain.UsageSummary{}, err
	}

	metric := usagedomain.UsageMetric{
		FeatureKey:  featureKey,
		Period:      period,
		PeriodStart: window.Start,
		PeriodEnd:   window.End,
	}

	meteringType := entitlementdomain.MeteringCount
	if ent != nil {
		meteringType = ent.MeteringType
		metric.Unit = ent.Unit
	}

	for _, event := range events {
		if meteringType == entitlementdomain.MeteringSum {
			metric.Current += event.Quantity
		} else {
			metric.Current++
		}
	}

	if ent != nil && !ent.IsUnlimited() {
		limit := ent.LimitValue
		metric.Limit = &limit
		if limit > 0 {
			pct := metric.Current / float64(limit) * 100
			metric.Percentage = &pct
		}
		if over := metric.Current - float64(limit); over > 0 {
			metric.IsOverage = true
			metric.OverageAmount = over
		}
	}

	return usagedomain.UsageSummary{Metric: metric, Events: events}, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListRequest) (usagedomain.ListResponse, error) {
	if err := req.Scope.Validate(); err != nil {
		return usagedomain.ListResponse{}, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &usagedomain.UsageEvent{FeatureKey: strings.TrimSpace(req.FeatureKey)}
	items, err := s.eventrepo.Find(ctx, filter,
		option.WithScope(req.Scope),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize}),
		option.WithDescendingOrder(),
	)
	if err != nil {
		return usagedomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(event *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        event.ID.String(),
			CreatedAt: event.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		events = append(events, *item)
	}

	return usagedomain.ListResponse{PageInfo: *pageInfo, Events: events}, nil
}

// eventsInWindow fetches the raw events for one summary window, in creation
// order. IncludeSubAccounts widens an agency scope to every sub-account under
// it; sub-account scopes never widen.
func (s *Service) eventsInWindow(ctx context.Context, req usagedomain.SummarizeRequest, featureKey string, window usagedomain.Window) ([]usagedomain.UsageEvent, error) {
	q := s.db.WithContext(ctx).
		Where("feature_key = ? AND created_at >= ? AND created_at < ?", featureKey, window.Start, window.End).
		Order("created_at ASC, id ASC")

	agencyID, subAccountID := req.Scope.Columns()
	if req.IncludeSubAccounts && req.Scope.Kind() == scope.KindAgency {
		q = q.Where("agency_id = ?", agencyID)
	} else {
		q = q.Where("agency_id = ? AND sub_account_id = ?", agencyID, subAccountID)
	}

	var events []usagedomain.UsageEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func isRetryableErr(err error) bool {
	return db.IsLockConflictErr(err) || errors.Is(err, idempotency.ErrInFlight)
}
