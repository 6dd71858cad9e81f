package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agencyos/metering/internal/clock"
	"github.com/agencyos/metering/internal/config"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	"github.com/agencyos/metering/internal/idempotency"
	obsmetrics "github.com/agencyos/metering/internal/observability/metrics"
	"github.com/agencyos/metering/internal/retry"
	"github.com/agencyos/metering/internal/scope"
	"github.com/agencyos/metering/pkg/db"
	"github.com/agencyos/metering/pkg/db/option"
	"github.com/agencyos/metering/pkg/db/pagination"
	"github.com/agencyos/metering/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
	txnrepo repository.Repository[creditdomain.CreditTransaction]

	currency      string
	allowNegative bool
	retryCfg      retry.Config
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
		txnrepo: repository.ProvideStore[creditdomain.CreditTransaction](p.DB),

		currency:      p.Config.Credit.Currency,
		allowNegative: p.Config.Credit.AllowNegativeBalance,
		retryCfg:      retry.DefaultConfig,
	}
}

func (s *Service) Apply(ctx context.Context, req creditdomain.ApplyRequest) (*creditdomain.CreditTransaction, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}

	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, creditdomain.ErrInvalidFeatureKey
	}

	typ, ok := creditdomain.ParseTransactionType(string(req.Type))
	if !ok {
		return nil, creditdomain.ErrInvalidTransactionType
	}

	key, err := idempotency.Normalize(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	signed, err := signedAmount(typ, req.Amount)
	if err != nil {
		return nil, err
	}

	if req.ExpiresAt != nil && typ != creditdomain.TypePurchase && typ != creditdomain.TypeBonus {
		return nil, creditdomain.ErrInvalidExpiry
	}

	var result *creditdomain.CreditTransaction
	err = retry.Do(ctx, s.retryCfg, isRetryableTxnErr, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txn, txErr := s.applyTxn(tx, req.Scope, featureKey, typ, key,
				func(int64) int64 { return signed },
				req.ExpiresAt, req.Description, req.Metadata)
			if txErr != nil {
				return txErr
			}
			result = txn
			return nil
		})
	})
	if err != nil {
		if isRetryableTxnErr(err) {
			return nil, fmt.Errorf("%w: %v", creditdomain.ErrConflict, err)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordCreditTransaction(ctx, string(typ))
	}
	s.log.Info("credit transaction applied",
		zap.String("scope", req.Scope.String()),
		zap.String("feature_key", featureKey),
		zap.String("type", string(typ)),
		zap.Int64("amount", result.Amount),
		zap.Int64("balance_after", result.BalanceAfter),
	)
	return result, nil
}

func (s *Service) GetBalance(ctx context.Context, sc scope.Scope, featureKey string) (creditdomain.CreditBalance, error) {
	if err := sc.Validate(); err != nil {
		return creditdomain.CreditBalance{}, err
	}
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return creditdomain.CreditBalance{}, creditdomain.ErrInvalidFeatureKey
	}

	now := s.clock.Now()
	if _, err := s.expireDueLots(ctx, sc, featureKey, now, 0); err != nil {
		return creditdomain.CreditBalance{}, err
	}

	agencyID, subAccountID := sc.Columns()

	var pos creditdomain.CreditPosition
	err := s.db.WithContext(ctx).
		Where("agency_id = ? AND sub_account_id = ? AND feature_key = ?", agencyID, subAccountID, featureKey).
		First(&pos).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return creditdomain.CreditBalance{}, err
		}
		return creditdomain.CreditBalance{
			FeatureKey:  featureKey,
			Currency:    s.currency,
			LastUpdated: now,
		}, nil
	}

	var nextExpiry *time.Time
	row := struct{ Next *time.Time }{}
	err = s.db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Select("MIN(expires_at) AS next").
		Where("agency_id = ? AND sub_account_id = ? AND feature_key = ? AND type IN ? AND expires_at > ?",
			agencyID, subAccountID, featureKey,
			[]creditdomain.TransactionType{creditdomain.TypePurchase, creditdomain.TypeBonus}, now).
		Scan(&row).Error
	if err != nil {
		return creditdomain.CreditBalance{}, err
	}
	nextExpiry = row.Next

	return creditdomain.CreditBalance{
		FeatureKey:  featureKey,
		Balance:     pos.Balance,
		Reserved:    0,
		Available:   pos.Balance,
		Currency:    pos.Currency,
		ExpiresAt:   nextExpiry,
		LastUpdated: pos.UpdatedAt,
	}, nil
}

func (s *Service) GetAggregatedBalance(ctx context.Context, sc scope.Scope) (creditdomain.AggregatedCreditBalance, error) {
	if err := sc.Validate(); err != nil {
		return creditdomain.AggregatedCreditBalance{}, err
	}

	now := s.clock.Now()
	if _, err := s.expireDueLots(ctx, sc, "", now, 0); err != nil {
		return creditdomain.AggregatedCreditBalance{}, err
	}

	agencyID, subAccountID := sc.Columns()

	var rows []struct {
		Currency string
		Total    int64
		Used     int64
	}
	err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Select(`currency,
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS total,
			COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS used`).
		Where("agency_id = ? AND sub_account_id = ?", agencyID, subAccountID).
		Group("currency").
		Scan(&rows).Error
	if err != nil {
		return creditdomain.AggregatedCreditBalance{}, err
	}

	agg := creditdomain.AggregatedCreditBalance{Currency: s.currency}
	if len(rows) == 0 {
		return agg, nil
	}
	if len(rows) > 1 {
		return creditdomain.AggregatedCreditBalance{}, creditdomain.ErrMixedCurrency
	}

	agg.Currency = rows[0].Currency
	agg.Total = rows[0].Total
	agg.Used = rows[0].Used
	agg.Remaining = agg.Total - agg.Used
	return agg, nil
}

func (s *Service) ListTransactions(ctx context.Context, req creditdomain.ListRequest) (creditdomain.ListResponse, error) {
	if err := req.Scope.Validate(); err != nil {
		return creditdomain.ListResponse{}, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &creditdomain.CreditTransaction{FeatureKey: strings.TrimSpace(req.FeatureKey)}
	items, err := s.txnrepo.Find(ctx, filter,
		option.WithScope(req.Scope),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize}),
		option.WithDescendingOrder(),
	)
	if err != nil {
		return creditdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(txn *creditdomain.CreditTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        txn.ID.String(),
			CreatedAt: txn.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	txns := make([]creditdomain.CreditTransaction, 0, len(items))
	for _, item := range items {
		txns = append(txns, *item)
	}

	return creditdomain.ListResponse{PageInfo: *pageInfo, Transactions: txns}, nil
}

func (s *Service) RecomputeBalance(ctx context.Context, sc scope.Scope, featureKey string) (int64, error) {
	if err := sc.Validate(); err != nil {
		return 0, err
	}
	agencyID, subAccountID := sc.Columns()

	var sum int64
	err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("agency_id = ? AND sub_account_id = ? AND feature_key = ?", agencyID, subAccountID, strings.TrimSpace(featureKey)).
		Scan(&sum).Error
	return sum, err
}

func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()

	lots, err := s.dueLots(ctx, scope.Scope{}, "", now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lot := range lots {
		lotScope := scopeOf(lot)
		if err := s.expireLot(ctx, lotScope, lot); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// expireDueLots converts expired purchase/bonus lots in one scope into EXPIRY
// transactions. Deterministic per-lot idempotency keys make it safe to run
// from balance reads and the sweep worker concurrently.
func (s *Service) expireDueLots(ctx context.Context, sc scope.Scope, featureKey string, now time.Time, limit int) (int, error) {
	lots, err := s.dueLots(ctx, sc, featureKey, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lot := range lots {
		if err := s.expireLot(ctx, sc, lot); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// dueLots returns expired lots that have no EXPIRY transaction yet. A zero
// scope matches every tenant (sweep worker path).
func (s *Service) dueLots(ctx context.Context, sc scope.Scope, featureKey string, now time.Time, limit int) ([]creditdomain.CreditTransaction, error) {
	q := s.db.WithContext(ctx).
		Where("type IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]creditdomain.TransactionType{creditdomain.TypePurchase, creditdomain.TypeBonus}, now).
		Order("created_at ASC")
	if !sc.IsZero() {
		agencyID, subAccountID := sc.Columns()
		q = q.Where("agency_id = ? AND sub_account_id = ?", agencyID, subAccountID)
	}
	if featureKey != "" {
		q = q.Where("feature_key = ?", featureKey)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var lots []creditdomain.CreditTransaction
	if err := q.Find(&lots).Error; err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(lots))
	for _, lot := range lots {
		keys = append(keys, expiryKey(lot.ID))
	}

	var done []string
	err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Where("idempotency_key IN ?", keys).
		Pluck("idempotency_key", &done).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(done))
	for _, k := range done {
		seen[k] = struct{}{}
	}

	pending := lots[:0]
	for _, lot := range lots {
		if _, ok := seen[expiryKey(lot.ID)]; ok {
			continue
		}
		pending = append(pending, lot)
	}
	return pending, nil
}

func (s *Service) expireLot(ctx context.Context, sc scope.Scope, lot creditdomain.CreditTransaction) error {
	if sc.IsZero() {
		sc = scopeOf(lot)
	}

	err := retry.Do(ctx, s.retryCfg, isRetryableTxnErr, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, txErr := s.applyTxn(tx, sc, lot.FeatureKey, creditdomain.TypeExpiry, expiryKey(lot.ID),
				func(balance int64) int64 {
					// A lot can only expire what deductions have not already
					// consumed; never drive the balance negative.
					magnitude := lot.Amount
					if magnitude > balance {
						magnitude = balance
					}
					if magnitude < 0 {
						magnitude = 0
					}
					return -magnitude
				},
				nil, "credit lot expired",
				map[string]any{"lot_id": lot.ID.String()})
			return txErr
		})
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordCreditTransaction(ctx, string(creditdomain.TypeExpiry))
	}
	return nil
}

// applyTxn is the single write path for the ledger: lock the position row,
// run the idempotency guard, append the transaction and move the materialized
// balance, all inside the caller's transaction.
func (s *Service) applyTxn(
	tx *gorm.DB,
	sc scope.Scope,
	featureKey string,
	typ creditdomain.TransactionType,
	key string,
	signedFor func(balance int64) int64,
	expiresAt *time.Time,
	description string,
	metadata map[string]any,
) (*creditdomain.CreditTransaction, error) {
	pos, err := s.lockPosition(tx, sc, featureKey)
	if err != nil {
		return nil, err
	}

	agencyID, subAccountID := sc.Columns()

	lookup := func(tx *gorm.DB) (*creditdomain.CreditTransaction, error) {
		var existing creditdomain.CreditTransaction
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

	op := func(tx *gorm.DB) (*creditdomain.CreditTransaction, error) {
		signed := signedFor(pos.Balance)
		next := pos.Balance + signed
		if next < 0 && !s.allowNegative {
			return nil, creditdomain.ErrInsufficientBalance
		}

		now := s.clock.Now()
		txn := &creditdomain.CreditTransaction{
			ID:             s.genID.Generate(),
			AgencyID:       agencyID,
			SubAccountID:   subAccountID,
			FeatureKey:     featureKey,
			Type:           typ,
			Amount:         signed,
			BalanceAfter:   next,
			Currency:       s.currency,
			IdempotencyKey: key,
			ExpiresAt:      expiresAt,
			Description:    description,
			CreatedAt:      now,
		}
		if metadata != nil {
			txn.Metadata = datatypes.JSONMap(metadata)
		}
		if err := tx.Create(txn).Error; err != nil {
			return nil, err
		}

		err := tx.Model(&creditdomain.CreditPosition{}).
			Where("agency_id = ? AND sub_account_id = ? AND feature_key = ?", agencyID, subAccountID, featureKey).
			Updates(map[string]any{"balance": next, "updated_at": now}).Error
		if err != nil {
			return nil, err
		}
		return txn, nil
	}

	txn, _, err := idempotency.Execute(tx, lookup, op)
	return txn, err
}

// lockPosition ensures the materialized balance row exists and locks it for
// the duration of the transaction. Sqlite serializes writers itself, so the
// locking clause is skipped there.
func (s *Service) lockPosition(tx *gorm.DB, sc scope.Scope, featureKey string) (*creditdomain.CreditPosition, error) {
	agencyID, subAccountID := sc.Columns()

	seed := creditdomain.CreditPosition{
		ID:           s.genID.Generate(),
		AgencyID:     agencyID,
		SubAccountID: subAccountID,
		FeatureKey:   featureKey,
		Currency:     s.currency,
		UpdatedAt:    s.clock.Now(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "agency_id"}, {Name: "sub_account_id"}, {Name: "feature_key"},
		},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return nil, err
	}

	q := tx.Where("agency_id = ? AND sub_account_id = ? AND feature_key = ?", agencyID, subAccountID, featureKey)
	if !db.IsSQLite(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var pos creditdomain.CreditPosition
	if err := q.First(&pos).Error; err != nil {
		return nil, err
	}
	return &pos, nil
}

func signedAmount(typ creditdomain.TransactionType, amount int64) (int64, error) {
	switch {
	case typ.IsCredit():
		if amount <= 0 {
			return 0, creditdomain.ErrInvalidAmount
		}
		return amount, nil
	case typ.IsDebit():
		if amount <= 0 {
			return 0, creditdomain.ErrInvalidAmount
		}
		return -amount, nil
	default: // TRANSFER / ADJUSTMENT carry their own sign
		if amount == 0 {
			return 0, creditdomain.ErrInvalidAmount
		}
		return amount, nil
	}
}

func isRetryableTxnErr(err error) bool {
	return db.IsLockConflictErr(err) || errors.Is(err, idempotency.ErrInFlight)
}

func expiryKey(lotID snowflake.ID) string {
	return "expiry:" + lotID.String()
}

func scopeOf(txn creditdomain.CreditTransaction) scope.Scope {
	if txn.SubAccountID != 0 {
		return scope.ForSubAccount(txn.AgencyID, txn.SubAccountID)
	}
	return scope.ForAgency(txn.AgencyID)
}
