package repository

import (
	"context"
	"errors"
	"strings"

	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) entitlementdomain.Repository {
	return &repo{db: db}
}

func (r *repo) Get(ctx context.Context, agencyID snowflake.ID, featureKey string) (*entitlementdomain.Entitlement, error) {
	featureKey = strings.TrimSpace(featureKey)
	if agencyID == 0 || featureKey == "" {
		return nil, nil
	}

	var ent entitlementdomain.Entitlement
	err := r.db.WithContext(ctx).
		Where("agency_id = ? AND feature_key = ?", agencyID, featureKey).
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ent, nil
}

func (r *repo) List(ctx context.Context, agencyID snowflake.ID) ([]entitlementdomain.Entitlement, error) {
	var ents []entitlementdomain.Entitlement
	err := r.db.WithContext(ctx).
		Where("agency_id = ?", agencyID).
		Order("feature_key ASC").
		Find(&ents).Error
	return ents, err
}
