package option

import (
	"time"

	"github.com/agencyos/metering/internal/scope"
	"github.com/bwmarrin/snowflake"
	"github.com/agencyos/metering/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies a cursor page to the statement. One extra row is
// fetched so the caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 50
		}
		if size > 250 {
			size = 250
		}

		if p.PageToken != "" {
			cursor, err := pagination.DecodeCursor(p.PageToken)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				// Bind a time value so the comparison matches the driver's
				// stored representation across dialects.
				if at, perr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); perr == nil {
					if id, ierr := snowflake.ParseString(cursor.ID); ierr == nil {
						db = db.Where("(created_at, id) < (?, ?)", at, id.Int64())
					}
				}
			}
		}

		return db.Limit(size + 1)
	})
}

// WithDescendingOrder sorts by created_at then id, newest first, matching the
// cursor comparison in ApplyPagination.
func WithDescendingOrder() QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at DESC, id DESC")
	})
}

// WithScope restricts the statement to one tenant scope. The sub-account
// column is matched even when zero, so agency-level rows never mix with
// sub-account rows.
func WithScope(sc scope.Scope) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		agencyID, subAccountID := sc.Columns()
		return db.Where("agency_id = ? AND sub_account_id = ?", agencyID, subAccountID)
	})
}

