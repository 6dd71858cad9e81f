package migration

import (
	"github.com/agencyos/metering/internal/config"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite and mysql are dev conveniences; let gorm shape the schema.
			return conn.AutoMigrate(
				&entitlementdomain.Entitlement{},
				&usagedomain.UsageEvent{},
				&creditdomain.CreditTransaction{},
				&creditdomain.CreditPosition{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
