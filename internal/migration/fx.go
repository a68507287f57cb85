package migration

import (
	"github.com/smallbiznis/creditmeter/internal/burnrate"
	"github.com/smallbiznis/creditmeter/internal/config"
	dailylimitdomain "github.com/smallbiznis/creditmeter/internal/dailylimit/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// mysql and sqlite are dev conveniences; gorm derives their
			// schema from the models.
			return conn.AutoMigrate(
				&ledgerdomain.CreditGrant{},
				&ledgerdomain.CreditConsumption{},
				&dailylimitdomain.DailyUsageCounter{},
				&dailylimitdomain.SpendLimit{},
				&burnrate.BurnRateSnapshot{},
				&meteringdomain.MeteringBatch{},
				&entitlementdomain.AddonEntitlement{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
