// Package migration bootstraps the schema at startup. Models own their DDL
// through gorm tags; this keeps dev and test environments in sync without a
// separate migration pipeline.
package migration

import (
	"context"

	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/careline/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or updates every engine table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&sessiondomain.TextSession{},
		&sessiondomain.CallSession{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&appointmentdomain.Appointment{},
	)
}

func run(lc fx.Lifecycle, db *gorm.DB, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := Migrate(db); err != nil {
				return err
			}
			log.Info("schema migration completed")
			return nil
		},
	})
}

var Module = fx.Module("migration",
	fx.Invoke(run),
)
