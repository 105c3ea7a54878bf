package migrate

import (
	"context"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/payment"
	"licensing-controlplane/services/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates the schema on start when DATABASE.AUTO_MIGRATE is set.
var Module = fx.Module("migrate", fx.Invoke(onStart))

// Models lists every table owned by the service, parents first.
func Models() []any {
	return []any{
		&license.Customer{},
		&license.License{},
		&audit.Entry{},
		&payment.ProcessedEvent{},
		&task.Job{},
	}
}

func Run(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[DB] migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[DB] schema migrated", zap.Int("models", len(Models())))
	return nil
}

func onStart(lc fx.Lifecycle, cfg *config.Config, db *gorm.DB) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return Run(ctx, db)
		},
	})
}
