package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/internal/migrate"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/gen"
	"licensing-controlplane/pkg/hashistack/secretmanager"
	"licensing-controlplane/pkg/hashistack/servicediscover"
	"licensing-controlplane/pkg/health"
	"licensing-controlplane/pkg/httpapi"
	"licensing-controlplane/pkg/lock"
	"licensing-controlplane/pkg/logger"
	"licensing-controlplane/pkg/otelcol"
	"licensing-controlplane/pkg/profiling"
	"licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/pkg/server"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/services/admin"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/fingerprint"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/payment"
)

func main() {
	opts := []fx.Option{
		secretmanager.Options(),
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		migrate.Module,
		redis.Module,
		lock.Module,
		sequence.Module,
		gen.Module,
		task.Client,
		featureflags.Module,
		fingerprint.Module,
		audit.Module,
		license.ServerModule,
		payment.ServerModule,
		admin.ServerModule,
		health.Module,
		httpapi.Module,
		server.Module,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
