package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/gen"
	"licensing-controlplane/pkg/hashistack/secretmanager"
	"licensing-controlplane/pkg/lock"
	"licensing-controlplane/pkg/logger"
	"licensing-controlplane/pkg/otelcol"
	"licensing-controlplane/pkg/profiling"
	"licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/sequence"
	queue "licensing-controlplane/pkg/task"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/fingerprint"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/payment"
	"licensing-controlplane/services/task"
)

func main() {
	opts := []fx.Option{
		secretmanager.Options(),
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		lock.Module,
		sequence.Module,
		gen.Module,
		queue.Client,
		queue.Server,
		fingerprint.Module,
		audit.Module,
		license.Module,
		payment.WorkerModule,
		task.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
