package task

import (
	"context"
	"fmt"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func registerClient(lc fx.Lifecycle, cfg *config.Config) (*asynq.Client, error) {
	client := asynq.NewClient(redisOpt(cfg))
	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] failed to connect", zap.Error(err))
		return nil, fmt.Errorf("asynq ping: %w", err)
	}

	zap.L().Info("[Asynq] client connected", zap.String("addr", cfg.Redis.Addr))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency:    10,
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
			Queues: map[string]int{
				taskname.QueueCritical: 10,
				taskname.QueueDefault:  5,
				taskname.QueueLow:      3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				zap.L().Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
			}),
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(mux); err != nil {
				zap.L().Error("[Asynq] failed to start server", zap.Error(err))
				return err
			}
			zap.L().Info("[Asynq] server started", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}
