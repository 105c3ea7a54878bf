package logger

import (
	"licensing-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

// New builds the process logger and installs it as the zap global.
func New(p ConfigParams) (*zap.Logger, error) {
	var zc zap.Config
	if p.Cfg != nil && p.Cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.StacktraceKey = "stacktrace"
		zc.EncoderConfig.LevelKey = "severity"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.CallerKey = "caller"
		zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}

	if p.Cfg != nil {
		log = log.With(
			zap.String("env", p.Cfg.AppEnv),
			zap.String("service_name", p.Cfg.AppName),
			zap.String("version", p.Cfg.AppVersion),
		)
	}

	zap.ReplaceGlobals(log)

	return log, nil
}
