package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(RegisterConnectionPool),
)

// Dialect selects the gorm dialector from DATABASE.TYPE.
func Dialect(cfg *config.Config) gorm.Dialector {
	d := cfg.Database
	switch d.Type {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME)
		return mysql.Open(dsn)
	case "sqlite":
		name := d.DBNAME
		if name == "" {
			name = "license.db"
		}
		return sqlite.Open(name)
	default:
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			d.Host, d.Port, d.User, d.Password, d.DBNAME, d.SSLMode, d.Timezone)
		return postgres.Open(dsn)
	}
}

func New(cfg *config.Config, dialector gorm.Dialector) *gorm.DB {
	var db *gorm.DB
	var err error

	var logLevel logger.LogLevel
	var showSQL bool

	if cfg.AppEnv == "production" {
		logLevel = logger.Warn
		showSQL = false
	} else {
		logLevel = logger.Info
		showSQL = true
	}

	gormLogger := NewZapGormLogger(zap.L(), logLevel, showSQL)

	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger:         gormLogger,
			TranslateError: true,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		})
		if err == nil {
			break
		}
		zap.L().Warn("[DB] Database not ready, retrying in 3 seconds... ", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		zap.L().Error("[DB] Failed to connect to database", zap.Error(err))
		os.Exit(1)
	}

	if err := Otel(db); err != nil {
		zap.L().Warn("[DB] continuing without db telemetry", zap.Error(err))
	}

	if err := Metric(db, cfg); err != nil {
		zap.L().Warn("[DB] continuing without db metrics", zap.Error(err))
	}

	zap.L().Info("[DB] Database connection successfully configured.", zap.String("dialect", dialector.Name()))

	return db
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) {
	sqlDB, err := p.DB.DB()
	if err != nil {
		zap.L().Error("[DB] Failed to get sql.DB from gorm", zap.Error(err))
		os.Exit(1)
	}

	cp := p.Config.Database.ConnectionPool
	sqlDB.SetMaxIdleConns(cp.MaxIdleConn)
	sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[DB] Closing connection pool...")
			return sqlDB.Close()
		},
	})
}

func Otel(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		zap.L().Error("Failed to register db telemetry", zap.Error(err))
		return err
	}

	return nil
}

// Metric exports connection pool stats on the default registry, which the
// API serves on /metrics.
func Metric(db *gorm.DB, cfg *config.Config) error {
	var collectors []prometheus.MetricsCollector
	switch cfg.Database.Type {
	case "mysql":
		collectors = append(collectors, &prometheus.MySQL{VariableNames: []string{"Threads_running"}})
	case "postgres", "":
		collectors = append(collectors, &prometheus.Postgres{VariableNames: []string{"Threads_running"}})
	}

	name := cfg.Database.DBNAME
	if name == "" {
		name = "unknown"
	}

	if err := db.Use(prometheus.New(prometheus.Config{
		DBName:           name,
		RefreshInterval:  15,
		StartServer:      false,
		MetricsCollector: collectors,
	})); err != nil {
		zap.L().Error("Failed to register db metrics", zap.Error(err))
		return err
	}
	return nil
}
