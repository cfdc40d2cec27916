package db

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/storeforge/internal/config"
	obslogger "github.com/smallbiznis/storeforge/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

// statsRefreshSeconds is how often connection pool stats are exported.
const statsRefreshSeconds = 15

var Module = fx.Module("db",
	fx.Provide(Open),
)

// Open connects gorm using the configured dialect and applies pool limits.
func Open(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(log, obslogger.DefaultGormLoggerConfig()),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	if err := instrument(conn, cfg); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTime) * time.Second)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqlDB.PingContext(ctx)
			},
			OnStop: func(ctx context.Context) error {
				log.Info("closing database connections")
				return sqlDB.Close()
			},
		})
	}

	log.Info("database configured", zap.String("type", cfg.DBType))
	return conn, nil
}

// instrument adds query spans and pool gauges. Bind variables are kept out of
// spans; pool stats go to the default Prometheus registry served on /metrics.
func instrument(conn *gorm.DB, cfg config.Config) error {
	name := cfg.DBName
	if name == "" {
		name = cfg.DBType
	}
	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(name),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return fmt.Errorf("tracing plugin: %w", err)
	}
	return conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          name,
		RefreshInterval: statsRefreshSeconds,
		StartServer:     false,
	}))
}
