package migration

import (
	"strings"

	"github.com/smallbiznis/storeforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(migrateOnStart),
)

// migrateOnStart runs before the server starts. Other databases are expected to be
// provisioned out of band.
func migrateOnStart(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if !strings.EqualFold(cfg.DBType, "postgres") {
		log.Warn("skipping schema migrations", zap.String("db_type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	res, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema ready", zap.Uint("version", res.Version), zap.Bool("applied", res.Applied))
	return nil
}
