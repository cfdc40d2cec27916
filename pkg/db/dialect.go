package db

import (
	"fmt"
	"net"
	"strings"

	"github.com/smallbiznis/storeforge/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver for DATABASE_TYPE. DATABASE_URL, when set,
// is handed to the driver verbatim instead of the assembled DSN.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.DBType))
	dsn, err := DSN(kind, cfg)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// DSN renders the connection string for the given driver kind.
func DSN(kind string, cfg config.Config) (string, error) {
	if url := strings.TrimSpace(cfg.DBURL); url != "" {
		return url, nil
	}
	switch kind {
	case "postgres":
		sslMode := cfg.DBSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, net.JoinHostPort(cfg.DBHost, cfg.DBPort), cfg.DBName), nil
	case "sqlite":
		if cfg.DBPath == "" {
			return "", fmt.Errorf("sqlite: DATABASE_PATH is empty")
		}
		return cfg.DBPath, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}
