package audit

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"authgate/internal/config"
)

func Open(cfg config.AuditConfig) (*gorm.DB, error) {
	// Configure GORM logger based on debug flag
	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	switch cfg.Driver {
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DSN), gormCfg)
	case "sqlite", "sqlite3", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:authgate.db?_busy_timeout=5000"
		}
		return gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Subject{})
}
