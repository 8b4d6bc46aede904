// Package db provides database connection and migration functionality.
package db

import (
	"fmt"
	stdlog "log"
	"os"

	"blockpool/internal/config"
	"blockpool/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens a database connection using the provided configuration.
// TranslateError is enabled so uniqueness violations surface as
// gorm.ErrDuplicatedKey across dialects.
func Open(cfg config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	}

	switch cfg.DBDialect() {
	case config.DialectPostgres:
		return gorm.Open(postgres.Open(cfg.DBDSN()), gormCfg)
	case config.DialectSQLite:
		return gorm.Open(sqlite.Open(cfg.DBDSN()), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", cfg.DBDialect())
	}
}

// OpenMemory opens an in-memory sqlite database with migrations applied.
// Used by tests and by local development without a DATABASE_URL.
func OpenMemory() (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// AutoMigrate runs database migrations for all models.
func AutoMigrate(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	return gdb.AutoMigrate(
		&models.Round{},
		&models.Guess{},
		&models.PrizeConfig{},
		&models.TransferRecord{},
		&models.AuditEntry{},
	)
}

// newGormLogger configures the GORM logger (Silent to avoid cluttering
// output; only errors will be logged).
func newGormLogger() logger.Interface {
	return logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             0,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
