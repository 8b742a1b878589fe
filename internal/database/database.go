package database

import (
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/eventchain/indexer/config"
	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/models"
)

// Connect opens the PostgreSQL store, configures the pool and registers
// the metrics callbacks. Tables are migrated when cfg.AutoMigrate is set.
func Connect(cfg config.DatabaseConfig, m *metrics.Metrics) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if m != nil {
		if err := RegisterMetricsHooks(db, m); err != nil {
			return nil, err
		}
	}

	if cfg.AutoMigrate {
		if err := models.SetupModels(db); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Close closes the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
