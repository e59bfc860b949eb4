package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pubky/pubky-app-cache/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite opens the local cache database and brings its schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the cache tables and applies pending one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	schema := append(models.Schema(), &migrationRecord{})
	if err := db.AutoMigrate(schema...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
