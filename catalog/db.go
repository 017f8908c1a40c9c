package catalog

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDatabase connects gorm to the registry database and tunes the
// connection pool. TranslateError lets unique violations surface as
// gorm.ErrDuplicatedKey regardless of driver.
func OpenDatabase(url string, maxConns int, debug bool) (*gorm.DB, error) {
	level := gormlogger.Silent
	if debug {
		level = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 100
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Migrate creates or updates the persisted schema. Callers append entities
// owned by other packages (the job rows) so one call covers the schema.
func Migrate(db *gorm.DB, extra ...interface{}) error {
	entities := append([]interface{}{&Model{}, &Prediction{}}, extra...)
	if err := db.AutoMigrate(entities...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
