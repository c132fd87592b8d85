package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite://"

// Open opens a gorm connection for dsn. A "sqlite://<path>" DSN selects the
// embedded SQLite driver, anything else is handed to the PostgreSQL driver.
func Open(dsn string, logLevel gormlogger.LogLevel) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	if strings.HasPrefix(dsn, sqlitePrefix) {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return gorm.Open(sqlite.Open(path), cfg)
	}
	return gorm.Open(postgres.Open(dsn), cfg)
}

// Migrate creates or updates every table on db.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Alert{},
		&Change{},
		&ApprovedPatch{},
		&Validation{},
		&SyncStatus{},
		&AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func newUUID() string {
	return uuid.New().String()
}
