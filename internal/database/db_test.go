package database

import (
	"path/filepath"
	"testing"

	gormlogger "gorm.io/gorm/logger"
)

func TestOpen_SQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "changeval.db")

	db, err := Open("sqlite://"+path, gormlogger.Silent)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	defer sqlDB.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, table := range []string{"alerts", "changes", "approved_patches", "validations", "sync_status", "audit_log"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("expected table %s after migration", table)
		}
	}
}
