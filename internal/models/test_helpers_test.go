package models

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "models.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Schema()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(openTestDatabase(t), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}
