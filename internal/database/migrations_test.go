package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsLowercasesDevicePlatforms(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&preferences.Profile{}, &preferences.Override{}, &devices.Endpoint{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	legacyEndpoint := devices.Endpoint{
		ID:        "endpoint-1",
		UserID:    "12345",
		Token:     "token-1",
		Platform:  devices.Platform("IOS"),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := database.Create(&legacyEndpoint).Error; err != nil {
		testContext.Fatalf("failed to insert endpoint: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var endpoint devices.Endpoint
	if err := database.Where("id = ?", "endpoint-1").Take(&endpoint).Error; err != nil {
		testContext.Fatalf("failed to reload endpoint: %v", err)
	}
	if endpoint.UserID != "12345" || endpoint.Platform != devices.PlatformIOS {
		testContext.Fatalf("unexpected endpoint after migration: %+v", endpoint)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationLowercaseDevicePlatform).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "once.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&preferences.Profile{}, &preferences.Override{}, &devices.Endpoint{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	late := devices.Endpoint{ID: "endpoint-late", UserID: "user-late", Token: "token-late", Platform: devices.Platform("ANDROID"), Active: true, CreatedAt: now, UpdatedAt: now}
	if err := database.Create(&late).Error; err != nil {
		testContext.Fatalf("failed to insert endpoint: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := database.Model(&devices.Endpoint{}).Where("platform = ?", "ANDROID").Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected applied migration to be skipped on rerun")
	}
}

func TestOpenMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := Open(Config{Driver: "SQLite", Path: databasePath, ManageDirectoryTables: true}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"notification_preferences", "project_notification_overrides", "device_endpoints", "project_status_gates", "delivery_records", "user_identities", "projects", "votes", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}

	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
