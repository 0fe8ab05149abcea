package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/featureboard/internal/delivery"
	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/directory"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/statusgate"
	"github.com/MarcoPoloResearchLab/featureboard/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates the database.
type Config struct {
	Driver string
	// Path is the SQLite file path or DSN.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// ManageDirectoryTables migrates the projects, members, feedback and
	// votes tables. Leave off when the CRUD service owns them.
	ManageDirectoryTables bool
}

// Open connects to the configured database and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := Migrate(db, cfg.ManageDirectoryTables, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}
	return db, nil
}

// Migrate creates the engine's tables and applies pending named migrations.
func Migrate(db *gorm.DB, manageDirectoryTables bool, logger *zap.Logger) error {
	models := []any{
		&preferences.Profile{},
		&preferences.Override{},
		&devices.Endpoint{},
		&statusgate.ProjectStatus{},
		&delivery.Record{},
		&users.Identity{},
		&migrationRecord{},
	}
	if manageDirectoryTables {
		models = append(models, &directory.Project{}, &directory.ProjectMember{}, &directory.Feedback{}, &directory.Vote{})
	}
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
