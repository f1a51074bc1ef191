package database

import (
	"fmt"

	"github.com/floraverse/plantsync/internal/content"
	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/outbox"
	"github.com/floraverse/plantsync/internal/plants"
	"github.com/floraverse/plantsync/internal/syncqueue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported relational drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open establishes the relational connection for the requested driver and
// performs schema migrations. SQLite serves local development and tests;
// Postgres is the production driver.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err == nil {
			sqlDB, rawErr := db.DB()
			if rawErr != nil {
				return nil, rawErr
			}
			sqlDB.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&identity.User{},
		&content.Topic{},
		&content.Reply{},
		&plants.PlantIdentification{},
		&plants.UserPlant{},
		&plants.DiseaseDiagnosis{},
		&plants.Notification{},
		&syncqueue.Item{},
		&outbox.Event{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}
