package database

import (
	"errors"
	"time"

	"github.com/floraverse/plantsync/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillQueueNextAttempt = "2026-07-21_backfill_queue_next_attempt"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillQueueNextAttempt, apply: backfillQueueNextAttempt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the retry scheduler existed have a zero next_attempt_at
// and would never be claimed. Make them immediately eligible.
func backfillQueueNextAttempt(db *gorm.DB) error {
	return db.Model(&syncqueue.Item{}).
		Where("next_attempt_at IS NULL OR next_attempt_at = ?", time.Time{}).
		Update("next_attempt_at", gorm.Expr("created_at")).Error
}
