package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("outbox: database handle is required")
	errMissingTx       = errors.New("outbox: transaction handle is required")
	errEmptyEntityID   = errors.New("outbox: entity id is required")
)

// Record appends a change event on the provided transaction. It must run on
// the same transaction as the business write it describes; a post-commit
// emission would lose the event on a crash between commit and emit.
func Record(tx *gorm.DB, entityType EntityType, entityID string, op Operation, sourceVersion int64, snapshot []byte, emittedAt time.Time) error {
	if tx == nil {
		return errMissingTx
	}
	if entityID == "" {
		return errEmptyEntityID
	}
	event := Event{
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     op,
		SourceVersion: sourceVersion,
		Snapshot:      snapshot,
		EmittedAt:     emittedAt.UTC(),
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("outbox: record event: %w", err)
	}
	return nil
}

// Service drains recorded events for the cache projector.
type Service struct {
	db *gorm.DB
}

// NewService constructs the outbox drain service.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Service{db: db}, nil
}

// Pending returns up to limit events in event id order. Events stay in the
// table until acknowledged; redelivery after a projector crash is expected
// and handled by the idempotent cache apply.
func (s *Service) Pending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := s.db.WithContext(ctx).
		Order("event_id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Ack discards events whose cache write has been durably acknowledged.
func (s *Service) Ack(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("event_id IN ?", eventIDs).
		Delete(&Event{}).Error
}

// PendingCount reports the current backlog depth.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Event{}).Count(&count).Error
	return count, err
}
