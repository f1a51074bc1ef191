package syncqueue

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// EntityType enumerates the mobile-originated writes the queue accepts.
type EntityType string

const (
	EntityPlantIdentification EntityType = "PlantIdentification"
	EntityUserPlant           EntityType = "UserPlant"
	EntityDiseaseDiagnosis    EntityType = "DiseaseDiagnosis"
	EntityProfileEdit         EntityType = "ProfileEdit"
)

// Operation enumerates queued mutation kinds.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// Status is the queue item lifecycle state.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

var (
	// ErrItemNotFound indicates no queue row exists for the item id.
	ErrItemNotFound = errors.New("syncqueue: item not found")
	// ErrUnknownEntityType rejects enqueue requests outside the enum.
	ErrUnknownEntityType = errors.New("syncqueue: unknown entity type")
	// ErrUnknownOperation rejects enqueue requests outside the enum.
	ErrUnknownOperation = errors.New("syncqueue: unknown operation")
	// ErrNotProcessing indicates a completion or failure report for an item
	// that is not currently claimed.
	ErrNotProcessing = errors.New("syncqueue: item not in processing state")
)

// Item is one pending or in-flight document-store write awaiting relational
// application. ItemID is the idempotency key: enqueueing the same id twice
// returns the original row unchanged. Seq is a per-(owner, entity type)
// monotonic sequence; items in one lane are dispatched in seq order so a
// later write never overtakes an earlier one for the same logical entity.
type Item struct {
	ItemID         string         `gorm:"column:item_id;primaryKey;size:36;not null"`
	OwnerUserID    string         `gorm:"column:owner_user_id;size:36;not null;index:idx_queue_lane,priority:1"`
	EntityType     EntityType     `gorm:"column:entity_type;size:32;not null;index:idx_queue_lane,priority:2"`
	Operation      Operation      `gorm:"column:op;size:16;not null"`
	Payload        datatypes.JSON `gorm:"column:payload;type:json"`
	Status         Status         `gorm:"column:status;size:16;not null;index:idx_queue_scan,priority:1"`
	Seq            int64          `gorm:"column:seq;not null;index:idx_queue_lane,priority:3"`
	Attempts       int            `gorm:"column:attempts;not null;default:0"`
	LastError      string         `gorm:"column:last_error;size:1024"`
	LeaseExpiresAt *time.Time     `gorm:"column:lease_expires_at"`
	NextAttemptAt  time.Time      `gorm:"column:next_attempt_at;not null;index"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime;index:idx_queue_scan,priority:2"`
	CompletedAt    *time.Time     `gorm:"column:completed_at"`
}

// TableName exposes the sync queue table.
func (Item) TableName() string {
	return "sync_queue_items"
}

// Terminal reports whether the item can no longer change state.
func (i Item) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

func validEntityType(entityType EntityType) bool {
	switch entityType {
	case EntityPlantIdentification, EntityUserPlant, EntityDiseaseDiagnosis, EntityProfileEdit:
		return true
	default:
		return false
	}
}

func validOperation(op Operation) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}
