package outbox

import (
	"time"

	"gorm.io/datatypes"
)

// EntityType enumerates relational entities projected into the document cache.
type EntityType string

const (
	EntityTopic               EntityType = "Topic"
	EntityReply               EntityType = "Reply"
	EntityProfileField        EntityType = "ProfileField"
	EntityPlantIdentification EntityType = "PlantIdentification"
	EntityUserPlant           EntityType = "UserPlant"
	EntityDiseaseDiagnosis    EntityType = "DiseaseDiagnosis"
)

// Operation enumerates the mutation kinds captured for projection.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// Event is one committed relational mutation awaiting projection. Rows are
// written in the same transaction as the business data and deleted once the
// cache write is durably acknowledged. EventID assignment order is commit
// order, which gives the per-entity total order the projector relies on.
type Event struct {
	EventID       int64          `gorm:"column:event_id;primaryKey;autoIncrement"`
	EntityType    EntityType     `gorm:"column:entity_type;size:64;not null;index:idx_outbox_entity,priority:1"`
	EntityID      string         `gorm:"column:entity_id;size:190;not null;index:idx_outbox_entity,priority:2"`
	Operation     Operation      `gorm:"column:op;size:16;not null"`
	SourceVersion int64          `gorm:"column:source_version;not null"`
	Snapshot      datatypes.JSON `gorm:"column:snapshot;type:json"`
	EmittedAt     time.Time      `gorm:"column:emitted_at;not null;index"`
}

// TableName exposes the outbox table.
func (Event) TableName() string {
	return "change_outbox"
}
