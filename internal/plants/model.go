package plants

import (
	"time"

	"gorm.io/datatypes"
)

// PlantIdentification is a mobile-originated identification request landed in
// the relational store. ExternalRef is the sync-queue item id that created the
// row; replaying that item updates rather than duplicates. Candidates holds
// the ranked result set returned by the external classifier.
type PlantIdentification struct {
	EntityID       string         `gorm:"column:entity_id;primaryKey;size:36;not null"`
	OwnerUserID    string         `gorm:"column:owner_user_id;size:36;not null;index"`
	ExternalRef    string         `gorm:"column:external_ref;size:36;not null;uniqueIndex"`
	LastAppliedRef string         `gorm:"column:last_applied_ref;size:36;not null"`
	Revision       int64          `gorm:"column:revision;not null;default:1"`
	ImageRef       string         `gorm:"column:image_ref;size:512"`
	Candidates     datatypes.JSON `gorm:"column:candidates;type:json"`
	DeletedAt      *time.Time     `gorm:"column:deleted_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime;index"`
}

// TableName exposes the table backing identifications.
func (PlantIdentification) TableName() string {
	return "plant_identifications"
}

// UserPlant is one plant in a user's collection.
type UserPlant struct {
	EntityID       string         `gorm:"column:entity_id;primaryKey;size:36;not null"`
	OwnerUserID    string         `gorm:"column:owner_user_id;size:36;not null;index"`
	ExternalRef    string         `gorm:"column:external_ref;size:36;not null;uniqueIndex"`
	LastAppliedRef string         `gorm:"column:last_applied_ref;size:36;not null"`
	Revision       int64          `gorm:"column:revision;not null;default:1"`
	Nickname       string         `gorm:"column:nickname;size:190"`
	Species        string         `gorm:"column:species;size:190"`
	Attributes     datatypes.JSON `gorm:"column:attributes;type:json"`
	DeletedAt      *time.Time     `gorm:"column:deleted_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime;index"`
}

// TableName exposes the table backing user plant collections.
func (UserPlant) TableName() string {
	return "user_plants"
}

// DiseaseDiagnosis is a mobile-originated disease diagnosis record.
type DiseaseDiagnosis struct {
	EntityID       string         `gorm:"column:entity_id;primaryKey;size:36;not null"`
	OwnerUserID    string         `gorm:"column:owner_user_id;size:36;not null;index"`
	ExternalRef    string         `gorm:"column:external_ref;size:36;not null;uniqueIndex"`
	LastAppliedRef string         `gorm:"column:last_applied_ref;size:36;not null"`
	Revision       int64          `gorm:"column:revision;not null;default:1"`
	PlantEntityID  string         `gorm:"column:plant_entity_id;size:36;index"`
	Diagnosis      datatypes.JSON `gorm:"column:diagnosis;type:json"`
	DeletedAt      *time.Time     `gorm:"column:deleted_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime;index"`
}

// TableName exposes the table backing diagnoses.
func (DiseaseDiagnosis) TableName() string {
	return "disease_diagnoses"
}

// Notification is an enqueued notification record. Delivery is out of scope;
// only the enqueue side exists here.
type Notification struct {
	NotificationID int64          `gorm:"column:notification_id;primaryKey;autoIncrement"`
	UserID         string         `gorm:"column:user_id;size:36;not null;index"`
	Kind           string         `gorm:"column:kind;size:64;not null"`
	Body           datatypes.JSON `gorm:"column:body;type:json"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the notifications table.
func (Notification) TableName() string {
	return "notifications"
}
