package identity

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Profile field names seeded from identity-provider claims.
const (
	FieldDisplayName = "display_name"
	FieldEmail       = "email"
	FieldAvatarURL   = "avatar_url"
	FieldBio         = "bio"
)

// User maps a federated identity to the durable local account shared by the
// relational store and the document cache. ProfileVersion is bumped on every
// accepted profile write from either side and never decreases.
type User struct {
	LocalUserID       string         `gorm:"column:local_user_id;primaryKey;size:36;not null"`
	ExternalSubjectID string         `gorm:"column:external_subject_id;size:190;not null;uniqueIndex"`
	ProfileVersion    int64          `gorm:"column:profile_version;not null;default:0"`
	ProfileFields     datatypes.JSON `gorm:"column:profile_fields;type:json"`
	LastSyncedAt      *time.Time     `gorm:"column:last_synced_at"`
	DeactivatedAt     *time.Time     `gorm:"column:deactivated_at"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local users.
func (User) TableName() string {
	return "users"
}

// Fields decodes the stored profile field map. A missing column decodes to an
// empty map rather than an error.
func (u User) Fields() (map[string]string, error) {
	if len(u.ProfileFields) == 0 {
		return map[string]string{}, nil
	}
	fields := map[string]string{}
	if err := json.Unmarshal(u.ProfileFields, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// EncodeFields serializes a profile field map for storage.
func EncodeFields(fields map[string]string) (datatypes.JSON, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
