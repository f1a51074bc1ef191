package plants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/floraverse/plantsync/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")

	// ErrBadPayload indicates a payload that can never be applied; the caller
	// must treat the item as terminally failed, not retry it.
	ErrBadPayload = errors.New("plants: malformed payload")
	// ErrEntityNotFound indicates an update or delete referencing a row that
	// does not exist; also permanent.
	ErrEntityNotFound = errors.New("plants: entity not found")
)

// ApplyOutcome reports what an idempotent apply did.
type ApplyOutcome struct {
	Applied  bool // false means the item id was already applied (replay)
	EntityID string
	Revision int64
}

// upsertPayload is the wire shape every queued mobile write carries.
type upsertPayload struct {
	EntityID   string          `json:"entity_id"`
	ImageRef   string          `json:"image_ref,omitempty"`
	Candidates json.RawMessage `json:"candidates,omitempty"`
	Nickname   string          `json:"nickname,omitempty"`
	Species    string          `json:"species,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	PlantID    string          `json:"plant_entity_id,omitempty"`
	Diagnosis  json.RawMessage `json:"diagnosis,omitempty"`
}

// StoreConfig describes the relational apply-side dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store lands mobile-originated entities in the relational store. Every apply
// is idempotent with respect to the sync-queue item id: the creating id is
// kept as the row's external reference and the most recent id as
// last_applied_ref, so replaying an item after a crashed worker is a no-op.
// Applied changes record outbox events on the same transaction, which is how
// accepted mobile writes flow back into the document cache.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the relational apply store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func decodePayload(payload []byte) (upsertPayload, error) {
	var decoded upsertPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return upsertPayload{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if decoded.EntityID == "" {
		return upsertPayload{}, fmt.Errorf("%w: missing entity_id", ErrBadPayload)
	}
	return decoded, nil
}

// ApplyIdentificationCreate lands an identification request. Replays of the
// same item id return Applied=false without touching the row.
func (s *Store) ApplyIdentificationCreate(ctx context.Context, ownerID, itemID string, payload []byte) (ApplyOutcome, error) {
	decoded, err := decodePayload(payload)
	if err != nil {
		return ApplyOutcome{}, err
	}

	var outcome ApplyOutcome
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PlantIdentification
		err := tx.Where("external_ref = ?", itemID).Take(&existing).Error
		if err == nil {
			outcome = ApplyOutcome{Applied: false, EntityID: existing.EntityID, Revision: existing.Revision}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row := PlantIdentification{
			EntityID:       decoded.EntityID,
			OwnerUserID:    ownerID,
			ExternalRef:    itemID,
			LastAppliedRef: itemID,
			Revision:       1,
			ImageRef:       decoded.ImageRef,
			Candidates:     jsonOrNull(decoded.Candidates),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		snapshot, err := snapshotIdentification(row)
		if err != nil {
			return err
		}
		if err := outbox.Record(tx, outbox.EntityPlantIdentification, row.EntityID, outbox.OperationCreate, row.Revision, snapshot, now); err != nil {
			return err
		}
		outcome = ApplyOutcome{Applied: true, EntityID: row.EntityID, Revision: row.Revision}
		return nil
	})
	if txErr != nil {
		return ApplyOutcome{}, txErr
	}
	return outcome, nil
}

// ApplyUserPlant applies a create, update or delete to a user's plant
// collection, idempotently with respect to itemID.
func (s *Store) ApplyUserPlant(ctx context.Context, ownerID, itemID, op string, payload []byte) (ApplyOutcome, error) {
	decoded, err := decodePayload(payload)
	if err != nil {
		return ApplyOutcome{}, err
	}

	var outcome ApplyOutcome
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row UserPlant
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ? AND owner_user_id = ?", decoded.EntityID, ownerID).
			Take(&row).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !missing {
			return err
		}

		if !missing && row.LastAppliedRef == itemID {
			outcome = ApplyOutcome{Applied: false, EntityID: row.EntityID, Revision: row.Revision}
			return nil
		}

		switch op {
		case "Create":
			if !missing {
				// Same entity created earlier by a different item; treat the
				// re-create as already landed.
				outcome = ApplyOutcome{Applied: false, EntityID: row.EntityID, Revision: row.Revision}
				return nil
			}
			row = UserPlant{
				EntityID:       decoded.EntityID,
				OwnerUserID:    ownerID,
				ExternalRef:    itemID,
				LastAppliedRef: itemID,
				Revision:       1,
				Nickname:       decoded.Nickname,
				Species:        decoded.Species,
				Attributes:     jsonOrNull(decoded.Attributes),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case "Update":
			if missing {
				return ErrEntityNotFound
			}
			if decoded.Nickname != "" {
				row.Nickname = decoded.Nickname
			}
			if decoded.Species != "" {
				row.Species = decoded.Species
			}
			if len(decoded.Attributes) > 0 {
				row.Attributes = jsonOrNull(decoded.Attributes)
			}
			row.LastAppliedRef = itemID
			row.Revision++
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		case "Delete":
			if missing {
				return ErrEntityNotFound
			}
			row.DeletedAt = &now
			row.LastAppliedRef = itemID
			row.Revision++
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown operation %q", ErrBadPayload, op)
		}

		snapshot, err := snapshotUserPlant(row)
		if err != nil {
			return err
		}
		if err := outbox.Record(tx, outbox.EntityUserPlant, row.EntityID, outbox.Operation(op), row.Revision, snapshot, now); err != nil {
			return err
		}
		outcome = ApplyOutcome{Applied: true, EntityID: row.EntityID, Revision: row.Revision}
		return nil
	})
	if txErr != nil {
		return ApplyOutcome{}, txErr
	}
	return outcome, nil
}

// ApplyDiagnosis lands or amends a disease diagnosis, idempotently.
func (s *Store) ApplyDiagnosis(ctx context.Context, ownerID, itemID, op string, payload []byte) (ApplyOutcome, error) {
	decoded, err := decodePayload(payload)
	if err != nil {
		return ApplyOutcome{}, err
	}

	var outcome ApplyOutcome
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DiseaseDiagnosis
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ? AND owner_user_id = ?", decoded.EntityID, ownerID).
			Take(&row).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !missing {
			return err
		}

		if !missing && row.LastAppliedRef == itemID {
			outcome = ApplyOutcome{Applied: false, EntityID: row.EntityID, Revision: row.Revision}
			return nil
		}

		switch op {
		case "Create":
			if !missing {
				outcome = ApplyOutcome{Applied: false, EntityID: row.EntityID, Revision: row.Revision}
				return nil
			}
			row = DiseaseDiagnosis{
				EntityID:       decoded.EntityID,
				OwnerUserID:    ownerID,
				ExternalRef:    itemID,
				LastAppliedRef: itemID,
				Revision:       1,
				PlantEntityID:  decoded.PlantID,
				Diagnosis:      jsonOrNull(decoded.Diagnosis),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case "Update":
			if missing {
				return ErrEntityNotFound
			}
			if len(decoded.Diagnosis) > 0 {
				row.Diagnosis = jsonOrNull(decoded.Diagnosis)
			}
			row.LastAppliedRef = itemID
			row.Revision++
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		case "Delete":
			if missing {
				return ErrEntityNotFound
			}
			row.DeletedAt = &now
			row.LastAppliedRef = itemID
			row.Revision++
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown operation %q", ErrBadPayload, op)
		}

		snapshot, err := snapshotDiagnosis(row)
		if err != nil {
			return err
		}
		if err := outbox.Record(tx, outbox.EntityDiseaseDiagnosis, row.EntityID, outbox.Operation(op), row.Revision, snapshot, now); err != nil {
			return err
		}
		outcome = ApplyOutcome{Applied: true, EntityID: row.EntityID, Revision: row.Revision}
		return nil
	})
	if txErr != nil {
		return ApplyOutcome{}, txErr
	}
	return outcome, nil
}

// Notify enqueues a notification record for the user.
func (s *Store) Notify(ctx context.Context, userID, kind string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&Notification{
		UserID: userID,
		Kind:   kind,
		Body:   raw,
	}).Error
}

// CountIdentificationsByRef reports how many identification rows carry the
// given external reference. Used by tests and reconciliation sanity checks.
func (s *Store) CountIdentificationsByRef(ctx context.Context, externalRef string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PlantIdentification{}).
		Where("external_ref = ?", externalRef).
		Count(&count).Error
	return count, err
}

func jsonOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func snapshotIdentification(row PlantIdentification) ([]byte, error) {
	return json.Marshal(map[string]any{
		"entity_id":     row.EntityID,
		"owner_user_id": row.OwnerUserID,
		"image_ref":     row.ImageRef,
		"candidates":    json.RawMessage(jsonOrNullDefault(row.Candidates)),
		"revision":      row.Revision,
		"deleted":       row.DeletedAt != nil,
	})
}

func snapshotUserPlant(row UserPlant) ([]byte, error) {
	return json.Marshal(map[string]any{
		"entity_id":     row.EntityID,
		"owner_user_id": row.OwnerUserID,
		"nickname":      row.Nickname,
		"species":       row.Species,
		"attributes":    json.RawMessage(jsonOrNullDefault(row.Attributes)),
		"revision":      row.Revision,
		"deleted":       row.DeletedAt != nil,
	})
}

func snapshotDiagnosis(row DiseaseDiagnosis) ([]byte, error) {
	return json.Marshal(map[string]any{
		"entity_id":       row.EntityID,
		"owner_user_id":   row.OwnerUserID,
		"plant_entity_id": row.PlantEntityID,
		"diagnosis":       json.RawMessage(jsonOrNullDefault(row.Diagnosis)),
		"revision":        row.Revision,
		"deleted":         row.DeletedAt != nil,
	})
}

func jsonOrNullDefault(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
