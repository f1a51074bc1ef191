// Package profile implements the conflict-aware write path for user profile
// fields, the only data with write paths from both stores. Edits declare the
// profile version they were based on; a mismatch is surfaced to the caller
// with the current authoritative state instead of being silently resolved.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrUserNotFound indicates no user row exists for the edit target.
	ErrUserNotFound = errors.New("profile: user not found")
	// ErrNoFields indicates an edit with nothing to change.
	ErrNoFields = errors.New("profile: no fields provided")
)

// EditResult reports the outcome of a profile edit. On rejection the current
// authoritative state is included so the caller can merge and retry.
type EditResult struct {
	Accepted       bool
	CurrentVersion int64
	CurrentFields  map[string]string
}

// ServiceConfig describes the conflict resolver dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies profile edits under optimistic concurrency.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the profile conflict resolver.
func NewService(cfg ServiceConfig) (*Service, error) {
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
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

type profileSnapshot struct {
	LocalUserID    string            `json:"local_user_id"`
	ProfileVersion int64             `json:"profile_version"`
	Fields         map[string]string `json:"fields"`
	Deactivated    bool              `json:"deactivated"`
}

// SnapshotUser serializes the cache-ready projection payload for a user.
func SnapshotUser(user identity.User) ([]byte, error) {
	fields, err := user.Fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(profileSnapshot{
		LocalUserID:    user.LocalUserID,
		ProfileVersion: user.ProfileVersion,
		Fields:         fields,
		Deactivated:    user.DeactivatedAt != nil,
	})
}

// ApplyProfileEdit accepts the edit only if sourceVersion matches the current
// profile version. On acceptance it merges the fields, bumps the version, and
// records a ProfileField outbox event in the same transaction. On mismatch it
// returns accepted=false with the current state; that is a result, not an
// error, and is never retried here.
func (s *Service) ApplyProfileEdit(ctx context.Context, localUserID string, fields map[string]string, sourceVersion int64) (EditResult, error) {
	if len(fields) == 0 {
		return EditResult{}, ErrNoFields
	}

	var result EditResult
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user identity.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("local_user_id = ?", localUserID).
			Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("profile: select user: %w", err)
		}

		current, err := user.Fields()
		if err != nil {
			return fmt.Errorf("profile: decode fields: %w", err)
		}

		if user.ProfileVersion != sourceVersion {
			result = EditResult{
				Accepted:       false,
				CurrentVersion: user.ProfileVersion,
				CurrentFields:  current,
			}
			s.logger.Info("profile edit rejected",
				zap.String("local_user_id", localUserID),
				zap.Int64("source_version", sourceVersion),
				zap.Int64("current_version", user.ProfileVersion))
			return nil
		}

		for name, value := range fields {
			current[name] = value
		}
		encoded, err := identity.EncodeFields(current)
		if err != nil {
			return fmt.Errorf("profile: encode fields: %w", err)
		}

		user.ProfileFields = encoded
		user.ProfileVersion++
		if err := tx.Save(&user).Error; err != nil {
			return fmt.Errorf("profile: save user: %w", err)
		}

		snapshot, err := SnapshotUser(user)
		if err != nil {
			return fmt.Errorf("profile: snapshot: %w", err)
		}
		if err := outbox.Record(tx, outbox.EntityProfileField, user.LocalUserID, outbox.OperationUpdate, user.ProfileVersion, snapshot, now); err != nil {
			return err
		}

		result = EditResult{
			Accepted:       true,
			CurrentVersion: user.ProfileVersion,
			CurrentFields:  current,
		}
		return nil
	})
	if txErr != nil {
		return EditResult{}, txErr
	}
	return result, nil
}

// UsersUpdatedSince lists users whose profile changed inside the
// reconciliation window.
func (s *Service) UsersUpdatedSince(ctx context.Context, since time.Time, limit int) ([]identity.User, error) {
	var users []identity.User
	query := s.db.WithContext(ctx).
		Where("updated_at >= ?", since.UTC()).
		Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
