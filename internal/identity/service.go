package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/floraverse/plantsync/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidSubject indicates the claims did not contain a usable subject identifier.
	ErrInvalidSubject = errors.New("identity: invalid subject")
	// ErrUserNotFound indicates no local user exists for the requested id.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrUserDeactivated indicates the local user has been soft-deactivated.
	ErrUserDeactivated = errors.New("identity: user deactivated")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
}

// Service maps external auth subjects to durable local user records.
type Service struct {
	db    *gorm.DB
	ids   IDProvider
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity resolver.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, ids: ids, now: clock}, nil
}

// Resolve returns the local user for the provided external subject, creating
// the record on first sight. The create path is an atomic insert-or-fetch:
// insert with on-conflict-do-nothing against the unique subject index, then
// re-select, so two concurrent first-sight requests converge on one user. It
// fails closed when the relational store is unreachable.
func (s *Service) Resolve(ctx context.Context, claims auth.IdentityClaims) (User, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return User{}, ErrInvalidSubject
	}

	if cached, ok := s.cache.Load(subject); ok {
		if localID, ok := cached.(string); ok {
			user, err := s.byLocalID(ctx, localID)
			if err == nil && user.DeactivatedAt == nil {
				return user, nil
			}
			s.cache.Delete(subject)
			if err == nil {
				return User{}, ErrUserDeactivated
			}
		}
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("external_subject_id = ?", subject).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		localID, idErr := s.ids.NewID()
		if idErr != nil {
			return User{}, idErr
		}
		fields, encErr := EncodeFields(seedFields(claims))
		if encErr != nil {
			return User{}, encErr
		}
		candidate := User{
			LocalUserID:       localID,
			ExternalSubjectID: subject,
			ProfileVersion:    0,
			ProfileFields:     fields,
		}
		insert := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_subject_id"}},
				DoNothing: true,
			}).
			Create(&candidate)
		if insert.Error != nil {
			return User{}, insert.Error
		}
		if err := s.db.WithContext(ctx).
			Where("external_subject_id = ?", subject).
			First(&user).Error; err != nil {
			return User{}, err
		}
	} else if err != nil {
		return User{}, err
	}

	if user.DeactivatedAt != nil {
		return User{}, ErrUserDeactivated
	}

	s.cache.Store(subject, user.LocalUserID)
	return user, nil
}

// ByLocalID fetches a user by its durable local id.
func (s *Service) ByLocalID(ctx context.Context, localUserID string) (User, error) {
	return s.byLocalID(ctx, localUserID)
}

func (s *Service) byLocalID(ctx context.Context, localUserID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("local_user_id = ?", localUserID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Deactivate soft-deactivates a user. Records are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, localUserID string) error {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("local_user_id = ? AND deactivated_at IS NULL", localUserID).
		Update("deactivated_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkSynced stamps the last successful sync cycle for a user.
func (s *Service) MarkSynced(ctx context.Context, localUserID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("local_user_id = ?", localUserID).
		Update("last_synced_at", at.UTC()).Error
}

func seedFields(claims auth.IdentityClaims) map[string]string {
	fields := map[string]string{}
	if name := normalize(claims.DisplayName); name != "" {
		fields[FieldDisplayName] = name
	}
	if email := normalize(claims.Email); email != "" {
		fields[FieldEmail] = email
	}
	if avatar := normalize(claims.AvatarURL); avatar != "" {
		fields[FieldAvatarURL] = avatar
	}
	return fields
}
