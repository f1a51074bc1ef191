package content

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
	// ErrTopicNotFound indicates the topic does not exist or was deleted.
	ErrTopicNotFound = errors.New("content: topic not found")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error { return e.err }

// Code returns the stable operation.reason code.
func (e *ServiceError) Code() string { return e.code }

const (
	opServiceNew  = "content.service.new"
	opCreateTopic = "content.create_topic"
	opUpdateTopic = "content.update_topic"
	opCreateReply = "content.create_reply"
	opGetTopic    = "content.get_topic"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies for the forum content service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider identity.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns forum topics and replies in the relational store. Every
// accepted mutation records an outbox event on the same transaction so the
// cache projector can refresh the document store.
type Service struct {
	db     *gorm.DB
	ids    identity.IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the content service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = identity.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, ids: ids, clock: clock, logger: logger}, nil
}

type topicSnapshot struct {
	TopicID    string `json:"topic_id"`
	AuthorID   string `json:"author_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Revision   int64  `json:"revision"`
	ReplyCount int64  `json:"reply_count"`
	Deleted    bool   `json:"deleted"`
	CreatedAt  int64  `json:"created_at_s"`
	UpdatedAt  int64  `json:"updated_at_s"`
}

type replySnapshot struct {
	ReplyID   string `json:"reply_id"`
	TopicID   string `json:"topic_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Revision  int64  `json:"revision"`
	Deleted   bool   `json:"deleted"`
	CreatedAt int64  `json:"created_at_s"`
}

// SnapshotTopic serializes the cache-ready projection payload for a topic.
func SnapshotTopic(topic Topic) ([]byte, error) {
	return json.Marshal(topicSnapshot{
		TopicID:    topic.TopicID,
		AuthorID:   topic.AuthorID,
		Title:      topic.Title,
		Body:       topic.Body,
		Revision:   topic.Revision,
		ReplyCount: topic.ReplyCount,
		Deleted:    topic.DeletedAt != nil,
		CreatedAt:  topic.CreatedAt.Unix(),
		UpdatedAt:  topic.UpdatedAt.Unix(),
	})
}

// CreateTopic inserts a topic and records its projection event atomically.
func (s *Service) CreateTopic(ctx context.Context, authorID, title, body string) (Topic, error) {
	cleanTitle, err := validateTitle(title)
	if err != nil {
		return Topic{}, newServiceError(opCreateTopic, "invalid_title", err)
	}
	cleanBody, err := validateBody(body)
	if err != nil {
		return Topic{}, newServiceError(opCreateTopic, "invalid_body", err)
	}

	topicID, err := s.ids.NewID()
	if err != nil {
		return Topic{}, newServiceError(opCreateTopic, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	topic := Topic{
		TopicID:   topicID,
		AuthorID:  authorID,
		Title:     cleanTitle,
		Body:      cleanBody,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&topic).Error; err != nil {
			return newServiceError(opCreateTopic, "insert_failed", err)
		}
		snapshot, err := SnapshotTopic(topic)
		if err != nil {
			return newServiceError(opCreateTopic, "snapshot_failed", err)
		}
		return outbox.Record(tx, outbox.EntityTopic, topic.TopicID, outbox.OperationCreate, topic.Revision, snapshot, now)
	})
	if txErr != nil {
		s.logError(opCreateTopic, "tx_failed", txErr, zap.String("author_id", authorID))
		return Topic{}, txErr
	}
	return topic, nil
}

// UpdateTopic applies an edit, bumps the revision, and records the event.
func (s *Service) UpdateTopic(ctx context.Context, topicID, title, body string) (Topic, error) {
	cleanID, err := validateID(topicID)
	if err != nil {
		return Topic{}, newServiceError(opUpdateTopic, "invalid_topic_id", err)
	}

	var updated Topic
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var topic Topic
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("topic_id = ? AND deleted_at IS NULL", cleanID).
			Take(&topic).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateTopic, "not_found", ErrTopicNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateTopic, "select_failed", err)
		}

		if title != "" {
			cleanTitle, err := validateTitle(title)
			if err != nil {
				return newServiceError(opUpdateTopic, "invalid_title", err)
			}
			topic.Title = cleanTitle
		}
		if body != "" {
			cleanBody, err := validateBody(body)
			if err != nil {
				return newServiceError(opUpdateTopic, "invalid_body", err)
			}
			topic.Body = cleanBody
		}
		topic.Revision++
		topic.UpdatedAt = now

		if err := tx.Save(&topic).Error; err != nil {
			return newServiceError(opUpdateTopic, "save_failed", err)
		}
		snapshot, err := SnapshotTopic(topic)
		if err != nil {
			return newServiceError(opUpdateTopic, "snapshot_failed", err)
		}
		if err := outbox.Record(tx, outbox.EntityTopic, topic.TopicID, outbox.OperationUpdate, topic.Revision, snapshot, now); err != nil {
			return err
		}
		updated = topic
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateTopic, "tx_failed", txErr, zap.String("topic_id", cleanID))
		return Topic{}, txErr
	}
	return updated, nil
}

// DeleteTopic soft-deletes a topic; the projection receives a tombstone so the
// cache version stays monotone.
func (s *Service) DeleteTopic(ctx context.Context, topicID string) error {
	cleanID, err := validateID(topicID)
	if err != nil {
		return newServiceError(opUpdateTopic, "invalid_topic_id", err)
	}

	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var topic Topic
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("topic_id = ? AND deleted_at IS NULL", cleanID).
			Take(&topic).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateTopic, "not_found", ErrTopicNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateTopic, "select_failed", err)
		}

		topic.DeletedAt = &now
		topic.Revision++
		topic.UpdatedAt = now
		if err := tx.Save(&topic).Error; err != nil {
			return newServiceError(opUpdateTopic, "save_failed", err)
		}
		snapshot, err := SnapshotTopic(topic)
		if err != nil {
			return newServiceError(opUpdateTopic, "snapshot_failed", err)
		}
		return outbox.Record(tx, outbox.EntityTopic, topic.TopicID, outbox.OperationDelete, topic.Revision, snapshot, now)
	})
}

// CreateReply inserts a reply, bumps the parent topic's reply count and
// revision, and records projection events for both rows atomically.
func (s *Service) CreateReply(ctx context.Context, topicID, authorID, body string) (Reply, error) {
	cleanID, err := validateID(topicID)
	if err != nil {
		return Reply{}, newServiceError(opCreateReply, "invalid_topic_id", err)
	}
	cleanBody, err := validateBody(body)
	if err != nil {
		return Reply{}, newServiceError(opCreateReply, "invalid_body", err)
	}
	replyID, err := s.ids.NewID()
	if err != nil {
		return Reply{}, newServiceError(opCreateReply, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	reply := Reply{
		ReplyID:   replyID,
		TopicID:   cleanID,
		AuthorID:  authorID,
		Body:      cleanBody,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var topic Topic
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("topic_id = ? AND deleted_at IS NULL", cleanID).
			Take(&topic).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateReply, "topic_not_found", ErrTopicNotFound)
		}
		if err != nil {
			return newServiceError(opCreateReply, "topic_select_failed", err)
		}

		if err := tx.Create(&reply).Error; err != nil {
			return newServiceError(opCreateReply, "insert_failed", err)
		}

		topic.ReplyCount++
		topic.Revision++
		topic.UpdatedAt = now
		if err := tx.Save(&topic).Error; err != nil {
			return newServiceError(opCreateReply, "topic_save_failed", err)
		}

		replySnap, err := json.Marshal(replySnapshot{
			ReplyID:   reply.ReplyID,
			TopicID:   reply.TopicID,
			AuthorID:  reply.AuthorID,
			Body:      reply.Body,
			Revision:  reply.Revision,
			CreatedAt: reply.CreatedAt.Unix(),
		})
		if err != nil {
			return newServiceError(opCreateReply, "snapshot_failed", err)
		}
		if err := outbox.Record(tx, outbox.EntityReply, reply.ReplyID, outbox.OperationCreate, reply.Revision, replySnap, now); err != nil {
			return err
		}
		topicSnap, err := SnapshotTopic(topic)
		if err != nil {
			return newServiceError(opCreateReply, "snapshot_failed", err)
		}
		return outbox.Record(tx, outbox.EntityTopic, topic.TopicID, outbox.OperationUpdate, topic.Revision, topicSnap, now)
	})
	if txErr != nil {
		s.logError(opCreateReply, "tx_failed", txErr, zap.String("topic_id", cleanID))
		return Reply{}, txErr
	}
	return reply, nil
}

// GetTopic fetches a live topic by id.
func (s *Service) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	var topic Topic
	err := s.db.WithContext(ctx).
		Where("topic_id = ? AND deleted_at IS NULL", topicID).
		Take(&topic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Topic{}, newServiceError(opGetTopic, "not_found", ErrTopicNotFound)
	}
	if err != nil {
		return Topic{}, newServiceError(opGetTopic, "query_failed", err)
	}
	return topic, nil
}

// TopicsUpdatedSince lists topics whose last mutation falls inside the
// reconciliation window, most recent first.
func (s *Service) TopicsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]Topic, error) {
	var topics []Topic
	query := s.db.WithContext(ctx).
		Where("updated_at >= ?", since.UTC()).
		Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&topics).Error; err != nil {
		return nil, err
	}
	return topics, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("content service error", attrs...)
}
