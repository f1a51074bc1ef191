package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxAttempts = 8
	defaultLease       = 30 * time.Second
	defaultRetryBase   = 2 * time.Second
	defaultRetryCap    = 5 * time.Minute
	jitterFraction     = 0.2
)

// laneBlockCondition keeps a lane (owner + entity type) in enqueue order: an
// item is claimable only when no earlier unfinished sibling exists. Terminal
// Failed items do not block the lane.
const laneBlockCondition = `NOT EXISTS (
	SELECT 1 FROM sync_queue_items AS earlier
	WHERE earlier.owner_user_id = sync_queue_items.owner_user_id
	  AND earlier.entity_type = sync_queue_items.entity_type
	  AND earlier.seq < sync_queue_items.seq
	  AND earlier.status IN (?, ?)
)`

// QueueConfig describes queue tunables and dependencies.
type QueueConfig struct {
	Database    *gorm.DB
	MaxAttempts int
	Lease       time.Duration
	RetryBase   time.Duration
	RetryCap    time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Queue is the durable, per-item retryable work queue feeding the sync
// worker. Claims use lease semantics: a crashed worker's batch becomes
// reclaimable once its lease expires.
type Queue struct {
	db          *gorm.DB
	maxAttempts int
	lease       time.Duration
	retryBase   time.Duration
	retryCap    time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewQueue constructs the sync queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errors.New("syncqueue: database handle is required")
	}
	q := &Queue{
		db:          cfg.Database,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		retryBase:   cfg.RetryBase,
		retryCap:    cfg.RetryCap,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}
	if q.lease <= 0 {
		q.lease = defaultLease
	}
	if q.retryBase <= 0 {
		q.retryBase = defaultRetryBase
	}
	if q.retryCap <= 0 {
		q.retryCap = defaultRetryCap
	}
	if q.clock == nil {
		q.clock = time.Now
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	return q, nil
}

// EnqueueRequest is the caller-facing enqueue input. ItemID may be supplied
// by the client so that retried HTTP requests stay idempotent; when empty a
// server id is generated.
type EnqueueRequest struct {
	ItemID      string
	OwnerUserID string
	EntityType  EntityType
	Operation   Operation
	Payload     []byte
}

// Enqueue inserts the item, or returns the existing row when the item id was
// seen before. The second return reports whether a new row was created.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Item, bool, error) {
	if !validEntityType(req.EntityType) {
		return Item{}, false, fmt.Errorf("%w: %q", ErrUnknownEntityType, req.EntityType)
	}
	if !validOperation(req.Operation) {
		return Item{}, false, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Operation)
	}
	if req.OwnerUserID == "" {
		return Item{}, false, errors.New("syncqueue: owner user id is required")
	}

	itemID := req.ItemID
	if itemID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return Item{}, false, err
		}
		itemID = generated.String()
	}

	now := q.clock().UTC()
	var item Item
	created := false
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&Item{}).
			Where("owner_user_id = ? AND entity_type = ?", req.OwnerUserID, req.EntityType).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		candidate := Item{
			ItemID:        itemID,
			OwnerUserID:   req.OwnerUserID,
			EntityType:    req.EntityType,
			Operation:     req.Operation,
			Payload:       req.Payload,
			Status:        StatusPending,
			Seq:           maxSeq + 1,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}},
			DoNothing: true,
		}).Create(&candidate)
		if insert.Error != nil {
			return insert.Error
		}
		created = insert.RowsAffected > 0

		return tx.Where("item_id = ?", itemID).Take(&item).Error
	})
	if txErr != nil {
		return Item{}, false, txErr
	}
	return item, created, nil
}

// DequeueBatch atomically claims up to max items, transitioning them to
// Processing with a fresh lease. Items whose lease expired while Processing
// are reclaimable. Lane ordering is enforced by laneBlockCondition, so a
// batch never contains two items of the same lane.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]Item, error) {
	if max <= 0 {
		max = 1
	}

	now := q.clock().UTC()
	leaseUntil := now.Add(q.lease)
	var claimed []Item
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Item
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)",
				StatusPending, now, StatusProcessing, now).
			Where(laneBlockCondition, StatusPending, StatusProcessing).
			Order("created_at ASC, seq ASC").
			Limit(max).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for i := range candidates {
			update := tx.Model(&Item{}).
				Where("item_id = ? AND status IN (?, ?)", candidates[i].ItemID, StatusPending, StatusProcessing).
				Updates(map[string]any{
					"status":           StatusProcessing,
					"lease_expires_at": leaseUntil,
				})
			if update.Error != nil {
				return update.Error
			}
			if update.RowsAffected == 0 {
				continue
			}
			candidates[i].Status = StatusProcessing
			candidates[i].LeaseExpiresAt = &leaseUntil
			claimed = append(claimed, candidates[i])
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return claimed, nil
}

// MarkCompleted finalizes a claimed item. Replays against an already
// completed item are treated as success.
func (q *Queue) MarkCompleted(ctx context.Context, itemID string) error {
	now := q.clock().UTC()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := takeItem(tx, itemID)
		if err != nil {
			return err
		}
		if item.Status == StatusCompleted {
			return nil
		}
		if item.Status != StatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrNotProcessing, itemID, item.Status)
		}
		return tx.Model(&Item{}).
			Where("item_id = ?", itemID).
			Updates(map[string]any{
				"status":           StatusCompleted,
				"completed_at":     now,
				"lease_expires_at": nil,
				"last_error":       "",
			}).Error
	})
}

// MarkFailed records a transient failure: attempts is incremented and the
// item is rescheduled with exponential backoff, or parked in the terminal
// Failed state once the attempt cap is exhausted.
func (q *Queue) MarkFailed(ctx context.Context, itemID string, cause error) error {
	now := q.clock().UTC()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := takeItem(tx, itemID)
		if err != nil {
			return err
		}
		if item.Terminal() {
			return nil
		}

		attempts := item.Attempts + 1
		updates := map[string]any{
			"attempts":         attempts,
			"last_error":       truncateError(cause),
			"lease_expires_at": nil,
		}
		if attempts >= q.maxAttempts {
			updates["status"] = StatusFailed
			q.logger.Warn("queue item exhausted retries",
				zap.String("item_id", itemID),
				zap.Int("attempts", attempts),
				zap.NamedError("cause", cause))
		} else {
			updates["status"] = StatusPending
			updates["next_attempt_at"] = now.Add(q.backoff(attempts))
		}
		return tx.Model(&Item{}).Where("item_id = ?", itemID).Updates(updates).Error
	})
}

// MarkInvalid parks the item in the terminal Failed state immediately.
// Used for permanent validation errors that no retry can fix.
func (q *Queue) MarkInvalid(ctx context.Context, itemID string, cause error) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := takeItem(tx, itemID)
		if err != nil {
			return err
		}
		if item.Terminal() {
			return nil
		}
		return tx.Model(&Item{}).
			Where("item_id = ?", itemID).
			Updates(map[string]any{
				"status":           StatusFailed,
				"attempts":         item.Attempts + 1,
				"last_error":       truncateError(cause),
				"lease_expires_at": nil,
			}).Error
	})
}

// Status returns the queue row for a client polling a queued write.
func (q *Queue) Status(ctx context.Context, itemID string) (Item, error) {
	var item Item
	err := q.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

// PurgeCompleted deletes completed items older than the audit window.
func (q *Queue) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.clock().UTC().Add(-retention)
	result := q.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", StatusCompleted, cutoff).
		Delete(&Item{})
	return result.RowsAffected, result.Error
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.retryBase
	for i := 1; i < attempts && delay < q.retryCap; i++ {
		delay *= 2
	}
	if delay > q.retryCap {
		delay = q.retryCap
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

func takeItem(tx *gorm.DB, itemID string) (Item, error) {
	var item Item
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("item_id = ?", itemID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func truncateError(cause error) string {
	if cause == nil {
		return ""
	}
	message := cause.Error()
	if len(message) > 1024 {
		message = message[:1024]
	}
	return message
}
