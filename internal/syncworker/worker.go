// Package syncworker drains the sync queue and applies each item to the
// relational store. Apply operations are idempotent with respect to the item
// id, so at-least-once delivery from the queue is safe: a worker that crashes
// between apply and completion simply causes a harmless replay after the
// lease expires.
package syncworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/plants"
	"github.com/floraverse/plantsync/internal/profile"
	"github.com/floraverse/plantsync/internal/syncqueue"
	"go.uber.org/zap"
)

const (
	defaultWorkerCount  = 2
	defaultBatchSize    = 25
	defaultPollInterval = 500 * time.Millisecond
	defaultCallTimeout  = 5 * time.Second

	notificationSyncFailed     = "sync_failed"
	notificationIdentification = "identification_received"
)

var errImmutableIdentification = errors.New("syncworker: identification records are create-only")

// Config describes the worker pool dependencies and tunables.
type Config struct {
	Queue        *syncqueue.Queue
	Plants       *plants.Store
	Profiles     *profile.Service
	Identities   *identity.Service
	WorkerCount  int
	BatchSize    int
	PollInterval time.Duration
	CallTimeout  time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Worker is a pool of queue consumers. Instances share no state beyond the
// queue itself; correctness relies on the queue's lane ordering and the
// idempotent apply, not on worker pinning.
type Worker struct {
	queue        *syncqueue.Queue
	plants       *plants.Store
	profiles     *profile.Service
	identities   *identity.Service
	workerCount  int
	batchSize    int
	pollInterval time.Duration
	callTimeout  time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// New constructs the worker pool.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("syncworker: queue is required")
	}
	if cfg.Plants == nil {
		return nil, errors.New("syncworker: plants store is required")
	}
	if cfg.Profiles == nil {
		return nil, errors.New("syncworker: profile service is required")
	}
	w := &Worker{
		queue:        cfg.Queue,
		plants:       cfg.Plants,
		profiles:     cfg.Profiles,
		identities:   cfg.Identities,
		workerCount:  cfg.WorkerCount,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		callTimeout:  cfg.CallTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	if w.workerCount <= 0 {
		w.workerCount = defaultWorkerCount
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.callTimeout <= 0 {
		w.callTimeout = defaultCallTimeout
	}
	if w.clock == nil {
		w.clock = time.Now
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w, nil
}

// Run drains the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workerCount; i++ {
		wg.Add(1)
		go func(workerIndex int) {
			defer wg.Done()
			w.loop(ctx, workerIndex)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, workerIndex int) {
	logger := w.logger.With(zap.Int("worker", workerIndex))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.DrainOnce(ctx)
		if err != nil {
			logger.Error("dequeue failed", zap.Error(err))
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// DrainOnce claims and processes a single batch, returning the number of
// items handled.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	batch, err := w.queue.DequeueBatch(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for _, item := range batch {
		w.processItem(ctx, item)
	}
	return len(batch), nil
}

func (w *Worker) processItem(ctx context.Context, item syncqueue.Item) {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	err := w.apply(callCtx, item)
	switch {
	case err == nil:
		if markErr := w.queue.MarkCompleted(ctx, item.ItemID); markErr != nil {
			w.logger.Error("mark completed failed", zap.String("item_id", item.ItemID), zap.Error(markErr))
		}
		w.stampSynced(ctx, item.OwnerUserID)
	case isPermanent(err):
		if markErr := w.queue.MarkInvalid(ctx, item.ItemID, err); markErr != nil {
			w.logger.Error("mark invalid failed", zap.String("item_id", item.ItemID), zap.Error(markErr))
		}
		w.notifyFailure(ctx, item, err)
		w.logger.Warn("queue item permanently failed",
			zap.String("item_id", item.ItemID),
			zap.String("entity_type", string(item.EntityType)),
			zap.Error(err))
	default:
		if markErr := w.queue.MarkFailed(ctx, item.ItemID, err); markErr != nil {
			w.logger.Error("mark failed failed", zap.String("item_id", item.ItemID), zap.Error(markErr))
		}
	}
}

func (w *Worker) apply(ctx context.Context, item syncqueue.Item) error {
	switch item.EntityType {
	case syncqueue.EntityPlantIdentification:
		if item.Operation != syncqueue.OperationCreate {
			return fmt.Errorf("%w: got %s", errImmutableIdentification, item.Operation)
		}
		outcome, err := w.plants.ApplyIdentificationCreate(ctx, item.OwnerUserID, item.ItemID, item.Payload)
		if err != nil {
			return err
		}
		if outcome.Applied {
			w.notify(ctx, item.OwnerUserID, notificationIdentification, map[string]any{
				"entity_id": outcome.EntityID,
				"item_id":   item.ItemID,
			})
		}
		return nil

	case syncqueue.EntityUserPlant:
		_, err := w.plants.ApplyUserPlant(ctx, item.OwnerUserID, item.ItemID, string(item.Operation), item.Payload)
		return err

	case syncqueue.EntityDiseaseDiagnosis:
		_, err := w.plants.ApplyDiagnosis(ctx, item.OwnerUserID, item.ItemID, string(item.Operation), item.Payload)
		return err

	case syncqueue.EntityProfileEdit:
		return w.applyProfileEdit(ctx, item)

	default:
		return fmt.Errorf("%w: %q", syncqueue.ErrUnknownEntityType, item.EntityType)
	}
}

type profileEditPayload struct {
	Fields        map[string]string `json:"fields"`
	SourceVersion int64             `json:"source_version"`
}

// errProfileConflict marks a queued profile edit rejected by the conflict
// resolver. The resolver never retries; the owner must re-base the edit.
var errProfileConflict = errors.New("syncworker: profile version conflict")

func (w *Worker) applyProfileEdit(ctx context.Context, item syncqueue.Item) error {
	var payload profileEditPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", plants.ErrBadPayload, err)
	}
	if len(payload.Fields) == 0 {
		return fmt.Errorf("%w: missing fields", plants.ErrBadPayload)
	}

	result, err := w.profiles.ApplyProfileEdit(ctx, item.OwnerUserID, payload.Fields, payload.SourceVersion)
	if err != nil {
		if errors.Is(err, profile.ErrUserNotFound) {
			return fmt.Errorf("%w: %v", plants.ErrEntityNotFound, err)
		}
		return err
	}
	if !result.Accepted {
		return fmt.Errorf("%w: based on version %d, current is %d",
			errProfileConflict, payload.SourceVersion, result.CurrentVersion)
	}
	return nil
}

// isPermanent classifies errors no retry can fix: malformed payloads,
// references to entities that no longer exist, and profile version conflicts.
// Conflicted edits are never retried automatically; the owner must re-base.
func isPermanent(err error) bool {
	return errors.Is(err, plants.ErrBadPayload) ||
		errors.Is(err, plants.ErrEntityNotFound) ||
		errors.Is(err, errImmutableIdentification) ||
		errors.Is(err, errProfileConflict) ||
		errors.Is(err, syncqueue.ErrUnknownEntityType)
}

func (w *Worker) notifyFailure(ctx context.Context, item syncqueue.Item, cause error) {
	w.notify(ctx, item.OwnerUserID, notificationSyncFailed, map[string]any{
		"item_id":     item.ItemID,
		"entity_type": string(item.EntityType),
		"reason":      cause.Error(),
	})
}

func (w *Worker) notify(ctx context.Context, userID, kind string, body map[string]any) {
	if err := w.plants.Notify(ctx, userID, kind, body); err != nil {
		w.logger.Error("notification enqueue failed",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func (w *Worker) stampSynced(ctx context.Context, userID string) {
	if w.identities == nil {
		return
	}
	if err := w.identities.MarkSynced(ctx, userID, w.clock().UTC()); err != nil {
		w.logger.Debug("last synced stamp failed", zap.String("user_id", userID), zap.Error(err))
	}
}
