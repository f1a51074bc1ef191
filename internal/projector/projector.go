// Package projector drains the change outbox into the document cache. Events
// for the same entity are collapsed to the latest snapshot before writing, and
// every write is conditional on the source version, so replays after a crash
// converge on the same cache state.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/floraverse/plantsync/internal/docstore"
	"github.com/floraverse/plantsync/internal/outbox"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
)

// ErrUnknownEntityType indicates an outbox event referencing an entity the
// projector has no collection mapping for. Such events stay in the outbox for
// inspection rather than being silently dropped.
var ErrUnknownEntityType = errors.New("projector: unknown entity type")

// Config describes the projector dependencies and tunables.
type Config struct {
	Outbox       *outbox.Service
	Docs         docstore.Store
	BatchSize    int
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Projector moves committed relational mutations into the document cache.
type Projector struct {
	outbox       *outbox.Service
	docs         docstore.Store
	batchSize    int
	pollInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// New constructs a projector.
func New(cfg Config) (*Projector, error) {
	if cfg.Outbox == nil {
		return nil, errors.New("projector: outbox service is required")
	}
	if cfg.Docs == nil {
		return nil, errors.New("projector: document store is required")
	}
	p := &Projector{
		outbox:       cfg.Outbox,
		docs:         cfg.Docs,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Run polls the outbox until the context is cancelled.
func (p *Projector) Run(ctx context.Context) {
	for {
		projected, err := p.ProjectOnce(ctx)
		if err != nil {
			p.logger.Error("projection pass failed", zap.Error(err))
		}
		if projected == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// ProjectOnce processes a single outbox batch and returns the number of
// events acknowledged.
func (p *Projector) ProjectOnce(ctx context.Context) (int, error) {
	events, err := p.outbox.Pending(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	acked := make([]int64, 0, len(events))
	for _, group := range collapse(events) {
		latest := group[len(group)-1]
		if err := p.project(ctx, latest); err != nil {
			p.logger.Error("projection write failed",
				zap.String("entity_type", string(latest.EntityType)),
				zap.String("entity_id", latest.EntityID),
				zap.Int64("event_id", latest.EventID),
				zap.Error(err))
			continue
		}
		for _, event := range group {
			acked = append(acked, event.EventID)
		}
	}

	if len(acked) == 0 {
		return 0, nil
	}
	if err := p.outbox.Ack(ctx, acked); err != nil {
		// The cache writes already landed; the events replay on the next
		// pass and PutIfNewer discards them as stale.
		return 0, fmt.Errorf("projector: ack: %w", err)
	}
	return len(acked), nil
}

func (p *Projector) project(ctx context.Context, event outbox.Event) error {
	collection, err := CollectionFor(event.EntityType)
	if err != nil {
		return err
	}
	applied, err := p.docs.PutIfNewer(ctx, collection, event.EntityID,
		event.SourceVersion, []byte(event.Snapshot), p.clock().UTC())
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Debug("stale projection discarded",
			zap.String("entity_id", event.EntityID),
			zap.Int64("source_version", event.SourceVersion))
	}
	return nil
}

// collapse groups events by entity, each group ordered by event id. Only the
// last event of a group needs writing; earlier ones are superseded snapshots.
func collapse(events []outbox.Event) [][]outbox.Event {
	type key struct {
		entityType outbox.EntityType
		entityID   string
	}
	byEntity := make(map[key][]outbox.Event)
	order := make([]key, 0)
	for _, event := range events {
		k := key{event.EntityType, event.EntityID}
		if _, seen := byEntity[k]; !seen {
			order = append(order, k)
		}
		byEntity[k] = append(byEntity[k], event)
	}
	groups := make([][]outbox.Event, 0, len(order))
	for _, k := range order {
		group := byEntity[k]
		sort.Slice(group, func(i, j int) bool { return group[i].EventID < group[j].EventID })
		groups = append(groups, group)
	}
	return groups
}

// CollectionFor maps an outbox entity type to its cache collection.
func CollectionFor(entityType outbox.EntityType) (string, error) {
	switch entityType {
	case outbox.EntityTopic:
		return docstore.CollectionTopics, nil
	case outbox.EntityReply:
		return docstore.CollectionReplies, nil
	case outbox.EntityProfileField:
		return docstore.CollectionUsers, nil
	case outbox.EntityPlantIdentification:
		return docstore.CollectionIdentified, nil
	case outbox.EntityUserPlant:
		return docstore.CollectionPlants, nil
	case outbox.EntityDiseaseDiagnosis:
		return docstore.CollectionDiagnoses, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
}
