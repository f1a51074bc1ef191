// Package reconcile runs the periodic safety-net sweep that compares
// recently updated relational rows against their document cache projections.
// Any entity whose cache copy is missing or behind gets a fresh outbox event,
// and the projector carries it the rest of the way. The sweep never writes
// the cache directly and never overwrites a cache entry that is already
// current, so running it concurrently with live projection is safe.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/floraverse/plantsync/internal/content"
	"github.com/floraverse/plantsync/internal/docstore"
	"github.com/floraverse/plantsync/internal/outbox"
	"github.com/floraverse/plantsync/internal/profile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultPageLimit = 200
)

// Config describes the sweep dependencies and tunables.
type Config struct {
	DB       *gorm.DB
	Docs     docstore.Store
	Profiles *profile.Service
	Content  *content.Service
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Sweeper re-emits outbox events for entities whose projection lags the
// relational store.
type Sweeper struct {
	db       *gorm.DB
	docs     docstore.Store
	profiles *profile.Service
	content  *content.Service
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// Report summarizes one sweep pass.
type Report struct {
	Checked   int
	Reemitted int
}

// New constructs a sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.DB == nil {
		return nil, errors.New("reconcile: database handle is required")
	}
	if cfg.Docs == nil {
		return nil, errors.New("reconcile: document store is required")
	}
	if cfg.Profiles == nil || cfg.Content == nil {
		return nil, errors.New("reconcile: profile and content services are required")
	}
	s := &Sweeper{
		db:       cfg.DB,
		docs:     cfg.Docs,
		profiles: cfg.Profiles,
		content:  cfg.Content,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if report.Reemitted > 0 {
				s.logger.Warn("reconciliation found lagging projections",
					zap.Int("checked", report.Checked),
					zap.Int("reemitted", report.Reemitted))
			}
		}
	}
}

// SweepOnce checks entities updated within twice the sweep interval. The
// doubled window overlaps consecutive sweeps so an entity updated right at a
// window boundary is still examined at least once.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	since := s.clock().UTC().Add(-2 * s.interval)
	var report Report

	if err := s.sweepProfiles(ctx, since, &report); err != nil {
		return report, err
	}
	if err := s.sweepTopics(ctx, since, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Sweeper) sweepProfiles(ctx context.Context, since time.Time, report *Report) error {
	users, err := s.profiles.UsersUpdatedSince(ctx, since, defaultPageLimit)
	if err != nil {
		return err
	}
	for _, user := range users {
		report.Checked++
		lagging, err := s.lags(ctx, docstore.CollectionUsers, user.LocalUserID, user.ProfileVersion)
		if err != nil {
			return err
		}
		if !lagging {
			continue
		}
		snapshot, err := profile.SnapshotUser(user)
		if err != nil {
			return err
		}
		if err := s.reemit(ctx, outbox.EntityProfileField, user.LocalUserID,
			user.ProfileVersion, snapshot); err != nil {
			return err
		}
		report.Reemitted++
	}
	return nil
}

func (s *Sweeper) sweepTopics(ctx context.Context, since time.Time, report *Report) error {
	topics, err := s.content.TopicsUpdatedSince(ctx, since, defaultPageLimit)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		report.Checked++
		lagging, err := s.lags(ctx, docstore.CollectionTopics, topic.TopicID, topic.Revision)
		if err != nil {
			return err
		}
		if !lagging {
			continue
		}
		snapshot, err := content.SnapshotTopic(topic)
		if err != nil {
			return err
		}
		if err := s.reemit(ctx, outbox.EntityTopic, topic.TopicID,
			topic.Revision, snapshot); err != nil {
			return err
		}
		report.Reemitted++
	}
	return nil
}

// lags reports whether the cached projection is missing or behind the
// relational version.
func (s *Sweeper) lags(ctx context.Context, collection, entityID string, version int64) (bool, error) {
	projection, err := s.docs.Get(ctx, collection, entityID)
	if errors.Is(err, docstore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return projection.SourceVersion < version, nil
}

func (s *Sweeper) reemit(ctx context.Context, entityType outbox.EntityType, entityID string, version int64, snapshot []byte) error {
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return outbox.Record(tx, entityType, entityID, outbox.OperationUpdate, version, snapshot, now)
	})
}
