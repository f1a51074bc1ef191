package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/floraverse/plantsync/internal/content"
	"github.com/floraverse/plantsync/internal/docstore"
	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/outbox"
	"github.com/floraverse/plantsync/internal/profile"
	"github.com/floraverse/plantsync/internal/projector"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type sweepFixture struct {
	sweeper   *Sweeper
	projector *projector.Projector
	content   *content.Service
	docs      *docstore.Memory
	db        *gorm.DB
}

func newSweepFixture(t *testing.T, ids []string) sweepFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:reconcile_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&identity.User{}, &content.Topic{}, &content.Reply{}, &outbox.Event{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	profiles, err := profile.NewService(profile.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct profile service: %v", err)
	}
	contentService, err := content.NewService(content.ServiceConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct content service: %v", err)
	}
	events, err := outbox.NewService(db)
	if err != nil {
		t.Fatalf("failed to construct outbox service: %v", err)
	}
	docs := docstore.NewMemory()
	cacheProjector, err := projector.New(projector.Config{Outbox: events, Docs: docs, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct projector: %v", err)
	}

	sweeper, err := New(Config{
		DB:       db,
		Docs:     docs,
		Profiles: profiles,
		Content:  contentService,
		Interval: 5 * time.Minute,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}
	return sweepFixture{
		sweeper:   sweeper,
		projector: cacheProjector,
		content:   contentService,
		docs:      docs,
		db:        db,
	}
}

func TestSweepFindsNothingWhenCacheIsCurrent(t *testing.T) {
	f := newSweepFixture(t, []string{"topic-1"})

	if _, err := f.content.CreateTopic(context.Background(), "user-1", "Thread", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.projector.ProjectOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Reemitted != 0 {
		t.Fatalf("expected a current cache to need nothing, re-emitted %d", report.Reemitted)
	}
	if report.Checked == 0 {
		t.Fatalf("expected the recent topic to be examined")
	}
}

func TestSweepReemitsMissingProjection(t *testing.T) {
	f := newSweepFixture(t, []string{"topic-1"})

	if _, err := f.content.CreateTopic(context.Background(), "user-1", "Thread", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate a lost projection: drop the outbox without writing the cache.
	if err := f.db.Where("1 = 1").Delete(&outbox.Event{}).Error; err != nil {
		t.Fatalf("failed to drop outbox: %v", err)
	}

	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Reemitted != 1 {
		t.Fatalf("expected one re-emission, got %d", report.Reemitted)
	}

	// The projector carries the synthetic event the rest of the way.
	if _, err := f.projector.ProjectOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := f.docs.Get(context.Background(), docstore.CollectionTopics, "topic-1")
	if err != nil {
		t.Fatalf("expected the cache to converge: %v", err)
	}
	if doc.SourceVersion != 1 {
		t.Fatalf("unexpected converged version: %d", doc.SourceVersion)
	}
}

func TestSweepReemitsLaggingProfile(t *testing.T) {
	f := newSweepFixture(t, nil)

	fields, err := identity.EncodeFields(map[string]string{identity.FieldDisplayName: "Alex"})
	if err != nil {
		t.Fatalf("failed to encode fields: %v", err)
	}
	user := identity.User{
		LocalUserID:       "user-1",
		ExternalSubjectID: "idp|user-1",
		ProfileVersion:    7,
		ProfileFields:     fields,
	}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	// The cache holds an older profile version.
	if _, err := f.docs.PutIfNewer(context.Background(), docstore.CollectionUsers, "user-1", 5,
		[]byte(`{"profile_version":5}`), time.Unix(1700000000, 0).UTC()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Reemitted != 1 {
		t.Fatalf("expected the lagging profile to be re-emitted, got %d", report.Reemitted)
	}

	if _, err := f.projector.ProjectOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := f.docs.Get(context.Background(), docstore.CollectionUsers, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.SourceVersion != 7 {
		t.Fatalf("expected convergence at version 7, got %d", doc.SourceVersion)
	}
}

func TestSweepIgnoresEntitiesOutsideWindow(t *testing.T) {
	f := newSweepFixture(t, nil)

	old := time.Unix(1600000000, 0).UTC()
	user := identity.User{
		LocalUserID:       "user-old",
		ExternalSubjectID: "idp|user-old",
		ProfileVersion:    3,
		CreatedAt:         old,
		UpdatedAt:         old,
	}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	// Keep gorm from bumping updated_at on create.
	if err := f.db.Model(&identity.User{}).
		Where("local_user_id = ?", "user-old").
		Update("updated_at", old).Error; err != nil {
		t.Fatalf("failed to age user: %v", err)
	}

	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Checked != 0 {
		t.Fatalf("expected stale entities outside the window to be skipped, got %d checked", report.Checked)
	}
}
