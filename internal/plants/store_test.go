package plants

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/floraverse/plantsync/internal/outbox"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:plants_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PlantIdentification{}, &UserPlant{}, &DiseaseDiagnosis{}, &Notification{}, &outbox.Event{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func countOutboxEvents(t *testing.T, db *gorm.DB, entityID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&outbox.Event{}).Where("entity_id = ?", entityID).Count(&count).Error; err != nil {
		t.Fatalf("outbox count failed: %v", err)
	}
	return count
}

func TestApplyIdentificationCreateIsIdempotent(t *testing.T) {
	store, db := newTestStore(t)
	payload := []byte(`{"entity_id":"ident-1","image_ref":"s3://photos/leaf.jpg"}`)

	first, err := store.ApplyIdentificationCreate(context.Background(), "user-1", "item-abc", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Applied {
		t.Fatalf("expected first apply to land")
	}
	if first.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", first.Revision)
	}

	// Replay after a simulated worker crash between apply and completion.
	replay, err := store.ApplyIdentificationCreate(context.Background(), "user-1", "item-abc", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replay.Applied {
		t.Fatalf("expected replay to be a no-op")
	}
	if replay.EntityID != "ident-1" {
		t.Fatalf("expected replay to resolve the original row, got %s", replay.EntityID)
	}

	count, err := store.CountIdentificationsByRef(context.Background(), "item-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row for the item id, got %d", count)
	}
	if events := countOutboxEvents(t, db, "ident-1"); events != 1 {
		t.Fatalf("expected a single outbox event, got %d", events)
	}
}

func TestApplyIdentificationCreateRejectsMalformedPayload(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.ApplyIdentificationCreate(context.Background(), "user-1", "item-1", []byte(`{`))
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected bad payload error, got %v", err)
	}

	_, err = store.ApplyIdentificationCreate(context.Background(), "user-1", "item-2", []byte(`{"image_ref":"x"}`))
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected bad payload error for missing entity id, got %v", err)
	}
}

func TestApplyUserPlantLifecycle(t *testing.T) {
	store, db := newTestStore(t)

	created, err := store.ApplyUserPlant(context.Background(), "user-1", "item-1", "Create",
		[]byte(`{"entity_id":"plant-1","nickname":"Fern","species":"Nephrolepis exaltata"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created.Applied || created.Revision != 1 {
		t.Fatalf("unexpected create outcome: %#v", created)
	}

	updated, err := store.ApplyUserPlant(context.Background(), "user-1", "item-2", "Update",
		[]byte(`{"entity_id":"plant-1","nickname":"Big Fern"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.Applied || updated.Revision != 2 {
		t.Fatalf("unexpected update outcome: %#v", updated)
	}

	var row UserPlant
	if err := db.Where("entity_id = ?", "plant-1").Take(&row).Error; err != nil {
		t.Fatalf("row lookup failed: %v", err)
	}
	if row.Nickname != "Big Fern" {
		t.Fatalf("expected nickname update to land, got %q", row.Nickname)
	}
	if row.Species != "Nephrolepis exaltata" {
		t.Fatalf("expected untouched species to survive the update, got %q", row.Species)
	}
	if row.LastAppliedRef != "item-2" {
		t.Fatalf("expected last applied ref to advance, got %q", row.LastAppliedRef)
	}

	deleted, err := store.ApplyUserPlant(context.Background(), "user-1", "item-3", "Delete",
		[]byte(`{"entity_id":"plant-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted.Applied || deleted.Revision != 3 {
		t.Fatalf("unexpected delete outcome: %#v", deleted)
	}
	if err := db.Where("entity_id = ?", "plant-1").Take(&row).Error; err != nil {
		t.Fatalf("row lookup failed: %v", err)
	}
	if row.DeletedAt == nil {
		t.Fatalf("expected tombstone, row still live")
	}

	if events := countOutboxEvents(t, db, "plant-1"); events != 3 {
		t.Fatalf("expected three outbox events across the lifecycle, got %d", events)
	}
}

func TestApplyUserPlantReplayIsNoOp(t *testing.T) {
	store, db := newTestStore(t)

	if _, err := store.ApplyUserPlant(context.Background(), "user-1", "item-1", "Create",
		[]byte(`{"entity_id":"plant-1","nickname":"Fern"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.ApplyUserPlant(context.Background(), "user-1", "item-2", "Update",
		[]byte(`{"entity_id":"plant-1","nickname":"Big Fern"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	replay, err := store.ApplyUserPlant(context.Background(), "user-1", "item-2", "Update",
		[]byte(`{"entity_id":"plant-1","nickname":"Big Fern"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replay.Applied {
		t.Fatalf("expected replay of the applied item to be a no-op")
	}
	if replay.Revision != 2 {
		t.Fatalf("expected revision unchanged by replay, got %d", replay.Revision)
	}
	if events := countOutboxEvents(t, db, "plant-1"); events != 2 {
		t.Fatalf("expected no extra outbox event from replay, got %d", events)
	}
}

func TestApplyUserPlantUpdateMissingRowIsPermanent(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.ApplyUserPlant(context.Background(), "user-1", "item-1", "Update",
		[]byte(`{"entity_id":"ghost","nickname":"x"}`))
	if !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected entity not found, got %v", err)
	}
}

func TestApplyDiagnosisCreateAndAmend(t *testing.T) {
	store, db := newTestStore(t)

	created, err := store.ApplyDiagnosis(context.Background(), "user-1", "item-1", "Create",
		[]byte(`{"entity_id":"diag-1","plant_entity_id":"plant-1","diagnosis":{"disease":"leaf rust","confidence":0.91}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created.Applied || created.Revision != 1 {
		t.Fatalf("unexpected create outcome: %#v", created)
	}

	amended, err := store.ApplyDiagnosis(context.Background(), "user-1", "item-2", "Update",
		[]byte(`{"entity_id":"diag-1","diagnosis":{"disease":"leaf rust","confidence":0.97}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amended.Applied || amended.Revision != 2 {
		t.Fatalf("unexpected amend outcome: %#v", amended)
	}

	var row DiseaseDiagnosis
	if err := db.Where("entity_id = ?", "diag-1").Take(&row).Error; err != nil {
		t.Fatalf("row lookup failed: %v", err)
	}
	if row.PlantEntityID != "plant-1" {
		t.Fatalf("expected plant link to survive the amend, got %q", row.PlantEntityID)
	}
}

func TestNotifyPersistsRecord(t *testing.T) {
	store, db := newTestStore(t)

	if err := store.Notify(context.Background(), "user-1", "sync_failed", map[string]any{"item_id": "item-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var notification Notification
	if err := db.Where("user_id = ?", "user-1").Take(&notification).Error; err != nil {
		t.Fatalf("notification lookup failed: %v", err)
	}
	if notification.Kind != "sync_failed" {
		t.Fatalf("unexpected notification kind: %q", notification.Kind)
	}
}
