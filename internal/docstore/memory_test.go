package docstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPutIfNewerAdvancesVersion(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	syncedAt := time.Unix(1700000600, 0).UTC()

	applied, err := store.PutIfNewer(ctx, CollectionTopics, "topic-1", 1, []byte(`{"title":"v1"}`), syncedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatalf("expected first write to apply")
	}

	applied, err = store.PutIfNewer(ctx, CollectionTopics, "topic-1", 2, []byte(`{"title":"v2"}`), syncedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatalf("expected higher version to apply")
	}

	doc, err := store.Get(ctx, CollectionTopics, "topic-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.SourceVersion != 2 {
		t.Fatalf("expected version 2, got %d", doc.SourceVersion)
	}
	if string(doc.Data) != `{"title":"v2"}` {
		t.Fatalf("unexpected data: %s", doc.Data)
	}
}

func TestPutIfNewerDiscardsStaleAndDuplicate(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	syncedAt := time.Unix(1700000600, 0).UTC()

	if _, err := store.PutIfNewer(ctx, CollectionTopics, "topic-1", 3, []byte(`{"title":"v3"}`), syncedAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Out-of-order delivery of an older version.
	applied, err := store.PutIfNewer(ctx, CollectionTopics, "topic-1", 2, []byte(`{"title":"v2"}`), syncedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected stale write to be discarded")
	}

	// Duplicate delivery of the current version.
	applied, err = store.PutIfNewer(ctx, CollectionTopics, "topic-1", 3, []byte(`{"title":"v3-dup"}`), syncedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected duplicate write to be discarded")
	}

	doc, err := store.Get(ctx, CollectionTopics, "topic-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(doc.Data) != `{"title":"v3"}` {
		t.Fatalf("expected original v3 payload to survive, got %s", doc.Data)
	}
}

func TestGetUnknownProjection(t *testing.T) {
	store := NewMemory()

	_, err := store.Get(context.Background(), CollectionUsers, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
