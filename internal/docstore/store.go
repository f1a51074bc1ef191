// Package docstore abstracts the document database that serves the mobile
// client. The relational store is authoritative for everything projected
// here; writes are conditional on a monotonically non-decreasing source
// version so duplicate and out-of-order deliveries are discarded.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Collections used by the projector and reconciliation sweep.
const (
	CollectionUsers      = "user_profiles"
	CollectionTopics     = "forum_topics"
	CollectionReplies    = "forum_replies"
	CollectionPlants     = "plant_records"
	CollectionDiagnoses  = "disease_diagnoses"
	CollectionIdentified = "plant_identifications"
)

// ErrNotFound indicates no projection exists for the requested entity.
var ErrNotFound = errors.New("docstore: projection not found")

// Projection is the denormalized cache copy of one relational entity.
type Projection struct {
	EntityID      string          `json:"entity_id"`
	SourceVersion int64           `json:"source_version"`
	Data          json.RawMessage `json:"data"`
	SyncedAt      time.Time       `json:"synced_at"`
}

// Store is the conditional-write document API consumed by the projector and
// the reconciliation sweep.
type Store interface {
	// Get fetches the current projection, or ErrNotFound.
	Get(ctx context.Context, collection, entityID string) (Projection, error)

	// PutIfNewer writes the projection only when the stored source version is
	// absent or strictly lower than the provided one. It reports whether the
	// write was applied; a false result with nil error is a stale or
	// duplicate delivery and is not an error.
	PutIfNewer(ctx context.Context, collection, entityID string, sourceVersion int64, data json.RawMessage, syncedAt time.Time) (bool, error)
}
