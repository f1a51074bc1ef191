package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
)

// SurrealConfig describes the connection to the SurrealDB cache instance.
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Surreal backs Store with a SurrealDB document database. The conditional
// write is expressed in SurrealQL so the version comparison happens on the
// server rather than read-then-write in the client.
type Surreal struct {
	db *surrealdb.DB
}

// NewSurreal connects, authenticates and selects the configured namespace.
func NewSurreal(cfg SurrealConfig) (*Surreal, error) {
	db, err := surrealdb.New(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect surreal: %w", err)
	}
	if cfg.Username != "" {
		if _, err := db.Signin(map[string]any{"user": cfg.Username, "pass": cfg.Password}); err != nil {
			db.Close()
			return nil, fmt.Errorf("docstore: surreal signin: %w", err)
		}
	}
	if _, err := db.Use(cfg.Namespace, cfg.Database); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: surreal use: %w", err)
	}
	return &Surreal{db: db}, nil
}

// Close tears down the underlying websocket connection.
func (s *Surreal) Close() {
	s.db.Close()
}

const putIfNewerQuery = `
UPDATE type::thing($tb, $id)
SET entity_id = $entity_id,
    source_version = $version,
    data = $data,
    synced_at = $synced_at
WHERE source_version = NONE OR source_version < $version;
`

// Get fetches the current projection, or ErrNotFound.
func (s *Surreal) Get(_ context.Context, collection, entityID string) (Projection, error) {
	docs, err := surrealdb.SmartUnmarshal[[]Projection](s.db.Query(
		`SELECT entity_id, source_version, data, synced_at FROM type::thing($tb, $id);`,
		map[string]any{"tb": collection, "id": entityID},
	))
	if err != nil {
		return Projection{}, fmt.Errorf("docstore: surreal get: %w", err)
	}
	if len(docs) == 0 {
		return Projection{}, ErrNotFound
	}
	return docs[0], nil
}

// PutIfNewer applies the write only when it advances the stored source version.
func (s *Surreal) PutIfNewer(_ context.Context, collection, entityID string, sourceVersion int64, data json.RawMessage, syncedAt time.Time) (bool, error) {
	var payload any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return false, fmt.Errorf("docstore: surreal put: decode payload: %w", err)
		}
	}
	updated, err := marshal.SmartUnmarshal[Projection](s.db.Query(putIfNewerQuery, map[string]any{
		"tb":        collection,
		"id":        entityID,
		"entity_id": entityID,
		"version":   sourceVersion,
		"data":      payload,
		"synced_at": syncedAt.UTC().Format(time.RFC3339),
	}))
	if err != nil {
		return false, fmt.Errorf("docstore: surreal put: %w", err)
	}
	return len(updated) > 0, nil
}
