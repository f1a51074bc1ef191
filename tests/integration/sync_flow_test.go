package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/floraverse/plantsync/internal/auth"
	"github.com/floraverse/plantsync/internal/content"
	"github.com/floraverse/plantsync/internal/docstore"
	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/outbox"
	"github.com/floraverse/plantsync/internal/plants"
	"github.com/floraverse/plantsync/internal/profile"
	"github.com/floraverse/plantsync/internal/projector"
	"github.com/floraverse/plantsync/internal/server"
	"github.com/floraverse/plantsync/internal/syncqueue"
	"github.com/floraverse/plantsync/internal/syncworker"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jsonContentType = "application/json"

type stubVerifier struct {
	claims auth.IdentityClaims
}

func (s stubVerifier) Verify(context.Context, string) (auth.IdentityClaims, error) {
	return s.claims, nil
}

type stack struct {
	server    *httptest.Server
	worker    *syncworker.Worker
	projector *projector.Projector
	docs      *docstore.Memory
	db        *gorm.DB
}

func newStack(t *testing.T) stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&identity.User{},
		&content.Topic{},
		&content.Reply{},
		&plants.PlantIdentification{},
		&plants.UserPlant{},
		&plants.DiseaseDiagnosis{},
		&plants.Notification{},
		&syncqueue.Item{},
		&outbox.Event{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "plantsync-auth",
		Audience:      "plantsync-api",
		TokenTTL:      time.Hour,
	})
	identities, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	queue, err := syncqueue.NewQueue(syncqueue.QueueConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	profiles, err := profile.NewService(profile.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profile service: %v", err)
	}
	contentService, err := content.NewService(content.ServiceConfig{
		Database:   db,
		IDProvider: identity.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build content service: %v", err)
	}
	plantStore, err := plants.NewStore(plants.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build plant store: %v", err)
	}
	worker, err := syncworker.New(syncworker.Config{
		Queue:      queue,
		Plants:     plantStore,
		Profiles:   profiles,
		Identities: identities,
	})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	events, err := outbox.NewService(db)
	if err != nil {
		t.Fatalf("failed to build outbox service: %v", err)
	}
	docs := docstore.NewMemory()
	cacheProjector, err := projector.New(projector.Config{Outbox: events, Docs: docs})
	if err != nil {
		t.Fatalf("failed to build projector: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:   stubVerifier{claims: auth.IdentityClaims{Subject: "idp|abc", DisplayName: "Alex"}},
		Tokens:     tokens,
		Identities: identities,
		Queue:      queue,
		Profiles:   profiles,
		Content:    contentService,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return stack{
		server:    testServer,
		worker:    worker,
		projector: cacheProjector,
		docs:      docs,
		db:        db,
	}
}

func (s stack) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func (s stack) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func (s stack) drainAll(t *testing.T) {
	t.Helper()
	for {
		processed, err := s.worker.DrainOnce(context.Background())
		if err != nil {
			t.Fatalf("worker drain failed: %v", err)
		}
		projected, err := s.projector.ProjectOnce(context.Background())
		if err != nil {
			t.Fatalf("projection failed: %v", err)
		}
		if processed == 0 && projected == 0 {
			return
		}
	}
}

func authenticate(t *testing.T, s stack) string {
	t.Helper()
	response := s.post(t, "/auth/token", "", map[string]string{"id_token": "idp-token"})
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected auth status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode auth response: %v", err)
	}
	return payload.AccessToken
}

func TestMobileWriteFlowsToDocumentCache(t *testing.T) {
	s := newStack(t)
	token := authenticate(t, s)

	response := s.post(t, "/sync/items", token, map[string]any{
		"item_id":     "item-1",
		"entity_type": "PlantIdentification",
		"operation":   "Create",
		"payload":     map[string]string{"entity_id": "ident-1", "image_ref": "s3://photos/leaf.jpg"},
	})
	response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected enqueue status: %d", response.StatusCode)
	}

	s.drainAll(t)

	statusResp := s.get(t, "/sync/items/item-1", token)
	defer statusResp.Body.Close()
	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Status != string(syncqueue.StatusCompleted) {
		t.Fatalf("expected the queued write to complete, got %s", status.Status)
	}

	var row plants.PlantIdentification
	if err := s.db.Where("entity_id = ?", "ident-1").Take(&row).Error; err != nil {
		t.Fatalf("expected the relational row: %v", err)
	}

	doc, err := s.docs.Get(context.Background(), docstore.CollectionIdentified, "ident-1")
	if err != nil {
		t.Fatalf("expected the cache projection: %v", err)
	}
	if doc.SourceVersion != 1 {
		t.Fatalf("unexpected cache version: %d", doc.SourceVersion)
	}
}

func TestForumEditsConvergeToFinalState(t *testing.T) {
	s := newStack(t)
	token := authenticate(t, s)

	created := s.post(t, "/topics", token, map[string]string{"title": "Original", "body": "body"})
	var topic struct {
		TopicID string `json:"topic_id"`
	}
	if err := json.NewDecoder(created.Body).Decode(&topic); err != nil {
		t.Fatalf("failed to decode topic: %v", err)
	}
	created.Body.Close()

	for _, title := range []string{"Edited once", "Edited twice"} {
		request, err := http.NewRequest(http.MethodPatch, s.server.URL+"/topics/"+topic.TopicID,
			bytes.NewReader([]byte(fmt.Sprintf(`{"title":%q}`, title))))
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Content-Type", jsonContentType)
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatalf("edit failed: %v", err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Fatalf("unexpected edit status: %d", response.StatusCode)
		}
	}

	s.drainAll(t)

	doc, err := s.docs.Get(context.Background(), docstore.CollectionTopics, topic.TopicID)
	if err != nil {
		t.Fatalf("expected the cache projection: %v", err)
	}
	if doc.SourceVersion != 3 {
		t.Fatalf("expected the final revision in the cache, got %d", doc.SourceVersion)
	}
	var snapshot struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(doc.Data, &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.Title != "Edited twice" {
		t.Fatalf("expected only the final state to be observable, got %q", snapshot.Title)
	}
}

func TestQueuedProfileEditReachesCache(t *testing.T) {
	s := newStack(t)
	token := authenticate(t, s)

	response := s.post(t, "/sync/items", token, map[string]any{
		"item_id":     "item-1",
		"entity_type": "ProfileEdit",
		"operation":   "Update",
		"payload":     map[string]any{"fields": map[string]string{"bio": "from mobile"}, "source_version": 0},
	})
	response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected enqueue status: %d", response.StatusCode)
	}

	s.drainAll(t)

	statusResp := s.get(t, "/sync/items/item-1", token)
	defer statusResp.Body.Close()
	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Status != string(syncqueue.StatusCompleted) {
		t.Fatalf("expected the queued profile edit to complete, got %s", status.Status)
	}

	doc, err := s.docs.Get(context.Background(), docstore.CollectionUsers, profileUserID(t, s))
	if err != nil {
		t.Fatalf("expected the profile projection: %v", err)
	}
	if doc.SourceVersion != 1 {
		t.Fatalf("unexpected profile cache version: %d", doc.SourceVersion)
	}
}

func profileUserID(t *testing.T, s stack) string {
	t.Helper()
	var user identity.User
	if err := s.db.Where("external_subject_id = ?", "idp|abc").Take(&user).Error; err != nil {
		t.Fatalf("user lookup failed: %v", err)
	}
	return user.LocalUserID
}
