// Package server exposes the HTTP surface: identity exchange, sync queue
// submission and status, synchronous profile edits, and the forum content
// endpoints whose writes feed the change outbox.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/floraverse/plantsync/internal/auth"
	"github.com/floraverse/plantsync/internal/content"
	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/profile"
	"github.com/floraverse/plantsync/internal/syncqueue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "plantsync_user_id"

var (
	errMissingVerifier      = errors.New("identity verifier dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingIdentities    = errors.New("identity service dependency required")
	errMissingQueue         = errors.New("sync queue dependency required")
	errMissingProfiles      = errors.New("profile service dependency required")
	errMissingContent       = errors.New("content service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenIssuer abstracts backend token issuance and verification.
type TokenIssuer interface {
	IssueBackendToken(ctx context.Context, localUserID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdentityResolver maps verified identity-provider claims to a local user.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims auth.IdentityClaims) (identity.User, error)
}

// Dependencies wires the router to the services behind it.
type Dependencies struct {
	Verifier   auth.IdentityVerifier
	Tokens     TokenIssuer
	Identities IdentityResolver
	Queue      *syncqueue.Queue
	Profiles   *profile.Service
	Content    *content.Service
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Content == nil {
		return nil, errMissingContent
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.Verifier,
		tokens:     deps.Tokens,
		identities: deps.Identities,
		queue:      deps.Queue,
		profiles:   deps.Profiles,
		content:    deps.Content,
		logger:     logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/items", handler.handleEnqueue)
	protected.GET("/sync/items/:id", handler.handleItemStatus)
	protected.PUT("/profile", handler.handleProfileEdit)
	protected.POST("/topics", handler.handleCreateTopic)
	protected.GET("/topics/:id", handler.handleGetTopic)
	protected.PATCH("/topics/:id", handler.handleUpdateTopic)
	protected.POST("/topics/:id/replies", handler.handleCreateReply)

	return router, nil
}

type httpHandler struct {
	verifier   auth.IdentityVerifier
	tokens     TokenIssuer
	identities IdentityResolver
	queue      *syncqueue.Queue
	profiles   *profile.Service
	content    *content.Service
	logger     *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.identities.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, identity.ErrUserDeactivated) {
			c.JSON(http.StatusForbidden, gin.H{"error": "account_deactivated"})
			return
		}
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), user.LocalUserID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      user.LocalUserID,
	})
}

type enqueueRequestPayload struct {
	ItemID     string          `json:"item_id"`
	EntityType string          `json:"entity_type"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
}

type queueItemPayload struct {
	ItemID        string `json:"item_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at_s,omitempty"`
	CompletedAt   int64  `json:"completed_at_s,omitempty"`
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ItemID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	item, created, err := h.queue.Enqueue(c.Request.Context(), syncqueue.EnqueueRequest{
		ItemID:      strings.TrimSpace(request.ItemID),
		OwnerUserID: userID,
		EntityType:  syncqueue.EntityType(request.EntityType),
		Operation:   syncqueue.Operation(request.Operation),
		Payload:     request.Payload,
	})
	if err != nil {
		if errors.Is(err, syncqueue.ErrUnknownEntityType) || errors.Is(err, syncqueue.ErrUnknownOperation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, itemToPayload(item))
}

func (h *httpHandler) handleItemStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	item, err := h.queue.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, syncqueue.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("queue status lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	// Owners only see their own items.
	if item.OwnerUserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, itemToPayload(item))
}

func itemToPayload(item syncqueue.Item) queueItemPayload {
	payload := queueItemPayload{
		ItemID:    item.ItemID,
		Status:    string(item.Status),
		Attempts:  item.Attempts,
		LastError: item.LastError,
	}
	if !item.NextAttemptAt.IsZero() && !item.Terminal() {
		payload.NextAttemptAt = item.NextAttemptAt.Unix()
	}
	if item.CompletedAt != nil {
		payload.CompletedAt = item.CompletedAt.Unix()
	}
	return payload
}

type profileEditRequestPayload struct {
	Fields        map[string]string `json:"fields"`
	SourceVersion int64             `json:"source_version"`
}

type profileEditResponsePayload struct {
	Accepted       bool              `json:"accepted"`
	CurrentVersion int64             `json:"current_version"`
	CurrentFields  map[string]string `json:"current_fields,omitempty"`
}

func (h *httpHandler) handleProfileEdit(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request profileEditRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.profiles.ApplyProfileEdit(c.Request.Context(), userID, request.Fields, request.SourceVersion)
	if err != nil {
		if errors.Is(err, profile.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("profile edit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_edit_failed"})
		return
	}

	response := profileEditResponsePayload{
		Accepted:       result.Accepted,
		CurrentVersion: result.CurrentVersion,
	}
	if !result.Accepted {
		response.CurrentFields = result.CurrentFields
		c.JSON(http.StatusConflict, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

type topicRequestPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type topicResponsePayload struct {
	TopicID    string `json:"topic_id"`
	AuthorID   string `json:"author_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Revision   int64  `json:"revision"`
	ReplyCount int64  `json:"reply_count"`
}

func topicToPayload(topic content.Topic) topicResponsePayload {
	return topicResponsePayload{
		TopicID:    topic.TopicID,
		AuthorID:   topic.AuthorID,
		Title:      topic.Title,
		Body:       topic.Body,
		Revision:   topic.Revision,
		ReplyCount: topic.ReplyCount,
	}
}

func (h *httpHandler) handleCreateTopic(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request topicRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	topic, err := h.content.CreateTopic(c.Request.Context(), userID, request.Title, request.Body)
	if err != nil {
		h.writeContentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, topicToPayload(topic))
}

func (h *httpHandler) handleGetTopic(c *gin.Context) {
	topic, err := h.content.GetTopic(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeContentError(c, err)
		return
	}
	c.JSON(http.StatusOK, topicToPayload(topic))
}

func (h *httpHandler) handleUpdateTopic(c *gin.Context) {
	var request topicRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	topic, err := h.content.UpdateTopic(c.Request.Context(), c.Param("id"), request.Title, request.Body)
	if err != nil {
		h.writeContentError(c, err)
		return
	}
	c.JSON(http.StatusOK, topicToPayload(topic))
}

type replyRequestPayload struct {
	Body string `json:"body"`
}

type replyResponsePayload struct {
	ReplyID  string `json:"reply_id"`
	TopicID  string `json:"topic_id"`
	AuthorID string `json:"author_id"`
	Body     string `json:"body"`
	Revision int64  `json:"revision"`
}

func (h *httpHandler) handleCreateReply(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request replyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	reply, err := h.content.CreateReply(c.Request.Context(), c.Param("id"), userID, request.Body)
	if err != nil {
		h.writeContentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, replyResponsePayload{
		ReplyID:  reply.ReplyID,
		TopicID:  reply.TopicID,
		AuthorID: reply.AuthorID,
		Body:     reply.Body,
		Revision: reply.Revision,
	})
}

// writeContentError maps forum service failures to HTTP statuses using the
// stable operation.reason code.
func (h *httpHandler) writeContentError(c *gin.Context, err error) {
	var serviceErr *content.ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		switch {
		case errors.Is(err, content.ErrTopicNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": code})
		case strings.Contains(code, ".invalid_"):
			c.JSON(http.StatusBadRequest, gin.H{"error": code})
		default:
			h.logger.Error("content operation failed", zap.String("code", code), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": code})
		}
		return
	}
	h.logger.Error("content operation failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "content_failed"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
