// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST   /conversations                 (create)
//   - GET    /conversations                 (list, grouped by recency)
//   - GET    /conversations/{id}/messages   (history, paginated)
//   - PUT    /conversations/{id}/title      (rename)
//   - DELETE /conversations/{id}            (delete)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/services"
	"github.com/tbourn/go-rag-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines conversation lifecycle operations consumed by
// HTTP handlers. Implementations must be safe for concurrent use and honor
// the provided context.
type ConversationService interface {
	// Create starts a new conversation, optionally bound to a knowledge base.
	Create(ctx context.Context, userID, scenario string, kbID *string) (*domain.Conversation, error)
	// ListGrouped returns the user's conversations bucketed by recency.
	ListGrouped(ctx context.Context, userID, scenario string, kbID *string) ([]services.ConversationGroup, error)
	// UpdateTitle renames a conversation that belongs to userID.
	UpdateTitle(ctx context.Context, userID, id, title string) error
	// Delete removes a conversation and its messages.
	Delete(ctx context.Context, userID, id string) error
	// ListMessages returns a page of a conversation's messages and the total.
	ListMessages(ctx context.Context, userID, id string, page, pageSize int) ([]domain.Message, int64, error)
}

// ChatStreamer runs one streaming chat turn.
type ChatStreamer interface {
	Respond(ctx context.Context, req services.StreamRequest) (<-chan services.StreamEvent, error)
}

// KnowledgeManager defines knowledge-base operations consumed by HTTP handlers.
type KnowledgeManager interface {
	CreateKnowledgeBase(ctx context.Context, name, description string) (*domain.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error)
	DescribeKnowledgeBase(ctx context.Context, id string) (*services.KnowledgeBaseDetail, error)
	UpdateKnowledgeBase(ctx context.Context, id, name, description string) (*domain.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) error
	UploadFile(ctx context.Context, kbID, filename string, size int64, r io.Reader) (*domain.KnowledgeFile, error)
	ListFiles(ctx context.Context, kbID string) ([]domain.KnowledgeFile, error)
	GetFile(ctx context.Context, kbID, fileID string) (*domain.KnowledgeFile, error)
	DeleteFile(ctx context.Context, kbID, fileID string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for conversations, streaming chat, and
// knowledge bases. It depends on abstract service interfaces to keep
// transport concerns separate from business logic.
type Handlers struct {
	convSvc   ConversationService
	streamSvc ChatStreamer
	kbSvc     KnowledgeManager
}

// New constructs a Handlers instance bound to the given services.
func New(convSvc ConversationService, streamSvc ChatStreamer, kbSvc KnowledgeManager) *Handlers {
	return &Handlers{convSvc: convSvc, streamSvc: streamSvc, kbSvc: kbSvc}
}

// userID extracts the authenticated user id from the Gin context (set by
// upstream middleware). If absent, it falls back to the "X-User-ID" header
// (tests use it), and finally to "demo-user".
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// CreateConversationRequest is the JSON payload for creating a conversation.
type CreateConversationRequest struct {
	// Scenario selects the prompt template; empty means general chat.
	Scenario string `json:"scenario"`
	// KnowledgeBaseID optionally binds the conversation to a knowledge base.
	KnowledgeBaseID *string `json:"knowledge_base_id"`
}

// UpdateConversationTitleRequest is the JSON payload for renaming.
type UpdateConversationTitleRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMessagesResponse wraps a page of messages and pagination information.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// CreateConversation creates a conversation for the current user.
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	conv, err := h.convSvc.Create(c.Request.Context(), userID(c), req.Scenario, req.KnowledgeBaseID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidScenario):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrKnowledgeBaseNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations returns the user's conversations bucketed by recency
// (Today, Last 3 days, Last 7 days, Older). Optional query params: scenario,
// knowledge_base_id.
func (h *Handlers) ListConversations(c *gin.Context) {
	var kbID *string
	if v := strings.TrimSpace(c.Query("knowledge_base_id")); v != "" {
		kbID = &v
	}
	groups, err := h.convSvc.ListGrouped(c.Request.Context(), userID(c), c.Query("scenario"), kbID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"groups": groups})
}

// ListConversationMessages returns one page of a conversation's messages in
// chronological order.
func (h *Handlers) ListConversationMessages(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.convSvc.ListMessages(c.Request.Context(), userID(c), c.Param("id"), page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// UpdateConversationTitle renames a conversation owned by the current user.
func (h *Handlers) UpdateConversationTitle(c *gin.Context) {
	var req UpdateConversationTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title is required (1-255 chars)")
		return
	}
	if err := h.convSvc.UpdateTitle(c.Request.Context(), userID(c), c.Param("id"), req.Title); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// DeleteConversation removes a conversation owned by the current user.
func (h *Handlers) DeleteConversation(c *gin.Context) {
	if err := h.convSvc.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}
