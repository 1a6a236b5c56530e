// Package services – ConversationService
//
// This file implements ConversationService, which manages the lifecycle of
// conversations: creation (optionally bound to a knowledge base), grouped
// history listing, title renaming, deletion, and message retrieval. Ownership
// rules are enforced on every per-conversation operation.
//
// Service-level errors (e.g., ErrConversationNotFound) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/repo"
)

// ConversationGroup is one labelled bucket of a user's conversation history,
// ordered most recently active first.
type ConversationGroup struct {
	Label string                `json:"label"`
	Items []domain.Conversation `json:"items"`
}

// ConversationService provides conversation-level operations. It enforces
// ownership constraints and validates knowledge-base references at creation.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
}

// NewConversationService constructs a ConversationService with sane defaults.
func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{DB: db, TitleMaxLen: 60}
}

// Create inserts a new conversation owned by userID. The scenario must be one
// of the supported set; a knowledge-base reference, when given, must resolve.
// New conversations start with the placeholder title.
func (s *ConversationService) Create(ctx context.Context, userID, scenario string, kbID *string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	scenario = strings.TrimSpace(scenario)
	if scenario == "" {
		scenario = ai.ScenarioGeneral
	}
	if !ai.ValidScenario(scenario) {
		return nil, ErrInvalidScenario
	}
	if kbID != nil {
		if _, err := repo.GetKnowledgeBase(ctx, s.DB, *kbID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrKnowledgeBaseNotFound
			}
			return nil, err
		}
	}
	return repo.CreateConversation(ctx, s.DB, userID, domain.DefaultConversationTitle, scenario, kbID)
}

// Get fetches a conversation by ID, ensuring it belongs to the user.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, s.DB, id, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// ListGrouped returns the user's conversations for a scenario bucketed by
// recency of activity: Today, Last 3 days, Last 7 days, Older. Buckets are
// always present, possibly empty, in that order.
func (s *ConversationService) ListGrouped(ctx context.Context, userID, scenario string, kbID *string) ([]ConversationGroup, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListGrouped",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	items, err := repo.ListConversations(ctx, s.DB, userID, scenario, kbID)
	if err != nil {
		return nil, err
	}

	groups := []ConversationGroup{
		{Label: "Today", Items: []domain.Conversation{}},
		{Label: "Last 3 days", Items: []domain.Conversation{}},
		{Label: "Last 7 days", Items: []domain.Conversation{}},
		{Label: "Older", Items: []domain.Conversation{}},
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, conv := range items {
		idx := 3
		switch day := conv.UpdatedAt.In(now.Location()); {
		case !day.Before(today):
			idx = 0
		case !day.Before(today.AddDate(0, 0, -3)):
			idx = 1
		case !day.Before(today.AddDate(0, 0, -7)):
			idx = 2
		}
		groups[idx].Items = append(groups[idx].Items, conv)
	}
	return groups, nil
}

// UpdateTitle renames a conversation, ensuring it exists and belongs to the
// given user. Blank titles fall back to "Untitled".
func (s *ConversationService) UpdateTitle(ctx context.Context, userID, id, title string) error {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		title = "Untitled"
	}
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		title = string([]rune(title)[:s.TitleMaxLen])
	}
	if err := repo.UpdateConversationTitle(ctx, s.DB, id, userID, title); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// Delete removes a conversation and its messages, ensuring ownership.
func (s *ConversationService) Delete(ctx context.Context, userID, id string) error {
	if err := repo.DeleteConversation(ctx, s.DB, id, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// ListMessages returns a page of a conversation's messages in chronological
// order, after verifying the conversation belongs to the user. It applies
// defaults for invalid page/pageSize and returns the total count.
func (s *ConversationService) ListMessages(ctx context.Context, userID, id string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListMessages",
		trace.WithAttributes(
			attribute.String("conversation.id", id),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, err := repo.GetConversation(ctx, s.DB, id, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	total, err := repo.CountMessages(s.DB.WithContext(ctx), id)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), id, (page-1)*pageSize, pageSize)
	return items, total, err
}
