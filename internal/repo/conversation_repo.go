// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new Conversation row owned by userID. The title
// defaults to the "New chat" sentinel when empty; kbID may be nil for chats
// without retrieval.
func CreateConversation(ctx context.Context, db *gorm.DB, userID, title, scenario string, kbID *string) (*domain.Conversation, error) {
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	c := &domain.Conversation{
		ID:              uuid.NewString(),
		UserID:          userID,
		Title:           title,
		Scenario:        scenario,
		KnowledgeBaseID: kbID,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns the user's conversations for a scenario, ordered
// by last activity descending. A non-nil kbID additionally filters by
// knowledge base.
func ListConversations(ctx context.Context, db *gorm.DB, userID, scenario string, kbID *string) ([]domain.Conversation, error) {
	q := db.WithContext(ctx).
		Where("user_id = ? AND scenario = ?", userID, scenario)
	if kbID != nil && *kbID != "" {
		q = q.Where("knowledge_base_id = ?", *kbID)
	}
	var out []domain.Conversation
	err := q.Order("updated_at desc").Find(&out).Error
	return out, err
}

// GetConversation fetches a single conversation by its ID and owner. If the
// record does not exist, it returns ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversationTitle updates the title of a conversation owned by userID.
// If no rows are affected (missing or not owned), it returns ErrNotFound.
func UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetConversationTitle updates the title without an ownership check. Used by
// the background title generator, which already holds a validated id.
func SetConversationTitle(ctx context.Context, db *gorm.DB, id, title string) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("title", title).Error
}

// TouchConversation bumps updated_at so the conversation sorts to the top of
// grouped history after a turn.
func TouchConversation(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

// DeleteConversation removes a conversation owned by userID. Message rows
// cascade. Returns ErrNotFound when nothing was deleted.
func DeleteConversation(ctx context.Context, db *gorm.DB, id, userID string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&domain.Conversation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClearKnowledgeBaseRefs nulls the knowledge-base reference on every
// conversation pointing at kbID. Called before the knowledge base row is
// deleted so no conversation is left dangling.
func ClearKnowledgeBaseRefs(ctx context.Context, db *gorm.DB, kbID string) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("knowledge_base_id = ?", kbID).
		Update("knowledge_base_id", nil).Error
}
