// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// KnowledgeBase and KnowledgeFile models, including the ingestion status
// transitions and the derived file-count recompute.
package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-backend/internal/domain"
)

// ErrInvalidTransition is returned when a status update would leave a terminal
// state or skip a step of the pending → processing → {completed,failed} machine.
var ErrInvalidTransition = fmt.Errorf("invalid file status transition")

// CreateKnowledgeBase inserts a knowledge base with a freshly allocated
// collection name ("kb_" + 16 hex chars). Collection names are never reused.
func CreateKnowledgeBase(ctx context.Context, db *gorm.DB, name, description string) (*domain.KnowledgeBase, error) {
	kb := &domain.KnowledgeBase{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    description,
		CollectionName: "kb_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(kb).Error; err != nil {
		return nil, err
	}
	return kb, nil
}

// ListKnowledgeBases returns all knowledge bases, newest first.
func ListKnowledgeBases(ctx context.Context, db *gorm.DB) ([]domain.KnowledgeBase, error) {
	var out []domain.KnowledgeBase
	err := db.WithContext(ctx).Order("created_at desc").Find(&out).Error
	return out, err
}

// GetKnowledgeBase fetches a knowledge base by ID, or ErrNotFound.
func GetKnowledgeBase(ctx context.Context, db *gorm.DB, id string) (*domain.KnowledgeBase, error) {
	var kb domain.KnowledgeBase
	if err := db.WithContext(ctx).Where("id = ?", id).First(&kb).Error; err != nil {
		return nil, err
	}
	return &kb, nil
}

// UpdateKnowledgeBase updates name/description (empty strings leave the field
// unchanged) and bumps updated_at.
func UpdateKnowledgeBase(ctx context.Context, db *gorm.DB, id, name, description string) (*domain.KnowledgeBase, error) {
	kb, err := GetKnowledgeBase(ctx, db, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if name != "" {
		updates["name"] = name
	}
	if description != "" {
		updates["description"] = description
	}
	if err := db.WithContext(ctx).Model(kb).Updates(updates).Error; err != nil {
		return nil, err
	}
	return GetKnowledgeBase(ctx, db, id)
}

// DeleteKnowledgeBase removes the knowledge base row; owned file rows cascade.
func DeleteKnowledgeBase(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.KnowledgeBase{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateKnowledgeFile registers an uploaded document with status "pending".
func CreateKnowledgeFile(ctx context.Context, db *gorm.DB, kbID, filename, path, fileType string, size int64) (*domain.KnowledgeFile, error) {
	f := &domain.KnowledgeFile{
		ID:              uuid.NewString(),
		KnowledgeBaseID: kbID,
		Filename:        filename,
		FilePath:        path,
		FileSize:        size,
		FileType:        fileType,
		Status:          domain.FileStatusPending,
		UploadedAt:      time.Now().UTC(),
	}
	return f, db.WithContext(ctx).Create(f).Error
}

// GetKnowledgeFile fetches a file row scoped to its knowledge base.
func GetKnowledgeFile(ctx context.Context, db *gorm.DB, id, kbID string) (*domain.KnowledgeFile, error) {
	var f domain.KnowledgeFile
	err := db.WithContext(ctx).
		Where("id = ? AND knowledge_base_id = ?", id, kbID).
		First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetKnowledgeFileByID fetches a file row by primary key alone. Used by the
// ingestion pipeline, which works from file ids without a knowledge-base
// scope.
func GetKnowledgeFileByID(ctx context.Context, db *gorm.DB, id string) (*domain.KnowledgeFile, error) {
	var f domain.KnowledgeFile
	if err := db.WithContext(ctx).Where("id = ?", id).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// ListKnowledgeFiles returns a knowledge base's files, newest upload first.
func ListKnowledgeFiles(ctx context.Context, db *gorm.DB, kbID string) ([]domain.KnowledgeFile, error) {
	var out []domain.KnowledgeFile
	err := db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("uploaded_at desc").
		Find(&out).Error
	return out, err
}

// DeleteKnowledgeFile removes one file row. Returns ErrNotFound when nothing
// was deleted.
func DeleteKnowledgeFile(ctx context.Context, db *gorm.DB, id, kbID string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND knowledge_base_id = ?", id, kbID).
		Delete(&domain.KnowledgeFile{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TransitionFileStatus moves a file along the ingestion state machine. The
// update is guarded in SQL on the current status, so a row already in a
// terminal state is never overwritten (ErrInvalidTransition instead).
func TransitionFileStatus(ctx context.Context, db *gorm.DB, id, from, to string) error {
	if !domain.ValidFileTransition(from, to) {
		return ErrInvalidTransition
	}
	res := db.WithContext(ctx).
		Model(&domain.KnowledgeFile{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CompleteFile commits a successful ingestion: status "completed", the chunk
// count, and the processing timestamp, guarded on status "processing".
func CompleteFile(ctx context.Context, db *gorm.DB, id string, chunkCount int, processedAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.KnowledgeFile{}).
		Where("id = ? AND status = ?", id, domain.FileStatusProcessing).
		Updates(map[string]any{
			"status":       domain.FileStatusCompleted,
			"chunk_count":  chunkCount,
			"processed_at": processedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecomputeFileCount sets the knowledge base's file_count to the number of its
// files with status "completed" and bumps updated_at.
func RecomputeFileCount(ctx context.Context, db *gorm.DB, kbID string) error {
	var completed int64
	err := db.WithContext(ctx).
		Model(&domain.KnowledgeFile{}).
		Where("knowledge_base_id = ? AND status = ?", kbID, domain.FileStatusCompleted).
		Count(&completed).Error
	if err != nil {
		return err
	}
	return db.WithContext(ctx).
		Model(&domain.KnowledgeBase{}).
		Where("id = ?", kbID).
		Updates(map[string]any{
			"file_count": completed,
			"updated_at": time.Now().UTC(),
		}).Error
}
