package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-rag-backend/internal/domain"
)

// test DB helper
func newKBRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("kb_repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.KnowledgeBase{}, &domain.KnowledgeFile{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateKnowledgeBase_AllocatesCollectionName(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, err := CreateKnowledgeBase(ctx, db, "docs", "product manuals")
	if err != nil {
		t.Fatalf("CreateKnowledgeBase: %v", err)
	}
	if kb.ID == "" || kb.Name != "docs" || kb.Description != "product manuals" {
		t.Fatalf("unexpected kb: %+v", kb)
	}
	if !strings.HasPrefix(kb.CollectionName, "kb_") || len(kb.CollectionName) != len("kb_")+16 {
		t.Fatalf("collection name not allocated: %q", kb.CollectionName)
	}
	if kb.FileCount != 0 {
		t.Fatalf("file_count should start at 0, got %d", kb.FileCount)
	}

	other, err := CreateKnowledgeBase(ctx, db, "docs2", "")
	if err != nil {
		t.Fatal(err)
	}
	if other.CollectionName == kb.CollectionName {
		t.Fatalf("collection names must be unique: %q", kb.CollectionName)
	}
}

func TestUpdateKnowledgeBase_EmptyFieldsUnchanged(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "original")

	got, err := UpdateKnowledgeBase(ctx, db, kb.ID, "renamed", "")
	if err != nil {
		t.Fatalf("UpdateKnowledgeBase: %v", err)
	}
	if got.Name != "renamed" || got.Description != "original" {
		t.Fatalf("partial update wrong: %+v", got)
	}

	if _, err := UpdateKnowledgeBase(ctx, db, "missing", "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteKnowledgeBase(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "")
	if err := DeleteKnowledgeBase(ctx, db, kb.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := DeleteKnowledgeBase(ctx, db, kb.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestCreateAndGetKnowledgeFile(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "")
	f, err := CreateKnowledgeFile(ctx, db, kb.ID, "manual.pdf", "/tmp/abc.pdf", ".pdf", 1234)
	if err != nil {
		t.Fatalf("CreateKnowledgeFile: %v", err)
	}
	if f.Status != domain.FileStatusPending {
		t.Fatalf("status = %q, want pending", f.Status)
	}

	got, err := GetKnowledgeFile(ctx, db, f.ID, kb.ID)
	if err != nil || got.Filename != "manual.pdf" {
		t.Fatalf("GetKnowledgeFile: %v %+v", err, got)
	}

	// kb-scoped lookup must not leak across bases
	if _, err := GetKnowledgeFile(ctx, db, f.ID, "other-kb"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong kb, got %v", err)
	}

	byID, err := GetKnowledgeFileByID(ctx, db, f.ID)
	if err != nil || byID.ID != f.ID {
		t.Fatalf("GetKnowledgeFileByID: %v %+v", err, byID)
	}
}

func TestTransitionFileStatus_Machine(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "")
	f, _ := CreateKnowledgeFile(ctx, db, kb.ID, "a.txt", "/tmp/a.txt", ".txt", 10)

	// illegal skip: pending → completed
	if err := TransitionFileStatus(ctx, db, f.ID, domain.FileStatusPending, domain.FileStatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending→completed should fail, got %v", err)
	}

	if err := TransitionFileStatus(ctx, db, f.ID, domain.FileStatusPending, domain.FileStatusProcessing); err != nil {
		t.Fatalf("pending→processing: %v", err)
	}

	// stale guard: row is no longer pending
	if err := TransitionFileStatus(ctx, db, f.ID, domain.FileStatusPending, domain.FileStatusProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale transition should fail, got %v", err)
	}

	if err := TransitionFileStatus(ctx, db, f.ID, domain.FileStatusProcessing, domain.FileStatusFailed); err != nil {
		t.Fatalf("processing→failed: %v", err)
	}

	// terminal state is never left
	if err := TransitionFileStatus(ctx, db, f.ID, domain.FileStatusFailed, domain.FileStatusProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed→processing should fail, got %v", err)
	}

	got, _ := GetKnowledgeFileByID(ctx, db, f.ID)
	if got.Status != domain.FileStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

func TestCompleteFile_SetsChunkCountAndTimestamp(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "")
	f, _ := CreateKnowledgeFile(ctx, db, kb.ID, "a.txt", "/tmp/a.txt", ".txt", 10)

	now := time.Now().UTC()

	// only a processing row can be completed
	if err := CompleteFile(ctx, db, f.ID, 3, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing a pending file should fail, got %v", err)
	}

	if err := TransitionFileStatus(ctx, db, f.ID, domain.FileStatusPending, domain.FileStatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := CompleteFile(ctx, db, f.ID, 3, now); err != nil {
		t.Fatalf("CompleteFile: %v", err)
	}

	got, _ := GetKnowledgeFileByID(ctx, db, f.ID)
	if got.Status != domain.FileStatusCompleted || got.ChunkCount != 3 {
		t.Fatalf("commit wrong: %+v", got)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
}

func TestRecomputeFileCount_CountsCompletedOnly(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "")

	mkFile := func(status string) {
		t.Helper()
		f, err := CreateKnowledgeFile(ctx, db, kb.ID, "f.txt", "/tmp/f.txt", ".txt", 1)
		if err != nil {
			t.Fatal(err)
		}
		if status == domain.FileStatusPending {
			return
		}
		if err := db.Model(&domain.KnowledgeFile{}).Where("id = ?", f.ID).Update("status", status).Error; err != nil {
			t.Fatal(err)
		}
	}

	mkFile(domain.FileStatusCompleted)
	mkFile(domain.FileStatusCompleted)
	mkFile(domain.FileStatusFailed)
	mkFile(domain.FileStatusPending)

	if err := RecomputeFileCount(ctx, db, kb.ID); err != nil {
		t.Fatalf("RecomputeFileCount: %v", err)
	}

	got, _ := GetKnowledgeBase(ctx, db, kb.ID)
	if got.FileCount != 2 {
		t.Fatalf("file_count = %d, want 2", got.FileCount)
	}
}

func TestDeleteKnowledgeFile(t *testing.T) {
	db := newKBRepoDB(t)
	ctx := context.Background()

	kb, _ := CreateKnowledgeBase(ctx, db, "docs", "")
	f, _ := CreateKnowledgeFile(ctx, db, kb.ID, "a.txt", "/tmp/a.txt", ".txt", 1)

	if err := DeleteKnowledgeFile(ctx, db, f.ID, "wrong-kb"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong kb should not delete: %v", err)
	}
	if err := DeleteKnowledgeFile(ctx, db, f.ID, kb.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	files, err := ListKnowledgeFiles(ctx, db, kb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("files remain: %+v", files)
	}
}
