// Package services – KnowledgeService
//
// This file implements KnowledgeService, which manages knowledge bases and
// their files: CRUD on the bases, uploads that register a pending file and
// hand it to the ingestion pipeline, and the deletion cascade that keeps
// conversations, the vector store, and the retriever cache consistent when a
// base goes away.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/ingest"
	"github.com/tbourn/go-rag-backend/internal/repo"
	"github.com/tbourn/go-rag-backend/internal/retriever"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// ingestibleExts is the set of upload extensions the pipeline can process.
var ingestibleExts = map[string]bool{
	".pdf": true,
	".txt": true,
	".md":  true,
}

// KnowledgeService coordinates knowledge-base persistence, file storage on
// disk, the vector store, and the ingestion pipeline.
type KnowledgeService struct {
	DB        *gorm.DB
	Store     vectorstore.Store
	Cache     *retriever.Cache
	Pipeline  *ingest.Pipeline
	UploadDir string
}

// CreateKnowledgeBase registers a new base with a fresh collection name. The
// collection itself is created lazily by the first ingestion.
func (s *KnowledgeService) CreateKnowledgeBase(ctx context.Context, name, description string) (*domain.KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("knowledge base name is empty")
	}
	return repo.CreateKnowledgeBase(ctx, s.DB, name, strings.TrimSpace(description))
}

// ListKnowledgeBases returns all bases, newest first.
func (s *KnowledgeService) ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error) {
	return repo.ListKnowledgeBases(ctx, s.DB)
}

// GetKnowledgeBase fetches one base by id.
func (s *KnowledgeService) GetKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	kb, err := repo.GetKnowledgeBase(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKnowledgeBaseNotFound
		}
		return nil, err
	}
	return kb, nil
}

// KnowledgeBaseDetail is a base plus best-effort vector-store statistics.
// Stats is nil when the collection does not exist yet or the store is
// unreachable.
type KnowledgeBaseDetail struct {
	*domain.KnowledgeBase
	Stats *vectorstore.CollectionStats `json:"collection_stats,omitempty"`
}

// DescribeKnowledgeBase fetches one base together with its collection stats.
// A missing or unreachable collection degrades to a nil Stats rather than an
// error; the row itself is authoritative.
func (s *KnowledgeService) DescribeKnowledgeBase(ctx context.Context, id string) (*KnowledgeBaseDetail, error) {
	kb, err := s.GetKnowledgeBase(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &KnowledgeBaseDetail{KnowledgeBase: kb}
	if stats, err := s.Store.Stats(ctx, kb.CollectionName); err == nil {
		detail.Stats = stats
	} else if !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		log.Warn().Err(err).Str("kb_id", id).Msg("collection stats unavailable")
	}
	return detail, nil
}

// UpdateKnowledgeBase renames one base.
func (s *KnowledgeService) UpdateKnowledgeBase(ctx context.Context, id, name, description string) (*domain.KnowledgeBase, error) {
	kb, err := repo.UpdateKnowledgeBase(ctx, s.DB, id, strings.TrimSpace(name), strings.TrimSpace(description))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKnowledgeBaseNotFound
		}
		return nil, err
	}
	return kb, nil
}

// DeleteKnowledgeBase removes a base and everything hanging off it:
// conversation references are cleared (never left dangling), the vector-store
// collection is dropped, the cached retriever is invalidated, and file rows
// plus stored files are deleted. Partial external failures are logged and do
// not block the database cleanup.
func (s *KnowledgeService) DeleteKnowledgeBase(ctx context.Context, id string) error {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "DeleteKnowledgeBase",
		trace.WithAttributes(attribute.String("kb.id", id)),
	)
	defer span.End()

	kb, err := repo.GetKnowledgeBase(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrKnowledgeBaseNotFound
		}
		return err
	}

	if err := repo.ClearKnowledgeBaseRefs(ctx, s.DB, id); err != nil {
		return fmt.Errorf("clear conversation references: %w", err)
	}

	if s.Store != nil {
		if err := s.Store.DeleteCollection(ctx, kb.CollectionName); err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			log.Error().Err(err).Str("collection", kb.CollectionName).Msg("could not drop collection")
		}
	}
	if s.Cache != nil {
		s.Cache.Invalidate(kb.CollectionName)
	}

	files, err := repo.ListKnowledgeFiles(ctx, s.DB, id)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.FilePath == "" {
			continue
		}
		if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", f.FilePath).Msg("could not remove stored file")
		}
	}
	if err := s.DB.WithContext(ctx).Where("knowledge_base_id = ?", id).Delete(&domain.KnowledgeFile{}).Error; err != nil {
		return err
	}

	return repo.DeleteKnowledgeBase(ctx, s.DB, id)
}

// UploadFile stores an uploaded file on disk, registers it as pending, and
// schedules background ingestion. The returned record is still pending; the
// caller polls its status.
func (s *KnowledgeService) UploadFile(ctx context.Context, kbID, filename string, size int64, r io.Reader) (*domain.KnowledgeFile, error) {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "UploadFile",
		trace.WithAttributes(
			attribute.String("kb.id", kbID),
			attribute.String("filename", filename),
		),
	)
	defer span.End()

	if _, err := repo.GetKnowledgeBase(ctx, s.DB, kbID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKnowledgeBaseNotFound
		}
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !ingestibleExts[ext] {
		return nil, ErrUnsupportedFileType
	}
	if size == 0 {
		return nil, ErrEmptyFile
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}
	path := filepath.Join(s.UploadDir, strings.ReplaceAll(uuid.NewString(), "-", "")+ext)
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	written, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A half-written upload is useless for retry; remove it.
		if rerr := os.Remove(path); rerr != nil {
			log.Warn().Err(rerr).Str("path", path).Msg("could not remove partial upload")
		}
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if written == 0 {
		if rerr := os.Remove(path); rerr != nil {
			log.Warn().Err(rerr).Str("path", path).Msg("could not remove empty upload")
		}
		return nil, ErrEmptyFile
	}

	file, err := repo.CreateKnowledgeFile(ctx, s.DB, kbID, filepath.Base(filename), path, strings.TrimPrefix(ext, "."), written)
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			log.Warn().Err(rerr).Str("path", path).Msg("could not remove orphaned upload")
		}
		return nil, err
	}

	if s.Pipeline != nil {
		if err := s.Pipeline.Submit(file.ID); err != nil {
			log.Error().Err(err).Str("file_id", file.ID).Msg("could not schedule ingestion")
			if terr := repo.TransitionFileStatus(ctx, s.DB, file.ID, domain.FileStatusPending, domain.FileStatusFailed); terr != nil {
				log.Error().Err(terr).Str("file_id", file.ID).Msg("could not mark file failed")
			} else {
				file.Status = domain.FileStatusFailed
			}
		}
	}
	return file, nil
}

// ListFiles returns a base's files, newest upload first.
func (s *KnowledgeService) ListFiles(ctx context.Context, kbID string) ([]domain.KnowledgeFile, error) {
	if _, err := repo.GetKnowledgeBase(ctx, s.DB, kbID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKnowledgeBaseNotFound
		}
		return nil, err
	}
	return repo.ListKnowledgeFiles(ctx, s.DB, kbID)
}

// GetFile fetches one file row scoped to its base.
func (s *KnowledgeService) GetFile(ctx context.Context, kbID, fileID string) (*domain.KnowledgeFile, error) {
	f, err := repo.GetKnowledgeFile(ctx, s.DB, fileID, kbID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return f, nil
}

// DeleteFile removes one file: its stored bytes, its row, and the base's
// completed-file count. Chunks already in the collection stay until the base
// is deleted or re-ingested; the record of them goes away with the file.
func (s *KnowledgeService) DeleteFile(ctx context.Context, kbID, fileID string) error {
	f, err := repo.GetKnowledgeFile(ctx, s.DB, fileID, kbID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return err
	}
	if f.FilePath != "" {
		if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", f.FilePath).Msg("could not remove stored file")
		}
	}
	if err := repo.DeleteKnowledgeFile(ctx, s.DB, fileID, kbID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return err
	}
	return repo.RecomputeFileCount(ctx, s.DB, kbID)
}
