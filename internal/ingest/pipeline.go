package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/observability"
	"github.com/tbourn/go-rag-backend/internal/repo"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// Pipeline processes uploaded knowledge files in the background: extract,
// chunk, embed, and upsert into the file's knowledge-base collection. Each
// file either completes with every chunk stored or fails with none counted.
type Pipeline struct {
	DB           *gorm.DB
	Extractor    Extractor
	Embedder     ai.Embedder
	Store        vectorstore.Store
	ChunkSize    int
	ChunkOverlap int
	Timeout      time.Duration

	pool *ants.Pool
}

// Options bundles construction parameters for NewPipeline.
type Options struct {
	DB           *gorm.DB
	Extractor    Extractor
	Embedder     ai.Embedder
	Store        vectorstore.Store
	ChunkSize    int
	ChunkOverlap int
	Workers      int
	Timeout      time.Duration
}

// NewPipeline constructs a Pipeline backed by a fixed-size worker pool.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = 200
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("ingest pool: %w", err)
	}
	return &Pipeline{
		DB:           opts.DB,
		Extractor:    opts.Extractor,
		Embedder:     opts.Embedder,
		Store:        opts.Store,
		ChunkSize:    opts.ChunkSize,
		ChunkOverlap: opts.ChunkOverlap,
		Timeout:      opts.Timeout,
		pool:         pool,
	}, nil
}

// Submit schedules background processing for a pending file. The upload
// request returns immediately; progress is observable through the file's
// status field.
func (p *Pipeline) Submit(fileID string) error {
	return p.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
		defer cancel()
		if err := p.Process(ctx, fileID); err != nil {
			log.Error().Err(err).Str("file_id", fileID).Msg("ingest failed")
		}
	})
}

// Release drains and shuts down the worker pool.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Process runs the full ingestion for one file. Any step failing after the
// file entered processing marks it failed; a file that is no longer pending
// is skipped without error.
func (p *Pipeline) Process(ctx context.Context, fileID string) error {
	ctx, span := otel.Tracer("ingest").Start(ctx, "Pipeline.Process")
	defer span.End()

	file, err := repo.GetKnowledgeFileByID(ctx, p.DB, fileID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", fileID, err)
	}
	kb, err := repo.GetKnowledgeBase(ctx, p.DB, file.KnowledgeBaseID)
	if err != nil {
		// The owning base is gone; there is nothing to ingest into. Leave a
		// terminal status so polling clients do not wait on a pending file.
		if terr := repo.TransitionFileStatus(ctx, p.DB, fileID, domain.FileStatusPending, domain.FileStatusFailed); terr == nil {
			observability.IngestedFiles.WithLabelValues(domain.FileStatusFailed).Inc()
		} else if terr != repo.ErrInvalidTransition {
			log.Error().Err(terr).Str("file_id", fileID).Msg("could not mark file failed")
		}
		return fmt.Errorf("load knowledge base %s: %w", file.KnowledgeBaseID, err)
	}

	if err := repo.TransitionFileStatus(ctx, p.DB, fileID, domain.FileStatusPending, domain.FileStatusProcessing); err != nil {
		if err == repo.ErrInvalidTransition {
			log.Warn().Str("file_id", fileID).Str("status", file.Status).Msg("skipping file not in pending state")
			return nil
		}
		return err
	}

	chunkCount, err := p.ingest(ctx, file, kb)
	if err != nil {
		observability.IngestedFiles.WithLabelValues(domain.FileStatusFailed).Inc()
		if terr := repo.TransitionFileStatus(ctx, p.DB, fileID, domain.FileStatusProcessing, domain.FileStatusFailed); terr != nil {
			log.Error().Err(terr).Str("file_id", fileID).Msg("could not mark file failed")
		}
		return fmt.Errorf("ingest %s: %w", file.Filename, err)
	}

	if err := repo.CompleteFile(ctx, p.DB, fileID, chunkCount, time.Now().UTC()); err != nil {
		return fmt.Errorf("complete file %s: %w", fileID, err)
	}
	if err := repo.RecomputeFileCount(ctx, p.DB, kb.ID); err != nil {
		log.Error().Err(err).Str("kb_id", kb.ID).Msg("could not recompute file count")
	}
	observability.IngestedFiles.WithLabelValues(domain.FileStatusCompleted).Inc()
	observability.IngestedChunks.Add(float64(chunkCount))

	log.Info().
		Str("file_id", fileID).
		Str("filename", file.Filename).
		Str("collection", kb.CollectionName).
		Int("chunks", chunkCount).
		Msg("file ingested")
	return nil
}

func (p *Pipeline) ingest(ctx context.Context, file *domain.KnowledgeFile, kb *domain.KnowledgeBase) (int, error) {
	text, err := p.Extractor.Extract(ctx, file.FilePath)
	if err != nil {
		return 0, err
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(p.ChunkSize),
		textsplitter.WithChunkOverlap(p.ChunkOverlap),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil {
		return 0, fmt.Errorf("split text: %w", err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no chunks produced for %s", file.Filename)
	}

	// One embedding call for the whole file; a single failed chunk fails the
	// file rather than storing a partial document.
	vectors, err := p.Embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	processedAt := time.Now().UTC().Format(time.RFC3339)
	docs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = vectorstore.Document{
			ID:     fmt.Sprintf("%s_%d", file.ID, i),
			Text:   chunk,
			Vector: vectors[i],
			Metadata: map[string]any{
				"file_id":           file.ID,
				"filename":          file.Filename,
				"knowledge_base_id": kb.ID,
				"processed_at":      processedAt,
			},
		}
	}

	if err := p.Store.EnsureCollection(ctx, kb.CollectionName); err != nil {
		return 0, fmt.Errorf("ensure collection %s: %w", kb.CollectionName, err)
	}
	if err := p.Store.Upsert(ctx, kb.CollectionName, docs); err != nil {
		return 0, fmt.Errorf("upsert into %s: %w", kb.CollectionName, err)
	}
	return len(docs), nil
}
