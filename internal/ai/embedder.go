// Package ai wraps the remote model services consumed by the application: an
// OpenAI-compatible embedding service and an OpenAI-compatible streaming chat
// completion service. Both are reached through langchaingo clients; the rest
// of the codebase depends only on the small interfaces defined here.
package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tbourn/go-rag-backend/internal/config"
)

// Embedder turns text into fixed-length vectors. Implementations must be safe
// for concurrent use.
type Embedder interface {
	// EmbedText generates a vector for a single text (used for queries).
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// EmbedTexts generates vectors for a batch of texts in input order
	// (used for document chunks).
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder implements Embedder against any OpenAI-compatible embeddings
// endpoint (Aliyun, Ollama, vLLM, ...).
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	dim      int
	logger   zerolog.Logger
}

// NewOpenAIEmbedder constructs an embedder from the model configuration.
func NewOpenAIEmbedder(cfg config.ModelConfig) (*OpenAIEmbedder, error) {
	client, err := openai.New(
		openai.WithBaseURL(cfg.EmbeddingBaseURL),
		openai.WithToken(cfg.EmbeddingAPIKey),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	)
	if err != nil {
		return nil, err
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	return &OpenAIEmbedder{
		embedder: emb,
		dim:      cfg.EmbeddingDim,
		logger:   log.With().Str("component", "embedder").Logger(),
	}, nil
}

// checkDim catches a misconfigured EMBEDDING_DIM at the client: the vector
// store would otherwise reject mismatched vectors at upsert time with a far
// less useful error.
func (e *OpenAIEmbedder) checkDim(v []float32) error {
	if e.dim > 0 && len(v) != e.dim {
		return fmt.Errorf("embedding has %d dimensions, EMBEDDING_DIM is %d", len(v), e.dim)
	}
	return nil
}

// EmbedText generates a vector embedding for a single text string.
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	v, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Error().Err(err).Int("length", len(text)).Msg("embedding failed")
		return nil, err
	}
	if err := e.checkDim(v); err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedTexts generates vector embeddings for multiple texts in one batch.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error().Err(err).Int("count", len(texts)).Msg("batch embedding failed")
		return nil, err
	}
	for _, v := range vs {
		if err := e.checkDim(v); err != nil {
			return nil, err
		}
	}
	return vs, nil
}
