// Package retriever turns a user question into the knowledge-base chunks most
// relevant to it, and caches one retriever per collection so repeated chat
// turns against the same knowledge base skip re-construction.
package retriever

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// Chunk is one retrieved piece of knowledge-base content.
type Chunk struct {
	Content  string
	Metadata map[string]any
}

// Retriever embeds a query and searches one fixed collection for its nearest
// chunks. Instances are safe for concurrent use.
type Retriever struct {
	Collection string
	Embedder   ai.Embedder
	Store      vectorstore.Store
	TopK       int
}

// New constructs a Retriever for the given collection, verifying the
// collection exists. TopK values below 1 fall back to 3.
func New(ctx context.Context, collection string, embedder ai.Embedder, store vectorstore.Store, topK int) (*Retriever, error) {
	ok, err := store.HasCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", collection, err)
	}
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collection, vectorstore.ErrCollectionNotFound)
	}
	if topK <= 0 {
		topK = 3
	}
	return &Retriever{
		Collection: collection,
		Embedder:   embedder,
		Store:      store,
		TopK:       topK,
	}, nil
}

// Retrieve returns up to TopK chunks ranked by similarity to query, best
// first. A collection with fewer entries than TopK yields what it has.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Chunk, error) {
	ctx, span := otel.Tracer("retriever").Start(ctx, "Retriever.Retrieve")
	defer span.End()

	vector, err := r.Embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.Store.Query(ctx, r.Collection, vector, r.TopK)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.Collection, err)
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, Chunk{Content: h.Content, Metadata: h.Metadata})
	}
	return chunks, nil
}
