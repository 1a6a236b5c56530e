// Package vectorstore provides a minimal REST client to a Chroma server.
// It exposes exactly the collection-level operations the ingestion pipeline
// and retriever need: get-or-create, upsert, similarity query, delete, and
// stats. Embeddings are computed by the caller; the client never embeds.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrCollectionNotFound is returned when an operation targets a collection
// the server does not know about.
var ErrCollectionNotFound = errors.New("vectorstore: collection not found")

// Document is one entry to upsert: an id, the chunk text, its embedding, and
// free-form metadata.
type Document struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]any
}

// QueryResult is one ranked hit from a similarity query.
type QueryResult struct {
	Content  string
	Metadata map[string]any
	Distance float64
}

// CollectionStats describes a collection: its entry count and server-side
// metadata.
type CollectionStats struct {
	Name     string         `json:"name"`
	Count    int            `json:"count"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the vector-store contract consumed by the pipeline and retriever.
type Store interface {
	EnsureCollection(ctx context.Context, name string) error
	HasCollection(ctx context.Context, name string) (bool, error)
	Upsert(ctx context.Context, collection string, docs []Document) error
	Query(ctx context.Context, collection string, vector []float32, k int) ([]QueryResult, error)
	DeleteCollection(ctx context.Context, name string) error
	Stats(ctx context.Context, name string) (*CollectionStats, error)
}

// Client is a REST client to Chroma's v1 API. Collections are addressed by
// name at this level; the client resolves names to server-side ids per call.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client construction parameters.
type Config struct {
	URL     string
	Timeout time.Duration
}

// NewClient constructs a Chroma client. A zero Timeout defaults to 15s.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: timeout},
	}
}

var _ Store = (*Client)(nil)

type collectionInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// EnsureCollection creates the named collection if it does not exist.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	body := map[string]any{"name": name, "get_or_create": true}
	var out collectionInfo
	return c.postJSON(ctx, c.baseURL+"/api/v1/collections", body, &out)
}

// HasCollection reports whether the named collection exists. A lookup failure
// that is not a plain not-found is returned as an error.
func (c *Client) HasCollection(ctx context.Context, name string) (bool, error) {
	_, err := c.getCollection(ctx, name)
	if errors.Is(err, ErrCollectionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Upsert writes docs into the named collection as one logical batch.
func (c *Client) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	info, err := c.getCollection(ctx, collection)
	if err != nil {
		return err
	}

	ids := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	texts := make([]string, len(docs))
	metas := make([]map[string]any, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		embeddings[i] = d.Vector
		texts[i] = d.Text
		metas[i] = d.Metadata
	}
	body := map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"documents":  texts,
		"metadatas":  metas,
	}
	return c.postJSON(ctx, fmt.Sprintf("%s/api/v1/collections/%s/upsert", c.baseURL, info.ID), body, nil)
}

// Query returns up to k hits most similar to vector, ranked best first
// (ascending distance, as reported by the server).
func (c *Client) Query(ctx context.Context, collection string, vector []float32, k int) ([]QueryResult, error) {
	if k <= 0 {
		k = 3
	}
	info, err := c.getCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"query_embeddings": [][]float32{vector},
		"n_results":        k,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	var resp struct {
		Documents [][]string         `json:"documents"`
		Metadatas [][]map[string]any `json:"metadatas"`
		Distances [][]float64        `json:"distances"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("%s/api/v1/collections/%s/query", c.baseURL, info.ID), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Documents) == 0 {
		return nil, nil
	}

	docs := resp.Documents[0]
	results := make([]QueryResult, 0, len(docs))
	for i, text := range docs {
		r := QueryResult{Content: text}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			r.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Distance = resp.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteCollection drops the named collection and all of its entries.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/api/v1/collections/%s", c.baseURL, name), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrCollectionNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vectorstore: DELETE collection %s: %s", name, resp.Status)
	}
	return nil
}

// Stats returns the entry count and metadata for the named collection.
func (c *Client) Stats(ctx context.Context, name string) (*CollectionStats, error) {
	info, err := c.getCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	var count int
	if err := c.getJSON(ctx, fmt.Sprintf("%s/api/v1/collections/%s/count", c.baseURL, info.ID), &count); err != nil {
		return nil, err
	}
	return &CollectionStats{Name: name, Count: count, Metadata: info.Metadata}, nil
}

// getCollection resolves a collection name to its server-side record.
func (c *Client) getCollection(ctx context.Context, name string) (*collectionInfo, error) {
	var info collectionInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/collections/%s", c.baseURL, name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusInternalServerError {
		// Older Chroma servers answer 500 for unknown collection names.
		return nil, ErrCollectionNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vectorstore: GET collection %s: %s", name, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vectorstore: POST %s: %s: %s", url, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vectorstore: GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
