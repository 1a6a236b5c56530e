// Package ingest turns uploaded files into embedded chunks inside the vector
// store, driving each file through the pending -> processing ->
// completed/failed lifecycle.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
)

// Extractor pulls plain text out of an uploaded file.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// FileExtractor reads PDF, markdown and plain-text files from disk.
type FileExtractor struct{}

// Extract loads the file at path and returns its text content. PDF pages are
// joined with blank lines; everything else is read as UTF-8 text.
func (FileExtractor) Extract(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var loader documentloaders.Loader
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		info, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		loader = documentloaders.NewPDF(f, info.Size())
	default:
		loader = documentloaders.NewText(f)
	}

	docs, err := loader.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}

	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if s := strings.TrimSpace(d.PageContent); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no extractable text in %s", filepath.Base(path))
	}
	return strings.Join(parts, "\n\n"), nil
}
