package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileExtractor_TextFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("line one\nline two\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := FileExtractor{}.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(got, "line one") || !strings.Contains(got, "line two") {
		t.Fatalf("content lost: %q", got)
	}
}

func TestFileExtractor_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.md")
	if err := os.WriteFile(path, []byte("   \n\t\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := (FileExtractor{}).Extract(context.Background(), path); err == nil {
		t.Fatal("expected error for file with no extractable text")
	}
}

func TestFileExtractor_MissingFile(t *testing.T) {
	if _, err := (FileExtractor{}).Extract(context.Background(), "/nonexistent/file.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
