package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/ingest"
	"github.com/tbourn/go-rag-backend/internal/repo"
	"github.com/tbourn/go-rag-backend/internal/retriever"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// ----- Fakes -----

type fakeVectorStore struct {
	mu          sync.Mutex
	collections map[string][]vectorstore.Document
	deleted     []string
}

func newFakeVectorStore(collections ...string) *fakeVectorStore {
	s := &fakeVectorStore{collections: make(map[string][]vectorstore.Document)}
	for _, c := range collections {
		s.collections[c] = nil
	}
	return s
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = nil
	}
	return nil
}

func (f *fakeVectorStore) HasCollection(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeVectorStore) Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[collection] = append(f.collections[collection], docs...)
	return nil
}

func (f *fakeVectorStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]vectorstore.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := f.collections[collection]
	if len(docs) > k {
		docs = docs[:k]
	}
	out := make([]vectorstore.QueryResult, 0, len(docs))
	for _, d := range docs {
		out = append(out, vectorstore.QueryResult{Content: d.Text, Metadata: d.Metadata})
	}
	return out, nil
}

func (f *fakeVectorStore) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		return vectorstore.ErrCollectionNotFound
	}
	delete(f.collections, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeVectorStore) Stats(ctx context.Context, name string) (*vectorstore.CollectionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, ok := f.collections[name]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	return &vectorstore.CollectionStats{Name: name, Count: len(docs)}, nil
}

type fakeSvcEmbedder struct{}

func (fakeSvcEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

func (fakeSvcEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

// ----- Tests -----

func TestKnowledgeCRUD(t *testing.T) {
	db := newSvcDB(t)
	svc := &KnowledgeService{DB: db, UploadDir: t.TempDir()}
	ctx := context.Background()

	if _, err := svc.CreateKnowledgeBase(ctx, "   ", ""); err == nil {
		t.Fatal("blank name must fail")
	}

	kb, err := svc.CreateKnowledgeBase(ctx, "  docs  ", " manuals ")
	if err != nil {
		t.Fatalf("CreateKnowledgeBase: %v", err)
	}
	if kb.Name != "docs" || kb.Description != "manuals" {
		t.Fatalf("fields not trimmed: %+v", kb)
	}

	got, err := svc.GetKnowledgeBase(ctx, kb.ID)
	if err != nil || got.ID != kb.ID {
		t.Fatalf("GetKnowledgeBase: %v %+v", err, got)
	}
	if _, err := svc.GetKnowledgeBase(ctx, "missing"); !errors.Is(err, ErrKnowledgeBaseNotFound) {
		t.Fatalf("expected ErrKnowledgeBaseNotFound, got %v", err)
	}

	renamed, err := svc.UpdateKnowledgeBase(ctx, kb.ID, "handbooks", "")
	if err != nil || renamed.Name != "handbooks" || renamed.Description != "manuals" {
		t.Fatalf("UpdateKnowledgeBase: %v %+v", err, renamed)
	}

	all, err := svc.ListKnowledgeBases(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListKnowledgeBases: %v %+v", err, all)
	}
}

func TestDescribeKnowledgeBase_IncludesCollectionStats(t *testing.T) {
	db := newSvcDB(t)
	store := newFakeVectorStore()
	svc := &KnowledgeService{DB: db, Store: store, UploadDir: t.TempDir()}
	ctx := context.Background()

	kb, _ := svc.CreateKnowledgeBase(ctx, "docs", "")

	// No collection yet: detail degrades to nil stats, not an error.
	detail, err := svc.DescribeKnowledgeBase(ctx, kb.ID)
	if err != nil {
		t.Fatalf("DescribeKnowledgeBase: %v", err)
	}
	if detail.Stats != nil {
		t.Fatalf("expected nil stats before ingestion, got %+v", detail.Stats)
	}

	store.EnsureCollection(ctx, kb.CollectionName)
	store.Upsert(ctx, kb.CollectionName, []vectorstore.Document{
		{ID: "d1", Text: "a"}, {ID: "d2", Text: "b"},
	})

	detail, err = svc.DescribeKnowledgeBase(ctx, kb.ID)
	if err != nil {
		t.Fatalf("DescribeKnowledgeBase after upsert: %v", err)
	}
	if detail.Stats == nil || detail.Stats.Count != 2 {
		t.Fatalf("stats = %+v, want count 2", detail.Stats)
	}

	if _, err := svc.DescribeKnowledgeBase(ctx, "missing"); !errors.Is(err, ErrKnowledgeBaseNotFound) {
		t.Fatalf("expected ErrKnowledgeBaseNotFound, got %v", err)
	}
}

func TestUploadFile_RegistersPendingAndStoresBytes(t *testing.T) {
	db := newSvcDB(t)
	dir := t.TempDir()
	svc := &KnowledgeService{DB: db, UploadDir: dir}
	ctx := context.Background()

	kb, _ := svc.CreateKnowledgeBase(ctx, "docs", "")

	f, err := svc.UploadFile(ctx, kb.ID, "guide.txt", 11, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if f.Status != domain.FileStatusPending || f.FileSize != 11 || f.Filename != "guide.txt" {
		t.Fatalf("unexpected file: %+v", f)
	}
	data, err := os.ReadFile(f.FilePath)
	if err != nil || string(data) != "hello world" {
		t.Fatalf("stored bytes wrong: %v %q", err, data)
	}
	if filepath.Dir(f.FilePath) != dir {
		t.Fatalf("stored outside upload dir: %s", f.FilePath)
	}
}

func TestUploadFile_Rejections(t *testing.T) {
	db := newSvcDB(t)
	svc := &KnowledgeService{DB: db, UploadDir: t.TempDir()}
	ctx := context.Background()

	kb, _ := svc.CreateKnowledgeBase(ctx, "docs", "")

	if _, err := svc.UploadFile(ctx, "missing", "a.txt", 1, strings.NewReader("x")); !errors.Is(err, ErrKnowledgeBaseNotFound) {
		t.Fatalf("expected ErrKnowledgeBaseNotFound, got %v", err)
	}
	if _, err := svc.UploadFile(ctx, kb.ID, "shell.exe", 1, strings.NewReader("x")); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
	}
	if _, err := svc.UploadFile(ctx, kb.ID, "empty.txt", 0, strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile for zero size, got %v", err)
	}
	// declared size lies; the real byte count decides
	if _, err := svc.UploadFile(ctx, kb.ID, "empty.txt", 5, strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile for empty reader, got %v", err)
	}
}

func TestUploadFile_EndToEndIngestion(t *testing.T) {
	db := newSvcDB(t)
	store := newFakeVectorStore()
	pipeline, err := ingest.NewPipeline(ingest.Options{
		DB:        db,
		Extractor: ingest.FileExtractor{},
		Embedder:  fakeSvcEmbedder{},
		Store:     store,
		Workers:   1,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pipeline.Release)

	svc := &KnowledgeService{DB: db, Store: store, Pipeline: pipeline, UploadDir: t.TempDir()}
	ctx := context.Background()

	kb, _ := svc.CreateKnowledgeBase(ctx, "docs", "")
	f, err := svc.UploadFile(ctx, kb.ID, "guide.md", 20, strings.NewReader("rollouts are gradual"))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.GetFile(ctx, kb.ID, f.ID)
		if err != nil {
			t.Fatal(err)
		}
		if domain.TerminalFileStatus(got.Status) {
			if got.Status != domain.FileStatusCompleted {
				t.Fatalf("status = %q, want completed", got.Status)
			}
			gotKB, _ := svc.GetKnowledgeBase(ctx, kb.ID)
			if gotKB.FileCount != 1 {
				t.Fatalf("file_count = %d, want 1", gotKB.FileCount)
			}
			if ok, _ := store.HasCollection(ctx, kb.CollectionName); !ok {
				t.Fatal("collection never created")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("ingestion never finished")
}

func TestDeleteKnowledgeBase_Cascade(t *testing.T) {
	db := newSvcDB(t)
	store := newFakeVectorStore()
	cache := retriever.NewCache(fakeSvcEmbedder{}, store, 3)
	svc := &KnowledgeService{DB: db, Store: store, Cache: cache, UploadDir: t.TempDir()}
	ctx := context.Background()

	kb, _ := svc.CreateKnowledgeBase(ctx, "docs", "")
	if err := store.EnsureCollection(ctx, kb.CollectionName); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Get(ctx, kb.CollectionName); err != nil {
		t.Fatal(err)
	}

	// two conversations reference the base; a stored file exists on disk
	c1, _ := repo.CreateConversation(ctx, db, "u1", "a", "general", &kb.ID)
	c2, _ := repo.CreateConversation(ctx, db, "u2", "b", "general", &kb.ID)
	f, err := svc.UploadFile(ctx, kb.ID, "guide.txt", 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteKnowledgeBase(ctx, kb.ID); err != nil {
		t.Fatalf("DeleteKnowledgeBase: %v", err)
	}

	// base and files are gone
	if _, err := svc.GetKnowledgeBase(ctx, kb.ID); !errors.Is(err, ErrKnowledgeBaseNotFound) {
		t.Fatalf("base still present: %v", err)
	}
	if _, err := os.Stat(f.FilePath); !os.IsNotExist(err) {
		t.Fatalf("stored file still on disk: %v", err)
	}

	// conversation references are cleared, conversations survive
	for _, tc := range []struct{ id, user string }{{c1.ID, "u1"}, {c2.ID, "u2"}} {
		got, err := repo.GetConversation(ctx, db, tc.id, tc.user)
		if err != nil {
			t.Fatalf("conversation %s gone: %v", tc.id, err)
		}
		if got.KnowledgeBaseID != nil {
			t.Fatalf("conversation %s still references the base", tc.id)
		}
	}

	// vector store collection dropped, retriever cache invalidated
	if ok, _ := store.HasCollection(ctx, kb.CollectionName); ok {
		t.Fatal("collection not dropped")
	}
	if cache.Len() != 0 {
		t.Fatalf("cache still holds %d retrievers", cache.Len())
	}

	if err := svc.DeleteKnowledgeBase(ctx, kb.ID); !errors.Is(err, ErrKnowledgeBaseNotFound) {
		t.Fatalf("double delete should fail, got %v", err)
	}
}

func TestDeleteFile_RecomputesFileCount(t *testing.T) {
	db := newSvcDB(t)
	svc := &KnowledgeService{DB: db, UploadDir: t.TempDir()}
	ctx := context.Background()

	kb, _ := svc.CreateKnowledgeBase(ctx, "docs", "")
	f, err := svc.UploadFile(ctx, kb.ID, "a.txt", 1, strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}

	// mark it completed so it counts
	if err := repo.TransitionFileStatus(ctx, db, f.ID, domain.FileStatusPending, domain.FileStatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := repo.CompleteFile(ctx, db, f.ID, 1, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := repo.RecomputeFileCount(ctx, db, kb.ID); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteFile(ctx, kb.ID, f.ID); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := os.Stat(f.FilePath); !os.IsNotExist(err) {
		t.Fatalf("stored file still on disk: %v", err)
	}
	gotKB, _ := svc.GetKnowledgeBase(ctx, kb.ID)
	if gotKB.FileCount != 0 {
		t.Fatalf("file_count = %d, want 0", gotKB.FileCount)
	}

	if err := svc.DeleteFile(ctx, kb.ID, f.ID); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("double delete should fail, got %v", err)
	}
}

func TestStream_KnowledgeBaseContextReachesPrompt(t *testing.T) {
	db := newSvcDB(t)
	store := newFakeVectorStore()
	cache := retriever.NewCache(fakeSvcEmbedder{}, store, 3)
	ctx := context.Background()

	kb, err := repo.CreateKnowledgeBase(ctx, db, "runbooks", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureCollection(ctx, kb.CollectionName); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, kb.CollectionName, []vectorstore.Document{
		{ID: "d1", Text: "Rollbacks use the previous release tag."},
	}); err != nil {
		t.Fatal(err)
	}

	model := &fakeStreamModel{tokens: []string{"done"}}
	svc := newStreamSvc(t, db, model)
	svc.Cache = cache

	events, err := svc.Respond(ctx, StreamRequest{
		UserID:          "u1",
		Scenario:        "general",
		KnowledgeBaseID: &kb.ID,
		Message:         "how do I roll back?",
	})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, events)

	prompt := model.prompt()
	if !strings.Contains(prompt, "Rollbacks use the previous release tag.") {
		t.Fatalf("retrieved chunk missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, `"runbooks"`) {
		t.Fatalf("knowledge base name missing from prompt:\n%s", prompt)
	}
}
