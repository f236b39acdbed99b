package chunkindexer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinker495/csync/internal/chunker"
	"github.com/tinker495/csync/internal/embedder"
	"github.com/tinker495/csync/internal/vectorstore/memstore"
)

// fakeEmbedder rejects any text longer than maxLen with a
// ContextLengthError, otherwise returns a 2-dimensional vector derived
// from the text length so results are distinguishable in assertions.
type fakeEmbedder struct {
	maxLen int
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	for _, t := range texts {
		if f.maxLen > 0 && len(t) > f.maxLen {
			return nil, &embedder.ContextLengthError{Provider: "fake", Err: fmt.Errorf("maximum context length exceeded")}
		}
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimensions() int                { return 2 }
func (f *fakeEmbedder) Close() error                   { return nil }
func (f *fakeEmbedder) Ping(ctx context.Context) error { return nil }

func newTestIndexer(t *testing.T, emb embedder.Embedder, maxBatch int) (*Indexer, *memstore.Store) {
	t.Helper()
	store := memstore.New(filepath.Join(t.TempDir(), "index.gob"))
	if err := store.CreateCollection(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	splitter := chunker.NewSplitter(20, 5)
	return New(store, emb, splitter, "char", maxBatch, 0), store
}

func TestIndexFileCreatesChunksAndDocument(t *testing.T) {
	idx, store := newTestIndexer(t, &fakeEmbedder{}, 64)
	ctx := context.Background()

	created, err := idx.IndexFile(ctx, File{Path: "a.go", Content: strings.Repeat("package a\nfunc f() {}\n", 5), Hash: "h1"})
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if created == 0 {
		t.Fatal("expected at least one chunk created")
	}

	doc, err := store.GetDocument(ctx, "a.go")
	if err != nil || doc == nil {
		t.Fatalf("GetDocument: doc=%v err=%v", doc, err)
	}
	if len(doc.ChunkIDs) != created {
		t.Errorf("expected %d chunk IDs, got %d", created, len(doc.ChunkIDs))
	}
}

func TestIndexFileEmptyContentClearsChunks(t *testing.T) {
	idx, store := newTestIndexer(t, &fakeEmbedder{}, 64)
	ctx := context.Background()

	idx.IndexFile(ctx, File{Path: "a.go", Content: "package a\n", Hash: "h1"})
	if doc, _ := store.GetDocument(ctx, "a.go"); doc == nil {
		t.Fatal("expected initial index to create a document")
	}

	created, err := idx.IndexFile(ctx, File{Path: "a.go", Content: "   \n\t", Hash: "h2"})
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if created != 0 {
		t.Errorf("expected 0 chunks for whitespace-only content, got %d", created)
	}
	if doc, _ := store.GetDocument(ctx, "a.go"); doc != nil {
		t.Error("expected document to be cleared for now-empty file")
	}
}

func TestIndexFilesEnforcesChunkBudget(t *testing.T) {
	idx, store := newTestIndexer(t, &fakeEmbedder{}, 64)
	ctx := context.Background()

	files := []File{
		{Path: "a.go", Content: strings.Repeat("line of code here\n", 20), Hash: "h1"},
		{Path: "b.go", Content: strings.Repeat("line of code here\n", 20), Hash: "h2"},
	}

	result, err := idx.IndexFiles(ctx, files, 3)
	if err != nil {
		t.Fatalf("IndexFiles: %v", err)
	}
	if !result.LimitReached {
		t.Error("expected LimitReached with a tight budget")
	}
	if result.ChunksCreated != 3 {
		t.Errorf("expected exactly 3 chunks created (budget), got %d", result.ChunksCreated)
	}

	all, _ := store.GetAllChunks(ctx)
	if len(all) != 3 {
		t.Errorf("expected 3 persisted chunks, got %d", len(all))
	}
}

func TestIndexFilesNoLimitWhenBudgetZero(t *testing.T) {
	idx, _ := newTestIndexer(t, &fakeEmbedder{}, 64)
	ctx := context.Background()

	files := []File{
		{Path: "a.go", Content: strings.Repeat("line of code here\n", 20), Hash: "h1"},
	}
	result, err := idx.IndexFiles(ctx, files, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.LimitReached {
		t.Error("expected no limit with budget 0 (unlimited)")
	}
}

func TestEmbedWithReChunkingSplitsOversizedChunk(t *testing.T) {
	// maxLen small enough that the char-chunker's default window
	// (chunkSize=20 tokens * 4 chars/token = 80 chars) will be rejected
	// on the first pass and need re-chunking.
	emb := &fakeEmbedder{maxLen: 40}
	idx, store := newTestIndexer(t, emb, 64)
	ctx := context.Background()

	content := strings.Repeat("x", 200)
	created, err := idx.IndexFile(ctx, File{Path: "big.txt", Content: content, Hash: "h1"})
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if created == 0 {
		t.Fatal("expected re-chunking to eventually produce chunks under the limit")
	}

	chunks, _ := store.GetChunksForFile(ctx, "big.txt")
	for _, c := range chunks {
		if len(c.Content) > 40 {
			t.Errorf("expected all persisted chunks under 40 chars after re-chunking, got %d", len(c.Content))
		}
	}
}

func TestEmbedWithCacheSkipsCachedChunks(t *testing.T) {
	emb := &fakeEmbedder{}
	idx, store := newTestIndexer(t, emb, 64)
	ctx := context.Background()

	idx.IndexFile(ctx, File{Path: "a.go", Content: "package a\nfunc f() {}\n", Hash: "h1"})
	firstCalls := emb.calls

	idx2, _ := newTestIndexer(t, emb, 64)
	_ = idx2
	// Re-indexing identical content should hit the embedding cache and
	// avoid calling the embedder again for unchanged chunk content.
	idx.IndexFile(ctx, File{Path: "a.go", Content: "package a\nfunc f() {}\n", Hash: "h1"})
	if emb.calls != firstCalls {
		t.Errorf("expected cache hit to avoid re-embedding, calls went from %d to %d", firstCalls, emb.calls)
	}

	all, _ := store.GetAllChunks(ctx)
	if len(all) == 0 {
		t.Fatal("expected chunks to remain persisted")
	}
}

func TestRemoveFileDeletesChunksAndDocument(t *testing.T) {
	idx, store := newTestIndexer(t, &fakeEmbedder{}, 64)
	ctx := context.Background()

	idx.IndexFile(ctx, File{Path: "a.go", Content: "package a\n", Hash: "h1"})
	if err := idx.RemoveFile(ctx, "a.go"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if doc, _ := store.GetDocument(ctx, "a.go"); doc != nil {
		t.Error("expected document to be removed")
	}
}
