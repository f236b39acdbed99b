package synccontroller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinker495/csync/internal/changedetector"
	"github.com/tinker495/csync/internal/chunker"
	"github.com/tinker495/csync/internal/chunkindexer"
	"github.com/tinker495/csync/internal/hashstore"
	"github.com/tinker495/csync/internal/ignore"
	"github.com/tinker495/csync/internal/observability"
	"github.com/tinker495/csync/internal/vectorstore/memstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (stubEmbedder) Dimensions() int                { return 2 }
func (stubEmbedder) Close() error                   { return nil }
func (stubEmbedder) Ping(ctx context.Context) error { return nil }

func newTestController(t *testing.T) (*Controller, string) {
	t.Helper()
	root := t.TempDir()
	stateDir := t.TempDir()

	matcher, err := ignore.New(root, nil, "")
	if err != nil {
		t.Fatalf("ignore.New: %v", err)
	}
	hashes := hashstore.New(hashstore.SnapshotPath(stateDir, root))
	if err := hashes.Load(); err != nil {
		t.Fatalf("hashes.Load: %v", err)
	}
	detector := changedetector.New(root, matcher, hashes, nil, 0)

	store := memstore.New(filepath.Join(stateDir, "index.gob"))
	splitter := chunker.NewSplitter(20, 5)
	idx := chunkindexer.New(store, stubEmbedder{}, splitter, "char", 64, 0)

	c := New(Deps{
		Root:        root,
		Store:       store,
		Dimensions:  2,
		Indexer:     idx,
		Hashes:      hashes,
		Ignore:      matcher,
		Detector:    detector,
		Audit:       observability.New(),
		ChunkBudget: 0,
		StateDir:    stateDir,
	})
	return c, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFullIndexCreatesChunksAndSetsIndexedStatus(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	writeFile(t, root, "b.py", "print(2)\n")

	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatalf("FullIndex: %v", err)
	}

	status := c.Status()
	if status.Status != StatusIndexed {
		t.Fatalf("expected indexed, got %s", status.Status)
	}
	if status.IndexedFiles != 2 {
		t.Errorf("expected 2 indexed files, got %d", status.IndexedFiles)
	}
}

func TestFullIndexForceClearsAndRebuilds(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")

	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}
	firstChunks := c.Status().TotalChunks

	// Touch byte-identically; force should still reindex everything.
	if err := c.FullIndex(context.Background(), true, IndexOptions{}); err != nil {
		t.Fatal(err)
	}
	status := c.Status()
	if status.Status != StatusIndexed || status.TotalChunks != firstChunks {
		t.Fatalf("expected re-indexed with same chunk count, got %+v", status)
	}
}

func TestIncrementalReindexDetectsAddedModifiedRemoved(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	writeFile(t, root, "b.py", "print(2)\n")
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}

	// Modify a.py, remove b.py, add c.py.
	writeFile(t, root, "a.py", "print(11)\n")
	if err := os.Remove(filepath.Join(root, "b.py")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "c.py", "print(3)\n")

	result, err := c.IncrementalReindex(context.Background(), observability.TriggerManual)
	if err != nil {
		t.Fatalf("IncrementalReindex: %v", err)
	}
	if result.Added != 1 || result.Modified != 1 || result.Removed != 1 {
		t.Errorf("expected {added:1 modified:1 removed:1}, got %+v", result)
	}
}

func TestIncrementalReindexNoChangesReturnsZero(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}

	result, err := c.IncrementalReindex(context.Background(), observability.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if result.Added != 0 || result.Modified != 0 || result.Removed != 0 {
		t.Errorf("expected no changes, got %+v", result)
	}
}

func TestSingleFileUpdateHandlesAddAndRemove(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "d.py", "print(4)\n")
	if err := c.SingleFileUpdate(context.Background(), "d.py"); err != nil {
		t.Fatalf("SingleFileUpdate add: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "d.py")); err != nil {
		t.Fatal(err)
	}
	if err := c.SingleFileUpdate(context.Background(), "d.py"); err != nil {
		t.Fatalf("SingleFileUpdate remove: %v", err)
	}
	if _, known := hashRecord(c, "d.py"); known {
		t.Error("expected d.py to be removed from hash baseline")
	}
}

func hashRecord(c *Controller, rel string) (hashstore.Record, bool) {
	return c.deps.Hashes.Get(rel)
}

func TestCheckAndMaybeSyncUsesCacheWithinTTL(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}

	first, err := c.CheckAndMaybeSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Error("expected first call to be a cache miss")
	}

	second, err := c.CheckAndMaybeSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Error("expected second call within TTL to be served from cache")
	}
}

func TestCheckAndMaybeSyncAppliesChangesOnMiss(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "a.py", "print(11)\n")
	result, err := c.CheckAndMaybeSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !result.HadChanges || result.ChangedCount != 1 {
		t.Errorf("expected 1 change detected, got %+v", result)
	}

	if _, known := hashRecord(c, "a.py"); !known {
		t.Fatal("expected a.py to remain tracked")
	}
}

func TestClearIndexResetsStatus(t *testing.T) {
	c, root := newTestController(t)
	writeFile(t, root, "a.py", "print(1)\n")
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearIndex(context.Background()); err != nil {
		t.Fatalf("ClearIndex: %v", err)
	}
	if status := c.Status(); status.Status != StatusNotIndexed {
		t.Errorf("expected not_indexed after clear, got %s", status.Status)
	}
}

func TestEnableDisableRealtimeSyncTogglesState(t *testing.T) {
	c, _ := newTestController(t)
	if c.RealtimeSyncEnabled() {
		t.Fatal("expected disabled by default")
	}
	if err := c.EnableRealtimeSync(); err != nil {
		t.Fatalf("EnableRealtimeSync: %v", err)
	}
	if !c.RealtimeSyncEnabled() {
		t.Error("expected enabled after EnableRealtimeSync")
	}
	if err := c.DisableRealtimeSync(); err != nil {
		t.Fatalf("DisableRealtimeSync: %v", err)
	}
	if c.RealtimeSyncEnabled() {
		t.Error("expected disabled after DisableRealtimeSync")
	}
}

func TestConcurrentWorkflowsSerialize(t *testing.T) {
	c, root := newTestController(t)
	for i := 0; i < 5; i++ {
		writeFile(t, root, filepath.Join("pkg", "file"+string(rune('a'+i))+".py"), "print(1)\n")
	}
	if err := c.FullIndex(context.Background(), false, IndexOptions{}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	go func() {
		writeFile(t, root, "pkg/filea.py", "print(2)\n")
		_, err := c.IncrementalReindex(context.Background(), observability.TriggerManual)
		done <- err
	}()
	go func() {
		done <- c.SingleFileUpdate(context.Background(), "pkg/fileb.py")
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("concurrent workflow failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent workflows")
		}
	}
}
