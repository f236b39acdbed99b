package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tinker495/csync/internal/changedetector"
	"github.com/tinker495/csync/internal/chunker"
	"github.com/tinker495/csync/internal/chunkindexer"
	"github.com/tinker495/csync/internal/freshness"
	"github.com/tinker495/csync/internal/hashstore"
	"github.com/tinker495/csync/internal/ignore"
	"github.com/tinker495/csync/internal/observability"
	"github.com/tinker495/csync/internal/synccontroller"
	"github.com/tinker495/csync/internal/vectorstore/memstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (stubEmbedder) Dimensions() int                { return 2 }
func (stubEmbedder) Close() error                   { return nil }
func (stubEmbedder) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	stateDir := t.TempDir()
	audit := observability.New()

	mgr := synccontroller.NewManager(filepath.Join(stateDir, "snapshot.json"), func(root string) (*synccontroller.Controller, error) {
		matcher, err := ignore.New(root, nil, "")
		if err != nil {
			return nil, err
		}
		hashes := hashstore.New(hashstore.SnapshotPath(stateDir, root))
		if err := hashes.Load(); err != nil {
			return nil, err
		}
		detector := changedetector.New(root, matcher, hashes, nil, 0)
		store := memstore.New(filepath.Join(stateDir, "index.gob"))
		splitter := chunker.NewSplitter(20, 5)
		idx := chunkindexer.New(store, stubEmbedder{}, splitter, "char", 64, 0)

		return synccontroller.New(synccontroller.Deps{
			Root: root, Store: store, Dimensions: 2, Indexer: idx,
			Hashes: hashes, Ignore: matcher, Detector: detector,
			Audit: audit, StateDir: stateDir,
		}), nil
	})

	srv := NewServer(Deps{
		Manager: mgr,
		Gate:    freshness.New(),
		Audit:   audit,
		Embed: func(ctx context.Context, root, text string) ([]float32, error) {
			return []float32{1, 0}, nil
		},
		DefaultLimit: 16384,
		ResolveRoot: func(path string) (string, error) {
			if path == "" {
				return root, nil
			}
			return absRoot(path)
		},
	})
	return srv, root
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

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func newRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestIndexCodebaseThenGetIndexingStatus(t *testing.T) {
	srv, root := newTestServer(t)
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	ctx := context.Background()
	res, err := srv.handleIndexCodebase(ctx, newRequest(nil))
	if err != nil {
		t.Fatalf("handleIndexCodebase: %v", err)
	}
	if res.IsError {
		t.Fatalf("index_codebase returned an error result: %s", textOf(t, res))
	}

	res, err = srv.handleGetIndexingStatus(ctx, newRequest(nil))
	if err != nil {
		t.Fatalf("handleGetIndexingStatus: %v", err)
	}
	var st synccontroller.StatusRecord
	if err := json.Unmarshal([]byte(textOf(t, res)), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != synccontroller.StatusIndexed {
		t.Fatalf("expected indexed, got %s", st.Status)
	}
}

func TestSearchCodeBeforeIndexingFails(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := srv.handleSearchCode(context.Background(), newRequest(map[string]any{"query": "main"}))
	if err != nil {
		t.Fatalf("handleSearchCode: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for a not-indexed codebase")
	}
}

func TestSearchCodeAfterIndexingSucceeds(t *testing.T) {
	srv, root := newTestServer(t)
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	ctx := context.Background()
	if _, err := srv.handleIndexCodebase(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleIndexCodebase: %v", err)
	}

	res, err := srv.handleSearchCode(ctx, newRequest(map[string]any{"query": "main"}))
	if err != nil {
		t.Fatalf("handleSearchCode: %v", err)
	}
	if res.IsError {
		t.Fatalf("search_code returned an error result: %s", textOf(t, res))
	}

	var results []searchResult
	if err := json.Unmarshal([]byte(textOf(t, res)), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search result")
	}
}

func TestSearchCodeRejectsUnknownFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := srv.handleSearchCode(context.Background(), newRequest(map[string]any{
		"query": "main", "format": "xml",
	}))
	if err != nil {
		t.Fatalf("handleSearchCode: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an unsupported format")
	}
}

func TestClearIndexResetsStatus(t *testing.T) {
	srv, root := newTestServer(t)
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	ctx := context.Background()
	if _, err := srv.handleIndexCodebase(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleIndexCodebase: %v", err)
	}
	if _, err := srv.handleClearIndex(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleClearIndex: %v", err)
	}

	res, err := srv.handleGetIndexingStatus(ctx, newRequest(nil))
	if err != nil {
		t.Fatalf("handleGetIndexingStatus: %v", err)
	}
	var st synccontroller.StatusRecord
	if err := json.Unmarshal([]byte(textOf(t, res)), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != synccontroller.StatusNotIndexed {
		t.Fatalf("expected not_indexed after clear, got %s", st.Status)
	}
}

func TestEnableAndDisableRealtimeSync(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	res, err := srv.handleEnableRealtimeSync(ctx, newRequest(nil))
	if err != nil {
		t.Fatalf("handleEnableRealtimeSync: %v", err)
	}
	if res.IsError {
		t.Fatalf("enable_realtime_sync returned an error result: %s", textOf(t, res))
	}

	res, err = srv.handleGetRealtimeSyncStatus(ctx, newRequest(nil))
	if err != nil {
		t.Fatalf("handleGetRealtimeSyncStatus: %v", err)
	}
	var enabled struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(textOf(t, res)), &enabled); err != nil {
		t.Fatalf("decode realtime status: %v", err)
	}
	if !enabled.Enabled {
		t.Fatal("expected realtime sync to be enabled")
	}

	if _, err := srv.handleDisableRealtimeSync(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleDisableRealtimeSync: %v", err)
	}
}

func TestGetSyncHistoryAfterIncrementalSync(t *testing.T) {
	srv, root := newTestServer(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a\n")
	if _, err := srv.handleIndexCodebase(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleIndexCodebase: %v", err)
	}
	writeFile(t, root, "b.go", "package b\n")
	if _, err := srv.handleSyncNow(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleSyncNow: %v", err)
	}

	res, err := srv.handleGetSyncHistory(ctx, newRequest(nil))
	if err != nil {
		t.Fatalf("handleGetSyncHistory: %v", err)
	}
	var history []observability.AuditEntry
	if err := json.Unmarshal([]byte(textOf(t, res)), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected at least one audit entry after full index + sync_now")
	}
}

func TestHealthCheckAndPerformanceStats(t *testing.T) {
	srv, root := newTestServer(t)
	ctx := context.Background()
	writeFile(t, root, "main.go", "package main\n")
	if _, err := srv.handleIndexCodebase(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleIndexCodebase: %v", err)
	}

	if _, err := srv.handleHealthCheck(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleHealthCheck: %v", err)
	}
	if _, err := srv.handleGetPerformanceStats(ctx, newRequest(nil)); err != nil {
		t.Fatalf("handleGetPerformanceStats: %v", err)
	}
}
