// Package mcptools exposes the synchronization core's tool surface
// over the Model Context Protocol (mark3labs/mcp-go): mcp.NewTool +
// AddTool registration, with optional gotoon compact encoding. Every
// handler here delegates to synccontroller/freshness/observability;
// none of them reimplement sync or health logic.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tinker495/csync/internal/chunker"
	"github.com/tinker495/csync/internal/freshness"
	"github.com/tinker495/csync/internal/observability"
	"github.com/tinker495/csync/internal/synccontroller"
	"github.com/tinker495/csync/internal/vectorstore"
)

// languages resolves a file path's extension to the chunker's language
// name, used to annotate search results without the vector store
// needing to persist it redundantly on every chunk.
var languages = chunker.DefaultRegistry()

// maxSearchLimit caps search_code's result count and get_sync_history's
// history depth regardless of what a caller requests.
const maxSearchLimit = 50

// defaultHistoryLimit is get_sync_history's limit when the caller omits
// one.
const defaultHistoryLimit = 10

var extensionFilterPattern = regexp.MustCompile(`^\.[A-Za-z0-9]+$`)

// matchesAnyExtension reports whether path's extension matches one of
// filters (each including its leading dot).
func matchesAnyExtension(path string, filters []string) bool {
	ext := filepath.Ext(path)
	for _, f := range filters {
		if strings.EqualFold(ext, f) {
			return true
		}
	}
	return false
}

// splitCSV parses a comma-separated list parameter into trimmed,
// non-empty entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Deps bundles the collaborators every tool handler needs.
type Deps struct {
	Manager *synccontroller.Manager
	Gate    *freshness.Gate
	Audit   *observability.Registry

	// Embed embeds a search query against the codebase at root. Kept
	// as a callback rather than a concrete embedder.Embedder because
	// each codebase's config may name a different provider/model.
	Embed func(ctx context.Context, root, text string) ([]float32, error)

	// DefaultLimit is used when a caller omits search_code's limit
	// argument.
	DefaultLimit int

	// ResolveRoot turns an optional caller-supplied path into an
	// absolute codebase root, defaulting to the current project when
	// path is empty (config.FindProjectRoot's job, injected here so
	// this package doesn't import cmd/csyncd's working-directory
	// assumptions directly).
	ResolveRoot func(path string) (string, error)
}

// Server wraps the MCP server with the synchronization tool surface.
type Server struct {
	mcpServer *server.MCPServer
	deps      Deps
}

// NewServer creates and registers the full sync/search tool surface.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.mcpServer = server.NewMCPServer(
		"csync",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, for callers that need to
// run it over stdio (cmd/csyncd's mcp-serve subcommand).
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Serve runs the MCP server over stdio until the transport closes.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default:
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

func (s *Server) resolveRoot(request mcp.CallToolRequest) (string, error) {
	path := request.GetString("path", "")
	return s.deps.ResolveRoot(path)
}

func (s *Server) controller(root string) (*synccontroller.Controller, error) {
	return s.deps.Manager.Get(root)
}

func pathArg(desc string) mcp.ToolOption {
	return mcp.WithString("path", mcp.Description(desc))
}

func formatArg() mcp.ToolOption {
	return mcp.WithString("format", mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("index_codebase",
		mcp.WithDescription("Run a full or forced reindex of a codebase (Workflow A)."),
		pathArg("Codebase root; defaults to the current project"),
		mcp.WithBoolean("force", mcp.Description("Drop and rebuild the collection even if content is unchanged (default: false)")),
		mcp.WithString("splitter", mcp.Description("Override the configured splitter for this run: 'ast' or 'langchain' (langchain falls back to ast)")),
		mcp.WithString("custom_extensions", mcp.Description("Comma-separated file extensions (without the leading dot) to restrict this run to")),
		mcp.WithString("ignore_patterns", mcp.Description("Comma-separated extra ignore patterns for this run, on top of the codebase's own ignore files")),
	), s.handleIndexCodebase)

	s.mcpServer.AddTool(mcp.NewTool("search_code",
		mcp.WithDescription("Semantic + keyword hybrid search over an indexed codebase. Runs the freshness gate first so results reflect recent changes."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language or keyword search query")),
		pathArg("Codebase root; defaults to the current project"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results to return (capped at 50)")),
		mcp.WithString("extension_filter", mcp.Description("Comma-separated file extensions, each including the leading dot (e.g. '.go,.py'), to restrict results to")),
		formatArg(),
	), s.handleSearchCode)

	s.mcpServer.AddTool(mcp.NewTool("clear_index",
		mcp.WithDescription("Drop a codebase's collection and reset its status to not_indexed."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleClearIndex)

	s.mcpServer.AddTool(mcp.NewTool("get_indexing_status",
		mcp.WithDescription("Return a codebase's current status (not_indexed/indexing/indexed/failed) and progress."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleGetIndexingStatus)

	s.mcpServer.AddTool(mcp.NewTool("enable_realtime_sync",
		mcp.WithDescription("Start the filesystem watcher for a codebase, driving single-file sync on every change."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleEnableRealtimeSync)

	s.mcpServer.AddTool(mcp.NewTool("disable_realtime_sync",
		mcp.WithDescription("Stop the filesystem watcher for a codebase."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleDisableRealtimeSync)

	s.mcpServer.AddTool(mcp.NewTool("get_realtime_sync_status",
		mcp.WithDescription("Report whether the filesystem watcher is currently running for a codebase."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleGetRealtimeSyncStatus)

	s.mcpServer.AddTool(mcp.NewTool("get_sync_status",
		mcp.WithDescription("Alias of get_indexing_status plus realtime sync state, for a single combined view."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleGetSyncStatus)

	s.mcpServer.AddTool(mcp.NewTool("sync_now",
		mcp.WithDescription("Force an immediate incremental reindex (Workflow B), bypassing the freshness cache."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleSyncNow)

	s.mcpServer.AddTool(mcp.NewTool("get_performance_stats",
		mcp.WithDescription("Return per-codebase counters: mtime cache size, pending ops, last full scan time."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleGetPerformanceStats)

	s.mcpServer.AddTool(mcp.NewTool("health_check",
		mcp.WithDescription("Run the codebase and process-wide health checks and return issues/warnings."),
		pathArg("Codebase root; defaults to the current project"),
	), s.handleHealthCheck)

	s.mcpServer.AddTool(mcp.NewTool("get_sync_history",
		mcp.WithDescription("Return the audit ring (up to 50 entries) of recent sync operations for a codebase."),
		pathArg("Codebase root; defaults to the current project"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries to return (default: 10, capped at 50)")),
	), s.handleGetSyncHistory)
}

func (s *Server) handleIndexCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	force := request.GetBool("force", false)
	splitter := request.GetString("splitter", "")
	extensions := splitCSV(request.GetString("custom_extensions", ""))
	ignorePatterns := splitCSV(request.GetString("ignore_patterns", ""))

	opts, err := c.ScopedIndexOptions(splitter, extensions, ignorePatterns)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("build index options: %v", err)), nil
	}
	if err := c.FullIndex(ctx, force, opts); err != nil {
		var limitErr *vectorstore.CollectionLimitError
		if errors.As(err, &limitErr) {
			// A collection-count limit is a final answer, not a
			// retriable failure: report it as ordinary tool output
			// rather than an error result.
			return mcp.NewToolResultText("collection limit reached"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("index failed: %v", err)), nil
	}
	return statusResult(c.Status())
}

// searchResult is the MCP-visible shape of one hit.
type searchResult struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Score      float32 `json:"score"`
	Content    string  `json:"content"`
	Language   string  `json:"language,omitempty"`
	Incomplete bool    `json:"incomplete,omitempty"`
}

func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", s.deps.DefaultLimit)
	if limit <= 0 {
		limit = s.deps.DefaultLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	extensionFilter := splitCSV(request.GetString("extension_filter", ""))
	for _, ext := range extensionFilter {
		if !extensionFilterPattern.MatchString(ext) {
			return mcp.NewToolResultError(fmt.Sprintf("extension_filter entry %q must look like '.go'", ext)), nil
		}
	}

	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	gateRes, gateErr := s.deps.Gate.Check(ctx, c)
	if msg := freshness.Message(gateRes, gateErr); gateErr != nil && msg == "not indexed" {
		return mcp.NewToolResultError(msg), nil
	}

	vec, err := s.deps.Embed(ctx, root, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("embed query: %v", err)), nil
	}
	hits, err := c.Store().HybridSearch(ctx, vec, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	results := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		if len(extensionFilter) > 0 && !matchesAnyExtension(h.Chunk.FilePath, extensionFilter) {
			continue
		}
		_, lang := languages.Lookup(h.Chunk.FilePath)
		results = append(results, searchResult{
			FilePath:   h.Chunk.FilePath,
			StartLine:  h.Chunk.StartLine,
			EndLine:    h.Chunk.EndLine,
			Score:      h.Score,
			Content:    h.Chunk.Content,
			Language:   lang,
			Incomplete: gateRes.Incomplete,
		})
	}

	output, err := encodeOutput(results, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleClearIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.ClearIndex(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear failed: %v", err)), nil
	}
	return statusResult(c.Status())
}

func (s *Server) handleGetIndexingStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return statusResult(c.Status())
}

func (s *Server) handleEnableRealtimeSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.EnableRealtimeSync(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enable realtime sync: %v", err)), nil
	}
	return realtimeResult(c.RealtimeSyncEnabled())
}

func (s *Server) handleDisableRealtimeSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.DisableRealtimeSync(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("disable realtime sync: %v", err)), nil
	}
	return realtimeResult(c.RealtimeSyncEnabled())
}

func (s *Server) handleGetRealtimeSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return realtimeResult(c.RealtimeSyncEnabled())
}

// syncStatus is the combined view get_sync_status returns.
type syncStatus struct {
	Status           synccontroller.Status `json:"status"`
	Progress         int                   `json:"progress"`
	IndexedFiles     int                   `json:"indexed_files"`
	TotalChunks      int                   `json:"total_chunks"`
	LimitReached     bool                  `json:"limit_reached"`
	Error            string                `json:"error,omitempty"`
	RealtimeEnabled  bool                  `json:"realtime_enabled"`
	LastUpdated      time.Time             `json:"last_updated"`
}

func (s *Server) handleGetSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st := c.Status()
	out := syncStatus{
		Status: st.Status, Progress: st.Progress, IndexedFiles: st.IndexedFiles,
		TotalChunks: st.TotalChunks, LimitReached: st.LimitReached, Error: st.Err,
		RealtimeEnabled: c.RealtimeSyncEnabled(), LastUpdated: st.LastUpdated,
	}
	output, err := encodeOutput(out, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleSyncNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.controller(root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := c.IncrementalReindex(ctx, observability.TriggerManual)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	output, err := encodeOutput(result, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleGetPerformanceStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	counters := s.deps.Audit.GetCounters(root)
	global := s.deps.Audit.GetGlobalCounters()

	out := struct {
		Codebase observability.CodebaseCounters `json:"codebase"`
		Global   observability.GlobalCounters   `json:"global"`
	}{Codebase: counters, Global: global}

	output, err := encodeOutput(out, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleHealthCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := struct {
		Codebase observability.HealthReport `json:"codebase"`
		Global   observability.HealthReport `json:"global"`
	}{
		Codebase: s.deps.Audit.HealthCheck(root),
		Global:   s.deps.Audit.GlobalHealthCheck(),
	}
	output, err := encodeOutput(out, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleGetSyncHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := s.resolveRoot(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	history := s.deps.Audit.History(root, limit)
	output, err := encodeOutput(history, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func statusResult(st synccontroller.StatusRecord) (*mcp.CallToolResult, error) {
	output, err := encodeOutput(st, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func realtimeResult(enabled bool) (*mcp.CallToolResult, error) {
	output, err := encodeOutput(struct {
		Enabled bool `json:"enabled"`
	}{Enabled: enabled}, "json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

// absRoot resolves a possibly relative path argument to an absolute
// one; this package's tests use it (cmd/csyncd resolves roots itself).
func absRoot(path string) (string, error) {
	return filepath.Abs(path)
}
