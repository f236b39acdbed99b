package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/tinker495/csync/internal/changedetector"
	"github.com/tinker495/csync/internal/chunker"
	"github.com/tinker495/csync/internal/chunkindexer"
	"github.com/tinker495/csync/internal/config"
	"github.com/tinker495/csync/internal/embedder"
	"github.com/tinker495/csync/internal/hashstore"
	"github.com/tinker495/csync/internal/ignore"
	"github.com/tinker495/csync/internal/observability"
	"github.com/tinker495/csync/internal/synccontroller"
	"github.com/tinker495/csync/internal/vectorstore"
	"github.com/tinker495/csync/internal/vectorstore/memstore"
	"github.com/tinker495/csync/internal/vectorstore/postgres"
	"github.com/tinker495/csync/internal/vectorstore/qdrant"
)

// audit is the process-wide observability registry shared by every
// codebase: health-check thresholds are evaluated per-process rather
// than per-codebase.
var audit = observability.New()

func stateDir(root string) string {
	return config.GetConfigDir(root)
}

// initializeEmbedder builds cfg's embedder and pings it when the
// provider supports it.
func initializeEmbedder(ctx context.Context, cfg *config.Config) (embedder.Embedder, error) {
	emb, err := embedder.New(cfg.Embedder.ToEmbedderConfig())
	if err != nil {
		return nil, err
	}

	switch cfg.Embedder.Provider {
	case "ollama", "lmstudio":
		if err := emb.Ping(ctx); err != nil {
			return nil, fmt.Errorf("cannot connect to %s: %w\nMake sure it is running with the %s model", cfg.Embedder.Provider, err, cfg.Embedder.Model)
		}
	}
	return emb, nil
}

// initializeStore opens cfg's configured vector store backend.
func initializeStore(ctx context.Context, cfg *config.Config, root string) (vectorstore.Store, error) {
	switch cfg.Store.Backend {
	case "memstore":
		st := memstore.New(filepath.Join(stateDir(root), "index.gob"))
		if err := st.Load(ctx); err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
		return st, nil
	case "postgres":
		return postgres.Open(ctx, postgres.Options{
			DSN:   cfg.Store.Postgres.DSN,
			Table: sanitizeCollectionName(root),
		})
	case "qdrant":
		collection := cfg.Store.Qdrant.Collection
		if collection == "" {
			collection = sanitizeCollectionName(root)
		}
		return qdrant.Open(ctx, qdrant.Options{
			Host:       cfg.Store.Qdrant.Endpoint,
			Port:       cfg.Store.Qdrant.Port,
			APIKey:     cfg.Store.Qdrant.APIKey,
			UseTLS:     cfg.Store.Qdrant.UseTLS,
			Collection: collection,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Store.Backend)
	}
}

var collectionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sanitizeCollectionName derives a Qdrant/Postgres-safe identifier
// from a codebase's absolute root path: stable across runs, safe for
// both a Qdrant collection name and a Postgres unquoted identifier.
func sanitizeCollectionName(root string) string {
	name := collectionNameSanitizer.ReplaceAllString(strings.ToLower(root), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "codebase"
	}
	return "csync_" + name
}

// splitterMode resolves a configured splitter name to one of the
// chunker's two actual modes, folding the unimplemented langchain
// splitter back to ast with a logged warning.
func splitterMode(configured string) string {
	if configured == "char" {
		return "char"
	}
	if configured == "langchain" {
		log.Printf("Warning: splitter %q is not implemented; using ast", configured)
	}
	return "ast"
}

// loadEmbedderConfig reads just the embedder section of root's saved
// configuration, for callers (like the search command) that need an
// Embedder without building a whole Controller.
func loadEmbedderConfig(root string) (*config.Config, error) {
	return config.Load(root)
}

// buildController assembles one codebase's Controller from its saved
// configuration, wiring embedder/store/detector/watcher exactly as
// synccontroller.Deps requires.
func buildController(ctx context.Context, root string, mgr *synccontroller.Manager) (*synccontroller.Controller, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	emb, err := initializeEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st, err := initializeStore(ctx, cfg, root)
	if err != nil {
		return nil, err
	}

	dir := stateDir(root)
	matcher, err := ignore.New(root, cfg.Ignore, "")
	if err != nil {
		return nil, fmt.Errorf("build ignore matcher: %w", err)
	}
	hashes := hashstore.New(hashstore.SnapshotPath(userStateDir(), root))
	if err := hashes.Load(); err != nil {
		return nil, fmt.Errorf("load hash snapshot: %w", err)
	}
	fullScanInterval := time.Duration(cfg.Sync.FullScanIntervalMs) * time.Millisecond
	detector := changedetector.New(root, matcher, hashes, nil, fullScanInterval)

	splitMode := splitterMode(cfg.Chunking.Splitter)
	splitter := chunker.NewSplitter(cfg.Chunking.Size, cfg.Chunking.Overlap)
	idx := chunkindexer.New(st, emb, splitter, splitMode, cfg.Embedder.Parallelism*16, cfg.Embedder.Parallelism)

	return synccontroller.New(synccontroller.Deps{
		Root:           root,
		Store:          st,
		Dimensions:     emb.Dimensions(),
		Indexer:        idx,
		Hashes:         hashes,
		Ignore:         matcher,
		Detector:       detector,
		Audit:          audit,
		ChunkBudget:    cfg.Chunking.Budget,
		StateDir:       dir,
		OnStatusChange: mgr.PersistStatus,
	}), nil
}

// newManager builds a Manager whose controllers are constructed
// on-demand from each codebase's own saved configuration.
func newManager() *synccontroller.Manager {
	var mgr *synccontroller.Manager
	mgr = synccontroller.NewManager(snapshotPath(), func(root string) (*synccontroller.Controller, error) {
		return buildController(context.Background(), root, mgr)
	})
	return mgr
}

// userStateDir is the process-wide state directory shared by every
// codebase this process touches: the process snapshot file and each
// codebase's hash snapshot both live under it, keyed apart from any
// single codebase's own .csync/ directory. Mirrors
// daemon.GetDefaultLogDir's per-OS state directory choice.
func userStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", "csyncd")
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			dir = filepath.Join(base, "csyncd")
		} else {
			dir = filepath.Join(home, "AppData", "Local", "csyncd")
		}
	default:
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			dir = filepath.Join(base, "csyncd")
		} else {
			dir = filepath.Join(home, ".local", "state", "csyncd")
		}
	}
	_ = os.MkdirAll(dir, 0755)
	return dir
}

// snapshotPath is the process-wide codebase status snapshot file.
func snapshotPath() string {
	return filepath.Join(userStateDir(), "codebases.json")
}
