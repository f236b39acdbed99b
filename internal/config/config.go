// Package config loads and saves the per-codebase configuration file
// at <root>/.csync/config.yaml, with a YAML-with-defaults pattern
// (DefaultConfig/applyDefaults).
package config

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinker495/csync/internal/embedder"
)

const (
	// ConfigDir is the per-codebase state directory, holding the
	// config file, the sync lock and (with the memstore backend)
	// index.gob; the hash snapshot lives in the per-user state directory.
	ConfigDir      = ".csync"
	ConfigFileName = "config.yaml"
)

// Config is the on-disk shape of a codebase's configuration.
type Config struct {
	Version   int            `yaml:"version"`
	Embedder  EmbedderConfig `yaml:"embedder"`
	Store     StoreConfig    `yaml:"store"`
	Chunking  ChunkingConfig `yaml:"chunking"`
	Watch     WatchConfig    `yaml:"watch"`
	Search    SearchConfig   `yaml:"search"`
	Query     QueryConfig    `yaml:"query"`
	Sync      SyncConfig     `yaml:"sync"`
	Ignore    []string       `yaml:"ignore"`
}

// EmbedderConfig mirrors internal/embedder.Config so it can be loaded
// straight from YAML and handed to embedder.New unchanged.
type EmbedderConfig struct {
	Provider    string `yaml:"provider"` // ollama | lmstudio | openai | openrouter | synthetic
	Model       string `yaml:"model"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	APIKey      string `yaml:"api_key,omitempty"`
	Dimensions  *int   `yaml:"dimensions,omitempty"`
	Parallelism int    `yaml:"parallelism"`
}

// ToEmbedderConfig converts the on-disk shape into the type
// internal/embedder.New consumes.
func (e EmbedderConfig) ToEmbedderConfig() embedder.Config {
	return embedder.Config{
		Provider:    e.Provider,
		Model:       e.Model,
		Endpoint:    e.Endpoint,
		APIKey:      e.APIKey,
		Dimensions:  e.Dimensions,
		Parallelism: e.Parallelism,
	}
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memstore | postgres | qdrant
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	Qdrant   QdrantConfig   `yaml:"qdrant,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type QdrantConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Port       int    `yaml:"port,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
}

type ChunkingConfig struct {
	Size     int    `yaml:"size"`
	Overlap  int    `yaml:"overlap"`
	Splitter string `yaml:"splitter"` // ast | char | langchain (falls back to ast)
	// Budget caps the total chunks a single Workflow A run may create;
	// 0 means unlimited, default 450000.
	Budget int `yaml:"chunk_budget"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

type SearchConfig struct {
	Hybrid HybridConfig `yaml:"hybrid"`
}

type HybridConfig struct {
	Enabled bool    `yaml:"enabled"`
	K       float32 `yaml:"k"` // RRF constant, default 100 (see DESIGN.md open question decisions)
}

// QueryConfig holds the default_limit setting. It is loaded and
// defaulted, but no command reads it; there is no metadata-filter query
// path.
type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit"`
}

// SyncConfig holds sync settings. FreshnessGateEnabled and
// RealtimeOnStartup are loaded and saved, but no command reads them: the
// freshness gate is always on, and realtime sync starts only on request.
type SyncConfig struct {
	FreshnessGateEnabled bool `yaml:"freshness_gate_enabled"`
	RealtimeOnStartup    bool `yaml:"realtime_on_startup"`
	// FullScanIntervalMs bounds how long an incremental scan may rely
	// on the mtime baseline before it is forced back to a full scan.
	FullScanIntervalMs int64 `yaml:"full_scan_interval_ms"`
}

// DefaultConfig returns the configuration a freshly initialized
// codebase gets.
func DefaultConfig() *Config {
	defaultDim := 768
	return &Config{
		Version: 1,
		Embedder: EmbedderConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Endpoint:   "http://localhost:11434",
			Dimensions: &defaultDim,
		},
		Store: StoreConfig{
			Backend: "memstore",
		},
		Chunking: ChunkingConfig{
			Size:     512,
			Overlap:  50,
			Splitter: "ast",
			Budget:   450000,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Search: SearchConfig{
			Hybrid: HybridConfig{
				Enabled: false,
				K:       100,
			},
		},
		Query: QueryConfig{
			DefaultLimit: 16384,
		},
		Sync: SyncConfig{
			FreshnessGateEnabled: true,
			RealtimeOnStartup:    false,
			FullScanIntervalMs:   300000,
		},
		Ignore: []string{
			".git",
			".csync",
			"node_modules",
			"vendor",
			"bin",
			"dist",
			"__pycache__",
			".venv",
			"venv",
			".idea",
			".vscode",
			"target",
		},
	}
}

func GetConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir)
}

func GetConfigPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), ConfigFileName)
}

// Load reads and parses the config file at projectRoot, applying
// defaults to any field a YAML author may have omitted so older
// config files stay valid across schema growth.
func Load(projectRoot string) (*Config, error) {
	configPath := GetConfigPath(projectRoot)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// A strict second decode only reports unknown keys; they are ignored.
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	if err := strict.Decode(&Config{}); err != nil && err != io.EOF {
		log.Printf("Warning: %s: %v", configPath, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in missing configuration values with sensible
// defaults, so an older config file written before a field existed
// still loads with reasonable behavior.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Embedder.Endpoint == "" {
		switch c.Embedder.Provider {
		case "ollama":
			c.Embedder.Endpoint = "http://localhost:11434"
		case "lmstudio":
			c.Embedder.Endpoint = "http://127.0.0.1:1234"
		case "openai":
			c.Embedder.Endpoint = "https://api.openai.com/v1"
		default:
			c.Embedder.Endpoint = defaults.Embedder.Endpoint
		}
	}
	if c.Embedder.Dimensions == nil {
		switch c.Embedder.Provider {
		case "ollama", "lmstudio":
			dim := 768
			c.Embedder.Dimensions = &dim
		}
	}
	if c.Embedder.Parallelism <= 0 {
		c.Embedder.Parallelism = 4
	}

	if c.Chunking.Size == 0 {
		c.Chunking.Size = defaults.Chunking.Size
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = defaults.Chunking.Overlap
	}
	if c.Chunking.Splitter == "" {
		c.Chunking.Splitter = defaults.Chunking.Splitter
	}
	if c.Chunking.Budget == 0 {
		c.Chunking.Budget = defaults.Chunking.Budget
	}

	if c.Watch.DebounceMs == 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Search.Hybrid.K == 0 {
		c.Search.Hybrid.K = defaults.Search.Hybrid.K
	}
	if c.Query.DefaultLimit == 0 {
		c.Query.DefaultLimit = defaults.Query.DefaultLimit
	}
	if c.Store.Backend == "qdrant" && c.Store.Qdrant.Port <= 0 {
		c.Store.Qdrant.Port = 6334
	}
	if c.Sync.FullScanIntervalMs <= 0 {
		c.Sync.FullScanIntervalMs = defaults.Sync.FullScanIntervalMs
	}
}

// Save writes cfg to projectRoot's config file, creating the state
// directory if it does not exist.
func (c *Config) Save(projectRoot string) error {
	configDir := GetConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := GetConfigPath(projectRoot)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists reports whether projectRoot already has a config file.
func Exists(projectRoot string) bool {
	_, err := os.Stat(GetConfigPath(projectRoot))
	return err == nil
}

// FindProjectRoot walks up from the current directory looking for a
// .csync/ directory. There is no git-worktree fallback: a codebase
// here is a single directory identified by its own root path.
func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	cwd, err = filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	dir := cwd
	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no csync project found (run 'csyncd init' first)")
}
