package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadRoundTrips(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Embedder.Provider = "openai"
	cfg.Embedder.APIKey = "sk-test"

	if err := cfg.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !Exists(root) {
		t.Fatal("expected config file to exist after Save")
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Embedder.Provider != "openai" || loaded.Embedder.APIKey != "sk-test" {
		t.Errorf("unexpected embedder config after round trip: %+v", loaded.Embedder)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(GetConfigDir(root), 0755); err != nil {
		t.Fatal(err)
	}
	partial := "version: 1\nembedder:\n  provider: ollama\n"
	if err := os.WriteFile(GetConfigPath(root), []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chunking.Size != 512 || cfg.Chunking.Budget != 450000 {
		t.Errorf("expected chunking defaults to be filled in, got %+v", cfg.Chunking)
	}
	if cfg.Query.DefaultLimit != 16384 {
		t.Errorf("expected default query limit 16384, got %d", cfg.Query.DefaultLimit)
	}
	if cfg.Embedder.Endpoint != "http://localhost:11434" {
		t.Errorf("expected default ollama endpoint, got %q", cfg.Embedder.Endpoint)
	}
	if cfg.Embedder.Dimensions == nil || *cfg.Embedder.Dimensions != 768 {
		t.Errorf("expected default ollama dimensions 768, got %v", cfg.Embedder.Dimensions)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	root := t.TempDir()
	if _, err := Load(root); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestFindProjectRootWalksUpToConfigDir(t *testing.T) {
	root := t.TempDir()
	if err := DefaultConfig().Save(root); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}

	found, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot: %v", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if found != resolvedRoot {
		t.Errorf("expected %q, got %q", resolvedRoot, found)
	}
}

func TestToEmbedderConfigCarriesFieldsThrough(t *testing.T) {
	dim := 1536
	cfg := EmbedderConfig{Provider: "openai", Model: "text-embedding-3-small", APIKey: "sk-x", Dimensions: &dim, Parallelism: 8}
	out := cfg.ToEmbedderConfig()
	if out.Provider != cfg.Provider || out.Model != cfg.Model || out.APIKey != cfg.APIKey || out.Parallelism != cfg.Parallelism {
		t.Errorf("unexpected conversion: %+v", out)
	}
	if out.Dimensions == nil || *out.Dimensions != dim {
		t.Errorf("expected dimensions %d, got %v", dim, out.Dimensions)
	}
}
