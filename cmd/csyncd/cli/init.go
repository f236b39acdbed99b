package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinker495/csync/internal/config"
)

const lmStudioEmbeddingDimensions = 768

var (
	initProvider       string
	initModel          string
	initBackend        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a csync project in the current directory",
	Long: `init writes .csync/config.yaml, choosing an embedding provider
and a vector store backend either interactively or from flags.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "", "embedding provider (ollama, lmstudio, openai, synthetic, openrouter)")
	initCmd.Flags().StringVarP(&initModel, "model", "m", "", "embedding model (for openrouter: text-embedding-3-small, text-embedding-3-large, qwen3-embedding-8b)")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "storage backend (memstore, postgres, qdrant)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "use defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get current directory: %w", err)
	}

	if config.Exists(cwd) {
		fmt.Fprintln(cmd.OutOrStdout(), "csync is already initialized in this directory.")
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()
	out := cmd.OutOrStdout()

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)
		promptProvider(reader, cfg, out)
		promptBackend(reader, cfg, out)
	} else {
		applyProviderFlag(cfg)
		if initBackend != "" {
			cfg.Store.Backend = initBackend
		}
	}

	if err := cfg.Save(cwd); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	fmt.Fprintf(out, "\nCreated configuration at %s\n", config.GetConfigPath(cwd))

	if err := addToGitignore(cwd, ".csync/"); err != nil {
		fmt.Fprintf(out, "Warning: could not update .gitignore: %v\n", err)
	}

	fmt.Fprintln(out, "\ncsync initialized successfully!")
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Build the initial index: csyncd index")
	fmt.Fprintln(out, "  2. Start realtime sync:      csyncd watch")
	fmt.Fprintln(out, "  3. Search your code:         csyncd search \"your query\"")

	switch cfg.Embedder.Provider {
	case "ollama":
		fmt.Fprintln(out, "\nMake sure Ollama is running with an embedding model, e.g.:")
		fmt.Fprintln(out, "  ollama pull nomic-embed-text")
	case "lmstudio":
		fmt.Fprintln(out, "\nMake sure LM Studio is running with an embedding model loaded.")
		fmt.Fprintf(out, "  Model: %s\n  Endpoint: %s\n", cfg.Embedder.Model, cfg.Embedder.Endpoint)
	case "openai":
		fmt.Fprintln(out, "\nMake sure OPENAI_API_KEY is set in your environment.")
	case "synthetic":
		fmt.Fprintln(out, "\nMake sure SYNTHETIC_API_KEY or OPENAI_API_KEY is set in your environment.")
	case "openrouter":
		fmt.Fprintln(out, "\nMake sure OPENROUTER_API_KEY or OPENAI_API_KEY is set in your environment.")
	}
	return nil
}

func promptProvider(reader *bufio.Reader, cfg *config.Config, out interface{ Write([]byte) (int, error) }) {
	if initProvider != "" {
		applyProviderFlag(cfg)
		return
	}

	fmt.Fprintln(out, "\nSelect embedding provider:")
	fmt.Fprintln(out, "  1) ollama (local, requires Ollama running)")
	fmt.Fprintln(out, "  2) lmstudio (local, OpenAI-compatible, requires LM Studio running)")
	fmt.Fprintln(out, "  3) openai (cloud, requires API key)")
	fmt.Fprintln(out, "  4) synthetic (cloud, free embedding API)")
	fmt.Fprintln(out, "  5) openrouter (cloud, multi-provider gateway)")
	fmt.Fprint(out, "Choice [1]: ")

	input := readLine(reader)
	switch input {
	case "2", "lmstudio":
		cfg.Embedder.Provider = "lmstudio"
		fmt.Fprint(out, "LM Studio endpoint [http://127.0.0.1:1234]: ")
		endpoint := readLine(reader)
		if endpoint == "" {
			endpoint = "http://127.0.0.1:1234"
		}
		cfg.Embedder.Endpoint = endpoint
		cfg.Embedder.Model = "text-embedding-nomic-embed-text-v1.5"
		dim := lmStudioEmbeddingDimensions
		cfg.Embedder.Dimensions = &dim
	case "3", "openai":
		cfg.Embedder.Provider = "openai"
		cfg.Embedder.Model = "text-embedding-3-small"
		cfg.Embedder.Endpoint = "https://api.openai.com/v1"
		cfg.Embedder.Dimensions = nil
	case "4", "synthetic":
		cfg.Embedder.Provider = "synthetic"
		cfg.Embedder.Model = "hf:nomic-ai/nomic-embed-text-v1.5"
		cfg.Embedder.Endpoint = "https://api.synthetic.new/openai/v1"
		dim := 768
		cfg.Embedder.Dimensions = &dim
	case "5", "openrouter":
		cfg.Embedder.Provider = "openrouter"
		cfg.Embedder.Endpoint = "https://openrouter.ai/api/v1"
		cfg.Embedder.Dimensions = nil

		fmt.Fprintln(out, "\nSelect OpenRouter embedding model:")
		fmt.Fprintln(out, "  1) openai/text-embedding-3-small (1536 dims, recommended)")
		fmt.Fprintln(out, "  2) openai/text-embedding-3-large (3072 dims)")
		fmt.Fprintln(out, "  3) qwen/qwen3-embedding-8b (4096 dims, 32K context)")
		fmt.Fprint(out, "Choice [1]: ")
		switch readLine(reader) {
		case "2":
			cfg.Embedder.Model = "openai/text-embedding-3-large"
		case "3":
			cfg.Embedder.Model = "qwen/qwen3-embedding-8b"
		default:
			cfg.Embedder.Model = "openai/text-embedding-3-small"
		}
	default:
		cfg.Embedder.Provider = "ollama"
		fmt.Fprint(out, "Ollama endpoint [http://localhost:11434]: ")
		endpoint := readLine(reader)
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		cfg.Embedder.Endpoint = endpoint
	}
}

func promptBackend(reader *bufio.Reader, cfg *config.Config, out interface{ Write([]byte) (int, error) }) {
	if initBackend != "" {
		cfg.Store.Backend = initBackend
		return
	}

	fmt.Fprintln(out, "\nSelect storage backend:")
	fmt.Fprintln(out, "  1) memstore (in-process, recommended for most projects)")
	fmt.Fprintln(out, "  2) postgres (pgvector, for large monorepos or a shared index)")
	fmt.Fprintln(out, "  3) qdrant (standalone vector database)")
	fmt.Fprint(out, "Choice [1]: ")

	switch readLine(reader) {
	case "2", "postgres":
		cfg.Store.Backend = "postgres"
		fmt.Fprint(out, "PostgreSQL DSN: ")
		cfg.Store.Postgres.DSN = readLine(reader)
	case "3", "qdrant":
		cfg.Store.Backend = "qdrant"
		fmt.Fprint(out, "Qdrant endpoint [localhost]: ")
		endpoint := readLine(reader)
		if endpoint == "" {
			endpoint = "localhost"
		}
		cfg.Store.Qdrant.Endpoint = endpoint

		fmt.Fprint(out, "Qdrant port [6334]: ")
		port := readLine(reader)
		if port == "" {
			cfg.Store.Qdrant.Port = 6334
		} else {
			fmt.Sscanf(port, "%d", &cfg.Store.Qdrant.Port)
		}

		fmt.Fprint(out, "Use TLS? (y/n) [n]: ")
		tls := strings.ToLower(readLine(reader))
		cfg.Store.Qdrant.UseTLS = tls == "y" || tls == "yes"

		fmt.Fprint(out, "Collection name (optional, defaults to a sanitized project path): ")
		cfg.Store.Qdrant.Collection = readLine(reader)

		fmt.Fprint(out, "API key (optional, for Qdrant Cloud): ")
		cfg.Store.Qdrant.APIKey = readLine(reader)
	default:
		cfg.Store.Backend = "memstore"
	}
}

func applyProviderFlag(cfg *config.Config) {
	if initProvider == "" {
		return
	}
	cfg.Embedder.Provider = initProvider
	switch initProvider {
	case "lmstudio":
		cfg.Embedder.Model = "text-embedding-nomic-embed-text-v1.5"
		cfg.Embedder.Endpoint = "http://127.0.0.1:1234"
		dim := lmStudioEmbeddingDimensions
		cfg.Embedder.Dimensions = &dim
	case "openai":
		cfg.Embedder.Model = "text-embedding-3-small"
		cfg.Embedder.Endpoint = "https://api.openai.com/v1"
		cfg.Embedder.Dimensions = nil
	case "synthetic":
		cfg.Embedder.Model = "hf:nomic-ai/nomic-embed-text-v1.5"
		cfg.Embedder.Endpoint = "https://api.synthetic.new/openai/v1"
		dim := 768
		cfg.Embedder.Dimensions = &dim
	case "openrouter":
		cfg.Embedder.Endpoint = "https://openrouter.ai/api/v1"
		cfg.Embedder.Dimensions = nil
		switch initModel {
		case "text-embedding-3-large":
			cfg.Embedder.Model = "openai/text-embedding-3-large"
		case "qwen3-embedding-8b":
			cfg.Embedder.Model = "qwen/qwen3-embedding-8b"
		default:
			cfg.Embedder.Model = "openai/text-embedding-3-small"
		}
	}
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// addToGitignore appends pattern to root's .gitignore if one exists
// and doesn't already contain it.
func addToGitignore(root, pattern string) error {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.Contains(string(data), pattern) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	content := string(data)
	prefix := "\n"
	if len(content) == 0 || strings.HasSuffix(content, "\n") {
		prefix = ""
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}
