package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"github.com/tinker495/csync/internal/freshness"
)

var (
	searchLimit int
	searchJSON  bool
	searchToon  bool
	searchPath  string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the codebase's vector index",
	Long: `search embeds the query, runs a hybrid dense+lexical search
against the codebase's vector store, and prints the matching chunks.
It runs the freshness gate first, so a stale index is caught up before
the search executes (or the result is marked incomplete while a full
index of the codebase is still running).`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "print results as JSON")
	searchCmd.Flags().BoolVarP(&searchToon, "toon", "t", false, "print results using the compact toon encoding")
	searchCmd.Flags().StringVar(&searchPath, "path", "", "codebase root (defaults to the enclosing csync project)")
	rootCmd.AddCommand(searchCmd)
}

type searchResultJSON struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Score      float32 `json:"score"`
	Content    string  `json:"content"`
	Incomplete bool    `json:"incomplete,omitempty"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchJSON && searchToon {
		return fmt.Errorf("--json and --toon are mutually exclusive")
	}
	query := args[0]

	root, err := resolveTargetRoot(pathArgs())
	if err != nil {
		return err
	}

	mgr := newManager()
	defer mgr.CloseAll()

	ctrl, err := mgr.Get(root)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	ctx := cmd.Context()
	gate := freshness.New()
	gateRes, gateErr := gate.Check(ctx, ctrl)
	if msg := freshness.Message(gateRes, gateErr); gateErr != nil && msg == "not indexed" {
		return errors.New(msg)
	}

	cfg, err := loadEmbedderConfig(root)
	if err != nil {
		return err
	}
	emb, err := initializeEmbedder(ctx, cfg)
	if err != nil {
		return err
	}
	defer emb.Close()

	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	limit := searchLimit
	if limit <= 0 {
		limit = 10
	}
	hits, err := ctrl.Store().HybridSearch(ctx, vec, query, limit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	results := make([]searchResultJSON, len(hits))
	for i, h := range hits {
		results[i] = searchResultJSON{
			FilePath:   h.Chunk.FilePath,
			StartLine:  h.Chunk.StartLine,
			EndLine:    h.Chunk.EndLine,
			Score:      h.Score,
			Content:    h.Chunk.Content,
			Incomplete: gateRes.Incomplete,
		}
	}

	out := cmd.OutOrStdout()
	switch {
	case searchToon:
		encoded, err := gotoon.Encode(results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		fmt.Fprintln(out, encoded)
	case searchJSON:
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		fmt.Fprintln(out, string(data))
	default:
		for _, r := range results {
			fmt.Fprintf(out, "%s:%d-%d (score %.4f)\n", r.FilePath, r.StartLine, r.EndLine, r.Score)
			fmt.Fprintln(out, r.Content)
			fmt.Fprintln(out)
		}
	}
	return nil
}

func pathArgs() []string {
	if searchPath == "" {
		return nil
	}
	return []string{searchPath}
}
