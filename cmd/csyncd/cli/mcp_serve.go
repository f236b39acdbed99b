package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinker495/csync/internal/config"
	"github.com/tinker495/csync/internal/freshness"
	"github.com/tinker495/csync/internal/mcptools"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve [project-path]",
	Short: "Start csyncd as an MCP server",
	Long: `mcp-serve exposes the synchronization core as a Model Context
Protocol server over stdio, so an AI agent can call index_codebase,
search_code, sync_now and the rest of the tool surface directly
instead of shelling out to the CLI.

Arguments:
  project-path  Optional path to a csync project directory. If omitted,
                the server resolves each tool call's codebase from an
                optional per-call "path" argument, defaulting to the
                current project when that is also omitted.

Configuration for Claude Code:
  claude mcp add csync -- csyncd mcp-serve`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	var defaultRoot string
	if len(args) == 1 {
		root, err := absRootArg(args[0])
		if err != nil {
			return err
		}
		defaultRoot = root
	}

	mgr := newManager()
	defer mgr.CloseAll()

	srv := mcptools.NewServer(mcptools.Deps{
		Manager: mgr,
		Gate:    freshness.New(),
		Audit:   audit,
		Embed: func(ctx context.Context, root, text string) ([]float32, error) {
			cfg, err := config.Load(root)
			if err != nil {
				return nil, err
			}
			emb, err := initializeEmbedder(ctx, cfg)
			if err != nil {
				return nil, err
			}
			defer emb.Close()
			return emb.Embed(ctx, text)
		},
		DefaultLimit: 16384,
		ResolveRoot: func(path string) (string, error) {
			if path != "" {
				return absRootArg(path)
			}
			if defaultRoot != "" {
				return defaultRoot, nil
			}
			return config.FindProjectRoot()
		},
	})

	fmt.Fprintln(cmd.ErrOrStderr(), "csyncd: serving MCP tools over stdio")
	return srv.Serve()
}
