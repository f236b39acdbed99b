// Package cli wires csyncd's cobra commands: init, index, search,
// watch, sync, status and mcp-serve, one file per command.
package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "csyncd",
	Short: "Incremental semantic code search sync daemon",
	Long: `csyncd keeps a codebase's vector index in sync with its files on
disk: a full index on demand, incremental catch-up reindexing driven by
a freshness check ahead of every search, and realtime sync driven by a
filesystem watcher.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// absRootArg turns a user-supplied path argument into an absolute
// project root.
func absRootArg(path string) (string, error) {
	return filepath.Abs(path)
}
