package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinker495/csync/internal/config"
	"github.com/tinker495/csync/internal/vectorstore"
)

var (
	indexForce      bool
	indexSplitter   string
	indexExtensions []string
	indexIgnore     []string
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Build a full index of the codebase",
	Long: `index walks the codebase from scratch, hashing every file that
survives the ignore rules, chunking and embedding it, and writing the
hash snapshot and vector store that incremental and realtime sync
build on (Workflow A).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "reindex even if the codebase was already indexed")
	indexCmd.Flags().StringVar(&indexSplitter, "splitter", "", "override the configured splitter for this run (ast or langchain; langchain falls back to ast)")
	indexCmd.Flags().StringSliceVar(&indexExtensions, "extension", nil, "restrict this run to these file extensions, without the leading dot (repeatable)")
	indexCmd.Flags().StringSliceVar(&indexIgnore, "ignore", nil, "extra ignore pattern for this run, on top of the codebase's own ignore files (repeatable)")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	root, err := resolveTargetRoot(args)
	if err != nil {
		return err
	}
	if !config.Exists(root) {
		return fmt.Errorf("no csync project found at %s (run 'csyncd init' first)", root)
	}

	mgr := newManager()
	defer mgr.CloseAll()

	ctrl, err := mgr.Get(root)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	opts, err := ctrl.ScopedIndexOptions(indexSplitter, indexExtensions, indexIgnore)
	if err != nil {
		return fmt.Errorf("build index options: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Indexing %s...\n", root)
	if err := ctrl.FullIndex(cmd.Context(), indexForce, opts); err != nil {
		var limitErr *vectorstore.CollectionLimitError
		if errors.As(err, &limitErr) {
			fmt.Fprintln(cmd.OutOrStdout(), "collection limit reached")
			return nil
		}
		return fmt.Errorf("index: %w", err)
	}

	st := ctrl.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files, %d chunks (limit reached: %v)\n", st.IndexedFiles, st.TotalChunks, st.LimitReached)
	return nil
}

// resolveTargetRoot resolves the optional positional path argument to
// an absolute project root, defaulting to the current directory's
// enclosing csync project.
func resolveTargetRoot(args []string) (string, error) {
	if len(args) == 0 {
		return config.FindProjectRoot()
	}
	return absRootArg(args[0])
}
