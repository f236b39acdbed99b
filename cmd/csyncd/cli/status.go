package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinker495/csync/internal/synccontroller"
)

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show indexing and realtime sync status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := resolveTargetRoot(args)
	if err != nil {
		return err
	}

	mgr := newManager()
	defer mgr.CloseAll()

	ctrl, err := mgr.Get(root)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	st := ctrl.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "root:     %s\n", root)
	fmt.Fprintf(out, "status:   %s\n", st.Status)
	if st.Status == synccontroller.StatusIndexing {
		fmt.Fprintf(out, "progress: %d\n", st.Progress)
	}
	fmt.Fprintf(out, "files:    %d\n", st.IndexedFiles)
	fmt.Fprintf(out, "chunks:   %d\n", st.TotalChunks)
	if st.LimitReached {
		fmt.Fprintln(out, "chunk budget reached; indexing was truncated")
	}
	if st.Err != "" {
		fmt.Fprintf(out, "error:    %s\n", st.Err)
	}
	fmt.Fprintf(out, "realtime: %v\n", ctrl.RealtimeSyncEnabled())
	return nil
}
