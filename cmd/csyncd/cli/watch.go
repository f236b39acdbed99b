package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinker495/csync/internal/daemon"
	"github.com/tinker495/csync/internal/observability"
	"github.com/tinker495/csync/internal/synccontroller"
)

var (
	watchBackground bool
	watchLogDir     string
	watchStatus     bool
	watchStop       bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Run realtime sync (Workflow C)",
	Long: `watch enables the codebase's filesystem watcher, applying each
changed file as it settles (debounced) instead of waiting for the next
incremental sync.

Background mode:
  csyncd watch --background                         run detached with the default log directory
  csyncd watch --background --log-dir /custom/path   run detached with a custom log directory
  csyncd watch --status                              check if a background watcher is running
  csyncd watch --stop                                stop the background watcher

Default log directories:
  Linux:   ~/.local/state/csyncd/logs/csyncd-watch.log (or $XDG_STATE_HOME)
  macOS:   ~/Library/Logs/csyncd/csyncd-watch.log
  Windows: %LOCALAPPDATA%\csyncd\logs\csyncd-watch.log`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "run in background mode")
	watchCmd.Flags().StringVar(&watchLogDir, "log-dir", "", "directory for log files (default: OS-specific)")
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "show background watcher status")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "stop the background watcher")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	active := 0
	for _, f := range []bool{watchBackground, watchStatus, watchStop} {
		if f {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("flags --background, --status and --stop are mutually exclusive")
	}

	logDir := watchLogDir
	if logDir == "" {
		dir, err := daemon.GetDefaultLogDir()
		if err != nil {
			return fmt.Errorf("get default log directory: %w", err)
		}
		logDir = dir
	}

	if watchStatus {
		return showWatchStatus(cmd, logDir)
	}
	if watchStop {
		return stopWatchDaemon(cmd, logDir)
	}

	root, err := resolveTargetRoot(args)
	if err != nil {
		return err
	}

	if watchBackground {
		return startBackgroundWatch(cmd, root, logDir)
	}
	return runWatchForeground(cmd, root, logDir)
}

func showWatchStatus(cmd *cobra.Command, logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return fmt.Errorf("check watcher status: %w", err)
	}
	out := cmd.OutOrStdout()
	if pid == 0 {
		fmt.Fprintln(out, "No background watcher is running")
		return nil
	}
	ready := daemon.IsReady(logDir)
	fmt.Fprintf(out, "Background watcher running (pid %d, ready=%v, logs: %s)\n", pid, ready, logDir)
	return nil
}

func stopWatchDaemon(cmd *cobra.Command, logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return fmt.Errorf("check watcher status: %w", err)
	}
	if pid == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No background watcher is running")
		return nil
	}

	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("stop watcher: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.IsProcessRunning(pid) {
			_ = daemon.RemovePIDFile(logDir)
			_ = daemon.RemoveReadyFile(logDir)
			fmt.Fprintln(cmd.OutOrStdout(), "Background watcher stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("watcher did not stop within 30s (pid %d)", pid)
}

func startBackgroundWatch(cmd *cobra.Command, root, logDir string) error {
	args := []string{"watch", root, "--log-dir", logDir}
	pid, exitCh, err := daemon.SpawnBackground(logDir, args)
	if err != nil {
		return fmt.Errorf("spawn background watcher: %w", err)
	}

	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-exitCh:
			return fmt.Errorf("background watcher (pid %d) exited during startup; see %s", pid, logDir)
		case <-deadline:
			return fmt.Errorf("background watcher (pid %d) did not become ready within 30s", pid)
		case <-ticker.C:
			if daemon.IsReady(logDir) {
				fmt.Fprintf(cmd.OutOrStdout(), "Background watcher started (pid %d, logs: %s)\n", pid, logDir)
				return nil
			}
		}
	}
}

func runWatchForeground(cmd *cobra.Command, root, logDir string) error {
	if err := daemon.WritePIDFile(logDir); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer daemon.RemovePIDFile(logDir)

	mgr := newManager()
	defer mgr.CloseAll()

	ctrl, err := mgr.Get(root)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	if ctrl.Status().Status == synccontroller.StatusNotIndexed {
		fmt.Fprintln(cmd.OutOrStdout(), "No existing index found; running a full index first")
		if err := ctrl.FullIndex(cmd.Context(), false, synccontroller.IndexOptions{}); err != nil {
			return fmt.Errorf("initial index: %w", err)
		}
	} else if _, err := ctrl.IncrementalReindex(cmd.Context(), observability.TriggerManual); err != nil {
		return fmt.Errorf("startup catch-up sync: %w", err)
	}

	if err := ctrl.EnableRealtimeSync(); err != nil {
		return fmt.Errorf("enable realtime sync: %w", err)
	}
	defer ctrl.DisableRealtimeSync()

	if err := daemon.WriteReadyFile(logDir); err != nil {
		return fmt.Errorf("write ready file: %w", err)
	}
	defer daemon.RemoveReadyFile(logDir)

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes (ctrl-c to stop)\n", root)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Fprintln(cmd.OutOrStdout(), "Stopping watcher...")
	return nil
}
