package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cohortlabs/cohort/internal/bus"
	"github.com/cohortlabs/cohort/internal/config"
	"github.com/cohortlabs/cohort/internal/consensus"
	"github.com/cohortlabs/cohort/internal/exec"
	"github.com/cohortlabs/cohort/internal/git"
	"github.com/cohortlabs/cohort/internal/merge"
	"github.com/cohortlabs/cohort/internal/orchestrator"
	"github.com/cohortlabs/cohort/internal/state"
	"github.com/cohortlabs/cohort/internal/supervisor"
	"github.com/cohortlabs/cohort/internal/workspace"
)

var (
	runConfigPath string
	runQuiet      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a cohort of tasks across parallel workers",
	Long: `Run the tasks declared in the run configuration.

Each task gets a worker process in an isolated git worktree branched
from the base ref. Workers report progress through per-worker inbox
files; the coordinator promotes those entries onto a globally ordered
findings log, watches for scope drift and stalls, and resolves any
configured shared decision by vote.

When the cohort finishes, completed workspaces are merged back onto
the base ref in ascending task ID order. Conflicting workspaces are
reported and skipped; they never block unrelated work.

Exit codes:
  0  every worker completed and merged cleanly
  1  some workers failed, drifted, timed out, or conflicted
  2  fatal configuration or allocation error before workers ran`,
	RunE: runCohort,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "cohort.yaml", "Path to the run configuration")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress output")
}

func runCohort(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cohort: %v\n", err)
		os.Exit(2)
	}

	if err := CheckGit(); err != nil {
		return err
	}

	busRoot := cfg.BusRoot
	if busRoot == "" {
		busRoot = filepath.Join(cfg.RepoPath, ".cohort")
	}

	repoGit := git.NewRunner(cfg.RepoPath)
	manager, err := workspace.NewManager(
		filepath.Join(busRoot, "worktrees"),
		repoGit,
		cfg.BaseRef,
		func(path string) git.Runner { return git.NewRunner(path) },
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cohort: workspace manager: %v\n", err)
		os.Exit(2)
	}

	b, err := bus.Open(filepath.Join(busRoot, "bus"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cohort: open bus: %v\n", err)
		os.Exit(2)
	}
	defer b.Close()

	audit, err := state.OpenProject(cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()

	logger := orchestrator.NewDebugLoggerForRepo(cfg.RepoPath)
	defer logger.Close()

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Workspaces: manager,
		Supervisor: supervisor.New(exec.NewLauncher(), supervisor.Config{
			StallGrace:   cfg.StallGrace,
			StallTimeout: cfg.StallTimeout,
		}),
		Bus:       b,
		Consensus: consensus.NewEngine(),
		Merger:    merge.New(repoGit, cfg.BaseRef),
		Audit:     audit,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		color.Yellow("\nCancelling run, terminating workers...")
		cancel()
	}()
	go watchCancelFile(ctx, filepath.Join(busRoot, "cancel"), cancel)

	if !runQuiet {
		go printEvents(orch.Events())
	} else {
		go func() {
			for range orch.Events() {
			}
		}()
	}

	report, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("run cohort: %w", err)
	}

	fmt.Println(renderReport(report))
	os.Exit(report.ExitCode())
	return nil
}

// watchCancelFile cancels the run when `cohort cancel` drops its
// marker file in the bus root.
func watchCancelFile(ctx context.Context, path string, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				os.Remove(path)
				color.Yellow("Cancel requested, terminating workers...")
				cancel()
				return
			}
		}
	}
}

// printEvents streams coordinator progress to stdout.
func printEvents(events <-chan orchestrator.Event) {
	for e := range events {
		switch e.Type {
		case orchestrator.EventTaskStarted:
			color.Cyan("▶ %s started (worker %s)", e.TaskID, e.WorkerID)
		case orchestrator.EventCheckpoint:
			fmt.Printf("  %s checkpoint %d\n", e.WorkerID, e.Sequence)
		case orchestrator.EventWorkerStalled:
			color.Yellow("⚠ %s stalled, no recent checkpoints", e.WorkerID)
		case orchestrator.EventDriftDetected:
			color.Red("✗ %s drifted out of scope: %s", e.WorkerID, e.Message)
		case orchestrator.EventDecisionResolved:
			color.Green("✓ decision resolved: %s", e.Message)
		case orchestrator.EventTaskFinished:
			if e.Err != nil {
				color.Red("✗ %s failed: %v", e.TaskID, e.Err)
			} else {
				fmt.Printf("● %s finished: %s\n", e.TaskID, e.Message)
			}
		case orchestrator.EventMergeStarted:
			color.Cyan("▶ integrating %s", e.Message)
		case orchestrator.EventMergeConflict:
			color.Yellow("⚠ merge conflict: %s", e.Message)
		}
	}
}
