package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckGit verifies that the git binary is available in PATH.
func CheckGit() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found in PATH\n\n" +
			"Cohort provisions isolated workspaces as git worktrees and\n" +
			"requires git 2.20 or newer.")
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Multi-agent task coordinator",
	Long: `Cohort partitions a batch of tasks across isolated parallel workers,
each in its own git worktree, and folds the surviving results back
onto the base branch.

Core capabilities:
- One isolated workspace per task, branched from a fixed base ref
- Worker supervision with stall detection and per-task timeouts
- Scope drift detection against declared task guardrails
- Shared decisions resolved by majority, weighted, or byzantine vote
- Deterministic workspace integration with conflict reporting`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
}
