package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cohortlabs/cohort/internal/config"
)

var cancelConfigPath string

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a running cohort",
	Long: `Request cancellation of the cohort currently running against this
configuration. The coordinator terminates every live worker, discards
their workspaces, and seals the report with the cancellation recorded.`,
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVarP(&cancelConfigPath, "config", "c", "cohort.yaml", "Path to the run configuration")
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cancelConfigPath)
	if err != nil {
		return err
	}

	busRoot := cfg.BusRoot
	if busRoot == "" {
		busRoot = filepath.Join(cfg.RepoPath, ".cohort")
	}

	marker := filepath.Join(busRoot, "cancel")
	if err := os.WriteFile(marker, []byte{}, 0644); err != nil {
		return fmt.Errorf("write cancel marker: %w", err)
	}
	fmt.Println("Cancellation requested. The coordinator will wind down shortly.")
	return nil
}
