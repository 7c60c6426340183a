package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cohortlabs/cohort/internal/state"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run report and history",
	Long: `Display the most recent run report from the project audit trail,
followed by the run history.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 10, "Number of historical runs to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No recorded runs. Run 'cohort run' to start.")
		return nil
	}

	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer db.Close()

	report, err := db.LatestReport()
	switch {
	case err == state.ErrNoRuns:
		fmt.Println("No finished runs yet.")
	case err != nil:
		return fmt.Errorf("load latest report: %w", err)
	default:
		fmt.Println(renderReport(report))
	}

	runs, err := db.ListRuns(statusRuns)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Println("\nHistory:")
	for _, r := range runs {
		status := "running"
		if r.ExitCode != nil {
			status = fmt.Sprintf("exit %d", *r.ExitCode)
		}
		if r.Cancelled {
			status += " (cancelled)"
		}
		fmt.Printf("  %s  %s  %s\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), status)
	}
	return nil
}
