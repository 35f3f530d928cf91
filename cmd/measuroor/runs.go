package main

import (
	"fmt"
	"time"

	"github.com/ethpandaops/measuroor/pkg/store"
	"github.com/spf13/cobra"
)

var (
	runsLimit  int
	runsTarget string
	runsStatus string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List indexed runs, newest first",
	RunE:  listRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show")
	runsCmd.Flags().StringVar(&runsTarget, "target", "", "filter by target id")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (PASS or FAIL)")
}

func listRuns(cmd *cobra.Command, args []string) error {
	if runsLimit < 1 {
		return &exitError{code: 2, err: fmt.Errorf("--limit must be >= 1")}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runs, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if stopErr := runs.Stop(); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to close run store")
		}
	}()

	rows, err := runs.List(ctx, &store.Filter{
		TargetID: runsTarget,
		Status:   runsStatus,
	}, runsLimit)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	if len(rows) == 0 {
		fmt.Println("No indexed runs found.")

		return nil
	}

	for _, row := range rows {
		fmt.Printf(
			"%s  %-4s  %-16s  %-20s  %s  %s\n",
			row.FinishedAt.Format(time.RFC3339),
			row.Status,
			row.TargetID,
			orDash(row.ProjectName),
			row.RunID,
			orDash(row.Launch),
		)
	}

	return nil
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}

	return value
}
