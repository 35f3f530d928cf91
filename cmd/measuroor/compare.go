package main

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/measuroor/pkg/compare"
	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <baseline_run_id> <candidate_run_id>",
	Short: "Compare two indexed runs using their stored summaries",
	Args:  cobra.ExactArgs(2),
	RunE:  compareRuns,
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

func compareRuns(cmd *cobra.Command, args []string) error {
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

	result, err := compare.Compare(ctx, runs, args[0], args[1])
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	fmt.Println(strings.TrimRight(compare.RenderMarkdown(result), "\n"))

	return nil
}
