package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <run_id>",
	Short: "Print the stored Markdown report for an indexed run",
	Args:  cobra.ExactArgs(1),
	RunE:  showReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func showReport(cmd *cobra.Command, args []string) error {
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

	content, err := runs.LoadReport(ctx, args[0])
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	fmt.Println(strings.TrimRight(content, "\n"))

	return nil
}
