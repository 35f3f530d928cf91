package main

import (
	"fmt"

	"github.com/ethpandaops/measuroor/pkg/pipeline"
	"github.com/ethpandaops/measuroor/pkg/proc"
	"github.com/ethpandaops/measuroor/pkg/summary"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runLive bool

var runCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "Execute the full pipeline for one target",
	Long: `Configure and build the project, run its tests, then execute the
target's warmup and measured runs. The run is persisted under the
storage root and appended to the run index.`,
	Args: cobra.ExactArgs(1),
	RunE: runTarget,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runLive, "live", false,
		"stream subprocess output while capturing it")
}

func runTarget(cmd *cobra.Command, args []string) error {
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

	if !runLive {
		log.Info("Running pipeline (build -> test -> measure), use --live to stream output")
	}

	p := pipeline.New(log, &pipeline.Config{
		App:        cfg,
		ConfigPath: cfgFile,
		Live:       runLive,
	}, proc.NewRunner(log), runs)

	outcome, runErr := p.Run(ctx, args[0])

	if outcome != nil && outcome.Summary != nil {
		totals := outcome.Summary.Totals
		log.WithFields(logrus.Fields{
			"status":    totals.Status,
			"pass_rate": fmt.Sprintf("%.0f%%", totals.PassRate*100),
			"run_dir":   outcome.RunDir,
		}).Info("Summary written")
	}

	if runErr != nil {
		code := pipeline.ExitError
		if outcome != nil {
			code = outcome.ExitCode
		}

		return &exitError{code: code, err: runErr}
	}

	if outcome.Status != summary.StatusPass {
		return &exitError{
			code: outcome.ExitCode,
			err:  fmt.Errorf("run %s finished %s", outcome.RunID, outcome.Status),
		}
	}

	return nil
}
