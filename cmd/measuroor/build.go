package main

import (
	"fmt"

	"github.com/ethpandaops/measuroor/pkg/proc"
	"github.com/spf13/cobra"
)

var buildLive bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the configure and build commands without measuring",
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildLive, "live", false,
		"stream build output while capturing it")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if !buildLive {
		log.Info("Running configure/build, use --live to stream output")
	}

	runner := proc.NewRunner(log)
	workspace := cfg.ResolveWorkspace(cfgFile)

	configure, err := runner.Run(ctx, &proc.Spec{
		Cmd:  cfg.Build.ConfigureCmd,
		Dir:  workspace,
		Env:  cfg.Env,
		Live: buildLive,
	})
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("configure: %w", err)}
	}

	if configure.ExitCode != 0 {
		printFailedOutput("configure", configure)

		return &exitError{
			code: configure.ExitCode,
			err:  fmt.Errorf("configure exited with code %d", configure.ExitCode),
		}
	}

	build, err := runner.Run(ctx, &proc.Spec{
		Cmd:  cfg.Build.BuildCmd,
		Dir:  workspace,
		Env:  cfg.Env,
		Live: buildLive,
	})
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("build: %w", err)}
	}

	if build.ExitCode != 0 {
		printFailedOutput("build", build)

		return &exitError{
			code: build.ExitCode,
			err:  fmt.Errorf("build exited with code %d", build.ExitCode),
		}
	}

	log.Infof(
		"OK (configure %dms, build %dms)",
		configure.Duration.Milliseconds(),
		build.Duration.Milliseconds(),
	)

	return nil
}

func printFailedOutput(stage string, result *proc.Result) {
	if buildLive {
		log.Errorf("%s failed (output was streamed above)", stage)

		return
	}

	if result.Stdout != "" {
		fmt.Printf("--- %s stdout ---\n%s\n", stage, result.Stdout)
	}

	if result.Stderr != "" {
		fmt.Printf("--- %s stderr ---\n%s\n", stage, result.Stderr)
	}
}
