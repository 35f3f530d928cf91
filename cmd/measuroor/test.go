package main

import (
	"fmt"

	"github.com/ethpandaops/measuroor/pkg/proc"
	"github.com/spf13/cobra"
)

var testLive bool

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the configured test command without measuring",
	RunE:  runTests,
}

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().BoolVar(&testLive, "live", false,
		"stream test output while capturing it")
}

func runTests(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Test.Enabled {
		log.Info("Tests are disabled in the configuration")

		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := proc.NewRunner(log).Run(ctx, &proc.Spec{
		Cmd:  cfg.Test.Cmd,
		Dir:  cfg.ResolveWorkspace(cfgFile),
		Env:  cfg.Env,
		Live: testLive,
	})
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("test: %w", err)}
	}

	if result.ExitCode != 0 {
		if !testLive {
			if result.Stdout != "" {
				fmt.Printf("--- test stdout ---\n%s\n", result.Stdout)
			}

			if result.Stderr != "" {
				fmt.Printf("--- test stderr ---\n%s\n", result.Stderr)
			}
		}

		return &exitError{
			code: result.ExitCode,
			err:  fmt.Errorf("tests exited with code %d", result.ExitCode),
		}
	}

	log.Infof("OK (tests %dms)", result.Duration.Milliseconds())

	return nil
}
