package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethpandaops/measuroor/pkg/config"
	"github.com/ethpandaops/measuroor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				log.WithError(exitErr.err).Error("Command failed")
			}

			os.Exit(exitErr.code)
		}

		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "measuroor",
	Short: "Reproducible local experiment runner",
	Long: `Measuroor builds a project, runs its tests, executes a measurement
target repeatedly and extracts metrics from its output. Every run is
persisted as an immutable artifact directory and indexed for listing
and cross-run comparison.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		log.SetLevel(level)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("measuroor %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "measuroor.yaml",
		"config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}

// exitError carries a specific process exit code through cobra. The CLI
// contract: 1 means the run finished FAIL, 2 means a configuration,
// resolution or persistence error, and configure/build/test failures pass
// their subprocess exit code through.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}

	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// loadConfig loads and validates the configuration, mapping failures to
// exit code 2.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, &exitError{code: 2, err: fmt.Errorf("config error: %w", err)}
	}

	if cfg.Global.LogLevel != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		if level, parseErr := logrus.ParseLevel(cfg.Global.LogLevel); parseErr == nil {
			log.SetLevel(level)
		}
	}

	return cfg, nil
}

// openStore starts a run store for the loaded configuration.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	runs := store.NewStore(log, &store.Config{
		Root: cfg.ResolveStorageRoot(cfgFile),
		DB:   cfg.ResolveDBPath(cfgFile),
	})

	if err := runs.Start(ctx); err != nil {
		return nil, &exitError{code: 2, err: err}
	}

	return runs, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	return ctx, cancel
}
