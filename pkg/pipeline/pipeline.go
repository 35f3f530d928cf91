// Package pipeline orchestrates one full measurement run: configure,
// build, test, warmup, measure, parse, evaluate and persist. Every stage
// leaves artifacts behind; failures before measuring still produce a
// report and a FAIL index row.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/measuroor/pkg/config"
	"github.com/ethpandaops/measuroor/pkg/envinfo"
	"github.com/ethpandaops/measuroor/pkg/parse"
	"github.com/ethpandaops/measuroor/pkg/policy"
	"github.com/ethpandaops/measuroor/pkg/proc"
	"github.com/ethpandaops/measuroor/pkg/report"
	"github.com/ethpandaops/measuroor/pkg/store"
	"github.com/ethpandaops/measuroor/pkg/summary"
	"github.com/ethpandaops/measuroor/pkg/target"
	"github.com/sirupsen/logrus"
)

// Stage names as recorded in the run index.
const (
	StageConfigure = "CONFIGURE"
	StageBuild     = "BUILD"
	StageTest      = "TEST"
	StageRun       = "RUN"
	StageParse     = "PARSE"
	StagePersist   = "PERSIST"
	StageDone      = "DONE"
)

// CLI exit codes for outcomes that are not subprocess passthroughs.
const (
	ExitSuccess = 0
	ExitFailed  = 1
	ExitError   = 2
)

// StageError marks the pipeline stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Outcome is the terminal state of one pipeline execution.
type Outcome struct {
	RunID   string
	RunDir  string
	Status  string
	Stage   string
	Summary *summary.Summary

	// ExitCode is what the CLI should exit with: 0 on PASS, 1 on FAIL,
	// the subprocess exit code when configure, build or test failed, and
	// 2 on configuration, resolution or persistence errors.
	ExitCode int
}

// Config for the pipeline.
type Config struct {
	// App is the loaded application configuration.
	App *config.Config

	// ConfigPath anchors relative workspace and storage paths.
	ConfigPath string

	// Live streams subprocess output while still capturing it.
	Live bool
}

// Pipeline executes one target end to end.
type Pipeline interface {
	Run(ctx context.Context, targetID string) (*Outcome, error)
}

// New creates a pipeline over an already-started store.
func New(log logrus.FieldLogger, cfg *Config, runner proc.Runner, runs store.Store) Pipeline {
	return &pipeline{
		log:    log.WithField("component", "pipeline"),
		cfg:    cfg,
		runner: runner,
		runs:   runs,
	}
}

type pipeline struct {
	log    logrus.FieldLogger
	cfg    *Config
	runner proc.Runner
	runs   store.Store
}

// Ensure interface compliance.
var _ Pipeline = (*pipeline)(nil)

// run carries the mutable state of one execution.
type run struct {
	target    *config.Target
	targetID  string
	store     *store.Run
	launch    *target.Launch
	startedAt time.Time
	workspace string
}

func (p *pipeline) Run(ctx context.Context, targetID string) (*Outcome, error) {
	targetCfg, ok := p.cfg.App.Targets[targetID]
	if !ok {
		return &Outcome{ExitCode: ExitError}, fmt.Errorf(
			"unknown target %q (configured: %s)",
			targetID,
			strings.Join(p.cfg.App.TargetIDs(), ", "),
		)
	}

	storeRun, err := p.runs.Begin(targetID)
	if err != nil {
		return &Outcome{ExitCode: ExitError}, fmt.Errorf("beginning run: %w", err)
	}

	state := &run{
		target:    &targetCfg,
		targetID:  targetID,
		store:     storeRun,
		startedAt: time.Now(),
		workspace: p.cfg.App.ResolveWorkspace(p.cfg.ConfigPath),
	}

	p.log.WithFields(logrus.Fields{
		"run_id":  storeRun.ID,
		"target":  targetID,
		"run_dir": storeRun.Dir,
	}).Info("Run started")

	if err := state.store.WriteConfigSnapshot(p.cfg.App); err != nil {
		return &Outcome{RunID: storeRun.ID, RunDir: storeRun.Dir, ExitCode: ExitError}, err
	}

	p.writeEnvSnapshot(ctx, state)

	if outcome, err := p.buildStages(ctx, state); outcome != nil {
		return outcome, err
	}

	if outcome, err := p.testStage(ctx, state); outcome != nil {
		return outcome, err
	}

	invocations, outcome, err := p.measureStage(ctx, state)
	if outcome != nil {
		return outcome, err
	}

	return p.summarize(ctx, state, invocations)
}

// writeEnvSnapshot captures env.json. Rewritten once the launch is known.
func (p *pipeline) writeEnvSnapshot(ctx context.Context, state *run) {
	id := &envinfo.Identity{
		RunID:      state.store.ID,
		Target:     state.targetID,
		Live:       p.cfg.Live,
		ConfigPath: p.cfg.ConfigPath,
		Workspace:  state.workspace,
	}

	if state.launch != nil {
		id.Launch = state.launch.Label
		id.LaunchCmd = state.launch.Cmd
	}

	snap := envinfo.Collect(ctx, p.log, id, p.cfg.App.Env)
	if err := envinfo.Write(state.store.EnvPath(), snap); err != nil {
		p.log.WithError(err).Warn("Failed to write environment snapshot")
	}
}

// buildStages runs configure then build, writing build.log either way.
// A non-nil outcome means the pipeline is over.
func (p *pipeline) buildStages(ctx context.Context, state *run) (*Outcome, error) {
	blocks := []string{
		fmt.Sprintf("run_id: %s", state.store.ID),
		fmt.Sprintf("timestamp: %s", state.startedAt.Format(time.RFC3339)),
		"",
	}

	configure, configureErr := p.runner.Run(ctx, &proc.Spec{
		Cmd:  p.cfg.App.Build.ConfigureCmd,
		Dir:  state.workspace,
		Env:  p.cfg.App.Env,
		Live: p.cfg.Live,
	})

	blocks = append(blocks, formatResultBlock("configure", configure, configureErr))

	configureFailed := configureErr != nil || configure.ExitCode != 0

	var (
		build    *proc.Result
		buildErr error
	)

	if configureFailed {
		blocks = append(blocks, "=== build ===\nSKIPPED (configure failed)\n")
	} else {
		build, buildErr = p.runner.Run(ctx, &proc.Spec{
			Cmd:  p.cfg.App.Build.BuildCmd,
			Dir:  state.workspace,
			Env:  p.cfg.App.Env,
			Live: p.cfg.Live,
		})
		blocks = append(blocks, formatResultBlock("build", build, buildErr))
	}

	if err := state.store.WriteText(store.BuildLogName, strings.Join(blocks, "\n")); err != nil {
		return &Outcome{RunID: state.store.ID, RunDir: state.store.Dir, ExitCode: ExitError}, err
	}

	if configureFailed {
		p.skipTestLog(state, "configure failed")

		return p.failStage(ctx, state, StageConfigure, "Configure failed. See build.log.", exitOf(configure, configureErr))
	}

	if buildErr != nil || build.ExitCode != 0 {
		p.skipTestLog(state, "build failed")

		return p.failStage(ctx, state, StageBuild, "Build failed. See build.log.", exitOf(build, buildErr))
	}

	return nil, nil
}

func (p *pipeline) skipTestLog(state *run, reason string) {
	content := fmt.Sprintf(
		"run_id: %s\ntimestamp: %s\n\nSKIPPED (%s)\n",
		state.store.ID,
		state.startedAt.Format(time.RFC3339),
		reason,
	)

	if err := state.store.WriteText(store.TestLogName, content); err != nil {
		p.log.WithError(err).Warn("Failed to write test log")
	}
}

// testStage runs the optional test command. A non-nil outcome means the
// pipeline is over.
func (p *pipeline) testStage(ctx context.Context, state *run) (*Outcome, error) {
	if !p.cfg.App.Test.Enabled {
		p.skipTestLog(state, "disabled")

		return nil, nil
	}

	result, runErr := p.runner.Run(ctx, &proc.Spec{
		Cmd:  p.cfg.App.Test.Cmd,
		Dir:  state.workspace,
		Env:  p.cfg.App.Env,
		Live: p.cfg.Live,
	})

	content := strings.Join([]string{
		fmt.Sprintf("run_id: %s", state.store.ID),
		fmt.Sprintf("timestamp: %s", state.startedAt.Format(time.RFC3339)),
		"",
		formatResultBlock("test", result, runErr),
	}, "\n")

	if err := state.store.WriteText(store.TestLogName, content); err != nil {
		return &Outcome{RunID: state.store.ID, RunDir: state.store.Dir, ExitCode: ExitError}, err
	}

	if runErr != nil || result.ExitCode != 0 {
		return p.failStage(ctx, state, StageTest, "Tests failed. See test.log.", exitOf(result, runErr))
	}

	return nil, nil
}

// measureStage resolves the launch and runs warmups then measured runs.
// A non-nil outcome means the pipeline failed before all invocations
// completed.
func (p *pipeline) measureStage(ctx context.Context, state *run) (*target.Invocations, *Outcome, error) {
	launch, err := target.Resolve(state.targetID, state.workspace, &state.target.Run)
	if err != nil {
		outcome, ferr := p.failStage(ctx, state, StageRun, err.Error(), ExitError)

		return nil, outcome, ferr
	}

	state.launch = launch
	p.writeEnvSnapshot(ctx, state)

	p.log.WithFields(logrus.Fields{
		"launch":  launch.Label,
		"runs":    state.target.Run.Runs,
		"warmups": state.target.Run.WarmupRuns,
	}).Info("Launch resolved")

	invocations, err := target.Invoke(
		ctx,
		p.log,
		p.runner,
		launch,
		state.target.Run.WarmupRuns,
		state.target.Run.Runs,
		p.cfg.App.Env,
		p.cfg.Live,
	)
	if err != nil {
		outcome, ferr := p.failStage(ctx, state, StageRun, fmt.Sprintf("Run error: %v", err), ExitError)

		return nil, outcome, ferr
	}

	return invocations, nil, nil
}

// summarize parses outputs, evaluates the policy and persists the run.
func (p *pipeline) summarize(ctx context.Context, state *run, invocations *target.Invocations) (*Outcome, error) {
	for i, result := range invocations.Warmups {
		if err := state.store.WriteBenchOutput(true, i+1, result.Stdout, result.Stderr); err != nil {
			return p.failStage(ctx, state, StageParse, err.Error(), ExitError)
		}
	}

	var rules []parse.Rule

	if state.target.Parse != nil {
		compiled, err := parse.CompileRules(state.target.Parse)
		if err != nil {
			return p.failStage(ctx, state, StageParse, err.Error(), ExitError)
		}

		rules = compiled
	}

	pol := &policy.Policy{
		ExpectedExitCode: state.target.ExpectedExitCode(),
		PassRule:         state.target.PassRule(),
		MinPassRate:      p.cfg.App.MinPassRate(),
	}

	records := make([]summary.Record, 0, len(invocations.Runs))

	for i, result := range invocations.Runs {
		if err := state.store.WriteBenchOutput(false, i+1, result.Stdout, result.Stderr); err != nil {
			return p.failStage(ctx, state, StageParse, err.Error(), ExitError)
		}

		record := summary.Record{
			Ordinal:    i + 1,
			ExitCode:   result.ExitCode,
			DurationMS: result.Duration.Milliseconds(),
			// Always an object in the serialized record, never null.
			Metrics: parse.Metrics{},
		}

		if len(rules) > 0 {
			metrics, err := parse.Extract(result.Stdout, rules)
			if err != nil {
				record.ParseError = err.Error()
			}

			if metrics != nil {
				record.Metrics = metrics
			}
		}

		record.Pass = policy.RecordPasses(&record, pol)

		if err := state.store.WriteBenchMetrics(&record); err != nil {
			return p.failStage(ctx, state, StageParse, err.Error(), ExitError)
		}

		records = append(records, record)
	}

	verdict := policy.Evaluate(records, pol)
	finishedAt := time.Now()

	sum := &summary.Summary{
		Version:     summary.Version,
		RunID:       state.store.ID,
		ProjectName: p.cfg.App.Project.Name,
		Target:      state.targetID,
		Launch:      state.launch.Label,
		LaunchCmd:   state.launch.Cmd,
		StartedAt:   state.startedAt,
		FinishedAt:  finishedAt,
		Totals: summary.Totals{
			Timestamp:        state.startedAt.Format(time.RFC3339),
			TotalRuns:        len(records),
			WarmupRuns:       len(invocations.Warmups),
			ExpectedExitCode: pol.ExpectedExitCode,
			PassRule:         pol.PassRule,
			Passed:           verdict.Passed,
			Failed:           verdict.Failed,
			PassRate:         verdict.PassRate,
			MinPassRate:      pol.MinPassRate,
			Status:           verdict.Status,
			BadExitCodeRuns:  countBadExits(records, pol.ExpectedExitCode),
			ParseErrorRuns:   countParseErrors(records),
		},
		Records:    records,
		Aggregates: summary.ComputeAggregates(records),
	}

	reportMD := report.Render(state.store, &report.Meta{
		RunID:     state.store.ID,
		Timestamp: state.startedAt,
		Target:    state.targetID,
		Live:      p.cfg.Live,
		Launch:    state.launch.Label,
		Stage:     StageDone,
	}, sum)

	outcome := &Outcome{
		RunID:   state.store.ID,
		RunDir:  state.store.Dir,
		Status:  verdict.Status,
		Stage:   StageDone,
		Summary: sum,
	}

	row := store.NewRow(state.store, sum, p.cfg.App.Project.Name, p.cfg.Live)
	if err := p.runs.Persist(ctx, state.store, sum, reportMD, row); err != nil {
		outcome.ExitCode = ExitError

		return outcome, &StageError{Stage: StagePersist, Err: err}
	}

	if verdict.Status == summary.StatusPass {
		outcome.ExitCode = ExitSuccess
	} else {
		outcome.ExitCode = ExitFailed
	}

	p.log.WithFields(logrus.Fields{
		"run_id":    state.store.ID,
		"status":    verdict.Status,
		"pass_rate": fmt.Sprintf("%.0f%%", verdict.PassRate*100),
	}).Info("Run finished")

	return outcome, nil
}

// failStage writes the failure report, indexes the FAIL row and builds
// the terminal outcome for a stage failure.
func (p *pipeline) failStage(
	ctx context.Context,
	state *run,
	stage, message string,
	exitCode int,
) (*Outcome, error) {
	p.log.WithFields(logrus.Fields{
		"run_id": state.store.ID,
		"stage":  stage,
	}).Error(message)

	launch := ""
	if state.launch != nil {
		launch = state.launch.Label
	}

	reportMD := report.Render(state.store, &report.Meta{
		RunID:     state.store.ID,
		Timestamp: state.startedAt,
		Target:    state.targetID,
		Live:      p.cfg.Live,
		Launch:    launch,
		Stage:     stage,
		Status:    summary.StatusFail,
		Message:   message,
	}, nil)

	if err := state.store.WriteText(store.ReportName, reportMD); err != nil {
		p.log.WithError(err).Warn("Failed to write failure report")
	}

	outcome := &Outcome{
		RunID:    state.store.ID,
		RunDir:   state.store.Dir,
		Status:   summary.StatusFail,
		Stage:    stage,
		ExitCode: exitCode,
	}

	row := store.NewFailureRow(state.store, p.cfg.App.Project.Name, stage, message, launch, state.startedAt, p.cfg.Live)
	if err := p.runs.IndexFailure(ctx, row); err != nil {
		outcome.ExitCode = ExitError

		return outcome, &StageError{Stage: StagePersist, Err: err}
	}

	return outcome, &StageError{Stage: stage, Err: fmt.Errorf("%s", message)}
}

// formatResultBlock renders one command result in the build/test log
// format.
func formatResultBlock(title string, result *proc.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("=== %s ===\nlaunch error: %v\n", title, err)
	}

	return strings.Join([]string{
		fmt.Sprintf("=== %s ===", title),
		fmt.Sprintf("cmd: %s", strings.Join(result.Cmd, " ")),
		fmt.Sprintf("cwd: %s", result.Dir),
		fmt.Sprintf("exit_code: %d", result.ExitCode),
		fmt.Sprintf("duration_ms: %d", result.Duration.Milliseconds()),
		"",
		"--- stdout ---",
		strings.TrimRight(result.Stdout, "\n"),
		"",
		"--- stderr ---",
		strings.TrimRight(result.Stderr, "\n"),
		"",
	}, "\n")
}

// exitOf maps a stage result to the CLI exit code: subprocess passthrough
// when the command ran, 1 when it could not be launched.
func exitOf(result *proc.Result, err error) int {
	if err != nil || result == nil {
		return ExitFailed
	}

	if result.ExitCode == 0 {
		return ExitFailed
	}

	return result.ExitCode
}

func countBadExits(records []summary.Record, expected int) int {
	count := 0

	for _, record := range records {
		if record.ExitCode != expected {
			count++
		}
	}

	return count
}

func countParseErrors(records []summary.Record) int {
	count := 0

	for _, record := range records {
		if record.ParseError != "" {
			count++
		}
	}

	return count
}
