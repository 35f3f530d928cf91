package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Result holds the outcome of one completed command invocation. A non-zero
// exit code is a Result, not an error; callers decide what it means.
type Result struct {
	Cmd      []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Spec describes one command invocation. Cmd is an opaque token sequence;
// no shell is involved. Env entries override the inherited environment.
// Timeout, when set, bounds the invocation via the context.
type Spec struct {
	Cmd     []string
	Dir     string
	Env     map[string]string
	Live    bool
	Timeout time.Duration
}

// Runner executes commands in a working directory with environment
// overrides, capturing stdout/stderr and wall time. Launch failures (binary
// not found, bad working directory) are errors; non-zero exits are not.
type Runner interface {
	Run(ctx context.Context, spec *Spec) (*Result, error)
}

// NewRunner creates a new process runner.
func NewRunner(log logrus.FieldLogger) Runner {
	return &runner{
		log: log.WithField("component", "proc"),
	}
}

type runner struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Run executes the command described by spec. Output is fully captured
// before Run returns; in live mode it is additionally streamed to this
// process's stdout/stderr while being captured.
func (r *runner) Run(ctx context.Context, spec *Spec) (*Result, error) {
	if len(spec.Cmd) == 0 {
		return nil, fmt.Errorf("command must be a non-empty token list")
	}

	for _, token := range spec.Cmd {
		if token == "" {
			return nil, fmt.Errorf("command tokens must be non-empty")
		}
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)

	var stdout, stderr bytes.Buffer

	start := time.Now()

	var err error

	if spec.Live {
		err = r.runStreaming(cmd, &stdout, &stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err = cmd.Run()
	}

	return r.finish(spec, &stdout, &stderr, start, err)
}

// runStreaming runs the command pumping stdout and stderr concurrently to
// the console while capturing them. Both pumps drain fully before the
// process is reaped, so capture is complete when this returns.
func (r *runner) runStreaming(cmd *exec.Cmd, stdout, stderr *bytes.Buffer) error {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	var g errgroup.Group

	g.Go(func() error {
		_, copyErr := io.Copy(io.MultiWriter(stdout, os.Stdout), outPipe)

		return copyErr
	})

	g.Go(func() error {
		_, copyErr := io.Copy(io.MultiWriter(stderr, os.Stderr), errPipe)

		return copyErr
	})

	if pumpErr := g.Wait(); pumpErr != nil {
		r.log.WithError(pumpErr).Warn("Output pump failed")
	}

	return cmd.Wait()
}

// finish converts a completed invocation into a Result, distinguishing
// non-zero exits from launch failures.
func (r *runner) finish(
	spec *Spec,
	stdout, stderr *bytes.Buffer,
	start time.Time,
	err error,
) (*Result, error) {
	result := &Result{
		Cmd:      spec.Cmd,
		Dir:      spec.Dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("launching %q: %w", spec.Cmd[0], err)
		}

		result.ExitCode = exitErr.ExitCode()
	}

	r.log.WithFields(logrus.Fields{
		"cmd":       spec.Cmd[0],
		"exit_code": result.ExitCode,
		"duration":  result.Duration,
	}).Debug("Command completed")

	return result, nil
}

// mergedEnv overlays overrides onto the current process environment.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for key, value := range overrides {
		env = append(env, key+"="+value)
	}

	return env
}
