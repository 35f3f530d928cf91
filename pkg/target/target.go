// Package target resolves a target's launch spec into a concrete command
// and drives its warmup and measured invocations.
package target

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/measuroor/pkg/config"
	"github.com/ethpandaops/measuroor/pkg/proc"
	"github.com/sirupsen/logrus"
)

// Launch is a fully resolved way to start a target.
type Launch struct {
	// Cmd is the complete token list handed to the process runner.
	Cmd []string

	// Dir is the working directory for the invocation: the resolved
	// executable's parent for glob launches, the workspace for command
	// launches.
	Dir string

	// Label is a human-readable description of the launch.
	Label string

	// Executable is the resolved binary path for glob launches, empty for
	// command-list launches.
	Executable string
}

// ResolutionError reports a launch spec that could not be resolved. No
// process has been started when it is returned.
type ResolutionError struct {
	TargetID string
	Reason   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving target %q: %s", e.TargetID, e.Reason)
}

// Resolve turns a target's run spec into a Launch. Exactly one of run.cmd
// and run.exe_glob must be set. A glob without wildcard characters is
// treated as a literal path; otherwise the glob is resolved recursively
// under the workspace and the most recently modified match wins.
func Resolve(targetID, workspace string, run *config.TargetRun) (*Launch, error) {
	hasCmd := len(run.Cmd) > 0
	hasGlob := strings.TrimSpace(run.ExeGlob) != ""

	if hasCmd == hasGlob {
		return nil, &ResolutionError{
			TargetID: targetID,
			Reason:   "run must define exactly one of run.cmd or run.exe_glob",
		}
	}

	if hasCmd {
		for _, token := range run.Cmd {
			if token == "" {
				return nil, &ResolutionError{TargetID: targetID, Reason: "run.cmd tokens must be non-empty"}
			}
		}

		return &Launch{
			Cmd:   append([]string{}, run.Cmd...),
			Dir:   workspace,
			Label: strings.Join(run.Cmd, " "),
		}, nil
	}

	exe, err := findExecutable(workspace, run.ExeGlob)
	if err != nil {
		return nil, &ResolutionError{TargetID: targetID, Reason: err.Error()}
	}

	cmd := append([]string{exe}, run.Args...)

	return &Launch{
		Cmd:        cmd,
		Dir:        filepath.Dir(exe),
		Label:      exe,
		Executable: exe,
	}, nil
}

// hasGlobChars reports whether s contains glob wildcard characters.
func hasGlobChars(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// findExecutable resolves an exe_glob to an absolute file path.
func findExecutable(workspace, exeGlob string) (string, error) {
	if !hasGlobChars(exeGlob) {
		candidate := exeGlob
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(workspace, candidate)
		}

		info, err := os.Stat(candidate)
		if err != nil {
			return "", fmt.Errorf("executable not found: %s", candidate)
		}

		if info.IsDir() {
			return "", fmt.Errorf("executable path points to a directory, not a file: %s", candidate)
		}

		return filepath.Abs(candidate)
	}

	base := workspace
	pattern := filepath.ToSlash(exeGlob)

	if filepath.IsAbs(exeGlob) {
		base = string(filepath.Separator)
		pattern = strings.TrimPrefix(pattern, "/")
	}

	var newest string

	var newestMod int64 = -1

	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees cannot contain the newest match we can use.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return nil
		}

		if !matchGlob(pattern, filepath.ToSlash(rel)) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		mod := info.ModTime().UnixNano()
		if mod > newestMod || (mod == newestMod && p > newest) {
			newest = p
			newestMod = mod
		}

		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("walking workspace: %w", walkErr)
	}

	if newest == "" {
		return "", fmt.Errorf("no executable matched exe_glob %q (workspace=%s)", exeGlob, workspace)
	}

	return filepath.Abs(newest)
}

// matchGlob matches a slash-separated relative path against a glob pattern
// where "**" matches any number of path segments.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}

	if pattern[0] == "**" {
		for skip := 0; skip <= len(name); skip++ {
			if matchSegments(pattern[1:], name[skip:]) {
				return true
			}
		}

		return false
	}

	if len(name) == 0 {
		return false
	}

	ok, err := path.Match(pattern[0], name[0])
	if err != nil || !ok {
		return false
	}

	return matchSegments(pattern[1:], name[1:])
}

// Invocations holds the captured results of one target's warmup and
// measured runs, in ordinal order.
type Invocations struct {
	Warmups []*proc.Result
	Runs    []*proc.Result
}

// Invoke runs the launch warmupRuns then runs times, strictly one at a
// time in ordinal order; each invocation fully completes before the next
// starts. Only launch failures abort; exit codes are recorded, not judged.
func Invoke(
	ctx context.Context,
	log logrus.FieldLogger,
	runner proc.Runner,
	launch *Launch,
	warmupRuns, runs int,
	env map[string]string,
	live bool,
) (*Invocations, error) {
	out := &Invocations{
		Warmups: make([]*proc.Result, 0, warmupRuns),
		Runs:    make([]*proc.Result, 0, runs),
	}

	spec := func() *proc.Spec {
		return &proc.Spec{
			Cmd:  launch.Cmd,
			Dir:  launch.Dir,
			Env:  env,
			Live: live,
		}
	}

	for i := 1; i <= warmupRuns; i++ {
		log.WithFields(logrus.Fields{
			"ordinal": i,
			"total":   warmupRuns,
		}).Info("Warmup run")

		result, err := runner.Run(ctx, spec())
		if err != nil {
			return nil, fmt.Errorf("warmup run %d: %w", i, err)
		}

		out.Warmups = append(out.Warmups, result)
	}

	for i := 1; i <= runs; i++ {
		log.WithFields(logrus.Fields{
			"ordinal": i,
			"total":   runs,
		}).Info("Measured run")

		result, err := runner.Run(ctx, spec())
		if err != nil {
			return nil, fmt.Errorf("measured run %d: %w", i, err)
		}

		out.Runs = append(out.Runs, result)
	}

	return out, nil
}
