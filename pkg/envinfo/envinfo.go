// Package envinfo captures the execution environment of a run as an
// env.json artifact. Collection is best effort: probes that fail are
// recorded as failed rather than aborting the run.
package envinfo

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// probeOutputLimit caps captured probe output in the snapshot.
const probeOutputLimit = 20000

// ambientWhitelist names the ambient variables worth snapshotting for
// build reproducibility.
var ambientWhitelist = []string{
	"PATH",
	"LD_LIBRARY_PATH",
	"DYLD_LIBRARY_PATH",
	"CC",
	"CXX",
	"CFLAGS",
	"CXXFLAGS",
	"LDFLAGS",
	"GOFLAGS",
	"MAKEFLAGS",
}

// Platform describes the host the run executed on.
type Platform struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	PlatformName  string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`
	CPUModel      string `json:"cpu_model,omitempty"`
	LogicalCores  int    `json:"logical_cores"`
	MemoryTotal   uint64 `json:"memory_total_bytes,omitempty"`
	GoVersion     string `json:"go_version"`
}

// Probe is the result of one best-effort tool invocation.
type Probe struct {
	Cmd      []string `json:"cmd"`
	OK       bool     `json:"ok"`
	ExitCode int      `json:"exit_code,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Snapshot is the env.json payload.
type Snapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	RunID         string            `json:"run_id"`
	Target        string            `json:"target"`
	Live          bool              `json:"live"`
	Launch        string            `json:"launch,omitempty"`
	LaunchCmd     []string          `json:"launch_cmd,omitempty"`
	ConfigPath    string            `json:"config_path"`
	Workspace     string            `json:"workspace"`
	Platform      Platform          `json:"platform"`
	EnvFromConfig map[string]string `json:"env_from_config,omitempty"`
	EnvWhitelist  map[string]string `json:"env_whitelist,omitempty"`
	Tools         map[string]Probe  `json:"tools"`
}

// Identity names the run a snapshot belongs to.
type Identity struct {
	RunID      string
	Target     string
	Live       bool
	Launch     string
	LaunchCmd  []string
	ConfigPath string
	Workspace  string
}

// Collect gathers the environment snapshot for a run.
func Collect(ctx context.Context, log logrus.FieldLogger, id *Identity, configEnv map[string]string) *Snapshot {
	snap := &Snapshot{
		Timestamp:     time.Now().UTC(),
		RunID:         id.RunID,
		Target:        id.Target,
		Live:          id.Live,
		Launch:        id.Launch,
		LaunchCmd:     id.LaunchCmd,
		ConfigPath:    absPath(id.ConfigPath),
		Workspace:     absPath(id.Workspace),
		Platform:      collectPlatform(ctx, log),
		EnvFromConfig: configEnv,
		EnvWhitelist:  collectWhitelist(),
		Tools: map[string]Probe{
			"git_head": probe(ctx, id.Workspace, "git", "rev-parse", "HEAD"),
			"cc":       probe(ctx, id.Workspace, "cc", "--version"),
			"make":     probe(ctx, id.Workspace, "make", "--version"),
		},
	}

	return snap
}

// Write serializes a snapshot to path as indented JSON.
func Write(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func collectPlatform(ctx context.Context, log logrus.FieldLogger) Platform {
	p := Platform{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		LogicalCores: runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		p.Hostname = info.Hostname
		p.PlatformName = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		p.KernelVersion = info.KernelVersion
	} else {
		log.WithError(err).Debug("Failed to collect host info")
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		p.CPUModel = infos[0].ModelName
	} else if err != nil {
		log.WithError(err).Debug("Failed to collect cpu info")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.MemoryTotal = vm.Total
	} else {
		log.WithError(err).Debug("Failed to collect memory info")
	}

	return p
}

func collectWhitelist() map[string]string {
	out := make(map[string]string)

	for _, key := range ambientWhitelist {
		if value, ok := os.LookupEnv(key); ok {
			out[key] = value
		}
	}

	return out
}

// probe runs one tool with a short timeout and records the outcome
// without failing.
func probe(ctx context.Context, dir string, name string, args ...string) Probe {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p := Probe{Cmd: append([]string{name}, args...)}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	p.Stdout = truncate(strings.TrimSpace(stdout.String()))
	p.Stderr = truncate(strings.TrimSpace(stderr.String()))

	switch e := err.(type) {
	case nil:
		p.OK = true
	case *exec.ExitError:
		p.ExitCode = e.ExitCode()
	default:
		p.Error = err.Error()
	}

	return p
}

func truncate(s string) string {
	if len(s) <= probeOutputLimit {
		return s
	}

	return s[:probeOutputLimit] + "\n... <truncated> ..."
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}
