package envinfo

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestCollect_Identity(t *testing.T) {
	workspace := t.TempDir()

	snap := Collect(context.Background(), testLogger(), &Identity{
		RunID:      "run-1",
		Target:     "matmul",
		Live:       true,
		Launch:     "cmd",
		LaunchCmd:  []string{"./bench", "--size", "1024"},
		ConfigPath: filepath.Join(workspace, "measuroor.yaml"),
		Workspace:  workspace,
	}, map[string]string{"OMP_NUM_THREADS": "4"})

	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "matmul", snap.Target)
	assert.True(t, snap.Live)
	assert.Equal(t, []string{"./bench", "--size", "1024"}, snap.LaunchCmd)
	assert.True(t, filepath.IsAbs(snap.ConfigPath))
	assert.True(t, filepath.IsAbs(snap.Workspace))
	assert.Equal(t, map[string]string{"OMP_NUM_THREADS": "4"}, snap.EnvFromConfig)
	assert.NotEmpty(t, snap.Platform.OS)
	assert.NotEmpty(t, snap.Platform.Arch)
	assert.Positive(t, snap.Platform.LogicalCores)
	assert.Contains(t, snap.Tools, "git_head")
}

func TestCollect_WhitelistOnly(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("MEASUROOR_SECRET", "do-not-capture")

	snap := Collect(context.Background(), testLogger(), &Identity{
		RunID:     "run-1",
		Target:    "matmul",
		Workspace: t.TempDir(),
	}, nil)

	assert.Equal(t, "/usr/bin", snap.EnvWhitelist["PATH"])
	assert.NotContains(t, snap.EnvWhitelist, "MEASUROOR_SECRET")
}

func TestCollect_ProbeFailureIsRecorded(t *testing.T) {
	p := probe(context.Background(), t.TempDir(), "measuroor-no-such-tool")

	assert.False(t, p.OK)
	assert.NotEmpty(t, p.Error)
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.json")

	snap := Collect(context.Background(), testLogger(), &Identity{
		RunID:     "run-1",
		Target:    "matmul",
		Workspace: t.TempDir(),
	}, nil)

	require.NoError(t, Write(path, snap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, snap.Platform.OS, decoded.Platform.OS)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, probeOutputLimit+10)
	for i := range long {
		long[i] = 'x'
	}

	out := truncate(string(long))
	assert.Contains(t, out, "<truncated>")
	assert.Equal(t, "short", truncate("short"))
}
