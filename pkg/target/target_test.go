package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/measuroor/pkg/config"
	"github.com/ethpandaops/measuroor/pkg/proc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFileAt(t *testing.T, path string, mtime time.Time) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("bin"), 0o755))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestResolve_CommandList(t *testing.T) {
	ws := t.TempDir()

	launch, err := Resolve("bench", ws, &config.TargetRun{
		Cmd: []string{"python3", "bench.py"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"python3", "bench.py"}, launch.Cmd)
	assert.Equal(t, ws, launch.Dir)
	assert.Equal(t, "python3 bench.py", launch.Label)
	assert.Empty(t, launch.Executable)
}

func TestResolve_BothOrNeither(t *testing.T) {
	ws := t.TempDir()

	_, err := Resolve("bench", ws, &config.TargetRun{
		Cmd:     []string{"./bench"},
		ExeGlob: "build/**/bench",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")

	_, err = Resolve("bench", ws, &config.TargetRun{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestResolve_LiteralPath(t *testing.T) {
	ws := t.TempDir()
	writeFileAt(t, filepath.Join(ws, "build", "bench"), time.Now())

	launch, err := Resolve("bench", ws, &config.TargetRun{
		ExeGlob: "build/bench",
		Args:    []string{"--fast"},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ws, "build"), launch.Dir)
	assert.Equal(t, launch.Executable, launch.Cmd[0])
	assert.Equal(t, []string{launch.Executable, "--fast"}, launch.Cmd)
}

func TestResolve_LiteralPathMissing(t *testing.T) {
	_, err := Resolve("bench", t.TempDir(), &config.TargetRun{
		ExeGlob: "build/bench",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable not found")
}

func TestResolve_GlobPicksNewest(t *testing.T) {
	ws := t.TempDir()
	base := time.Now().Add(-time.Hour)

	writeFileAt(t, filepath.Join(ws, "build", "v1", "bench"), base)
	writeFileAt(t, filepath.Join(ws, "build", "v2", "bench"), base.Add(10*time.Minute))
	newest := filepath.Join(ws, "build", "v3", "bench")
	writeFileAt(t, newest, base.Add(20*time.Minute))

	launch, err := Resolve("bench", ws, &config.TargetRun{
		ExeGlob: "build/**/bench",
	})
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(launch.Executable)
	require.NoError(t, err)

	expected, err := filepath.EvalSymlinks(newest)
	require.NoError(t, err)

	assert.Equal(t, expected, resolved)
	assert.Equal(t, filepath.Dir(launch.Executable), launch.Dir)
}

func TestResolve_GlobNoMatches(t *testing.T) {
	_, err := Resolve("bench", t.TempDir(), &config.TargetRun{
		ExeGlob: "build/**/bench*",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executable matched")
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"build/**/bench", "build/x/bench", true},
		{"build/**/bench", "build/x/y/bench", true},
		{"build/**/bench", "build/bench", true},
		{"build/**/bench", "other/bench", false},
		{"build/*.so", "build/lib.so", true},
		{"build/*.so", "build/deep/lib.so", false},
		{"**/bench", "bench", true},
		{"bench?", "bench1", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchGlob(tt.pattern, tt.name))
		})
	}
}

func TestInvoke_SequentialOrdinals(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	runner := proc.NewRunner(log)
	ws := t.TempDir()

	counter := filepath.Join(ws, "count")

	launch := &Launch{
		Cmd: []string{"sh", "-c", `echo x >> count; wc -l < count`},
		Dir: ws,
	}

	inv, err := Invoke(context.Background(), log, runner, launch, 2, 3, nil, false)
	require.NoError(t, err)

	require.Len(t, inv.Warmups, 2)
	require.Len(t, inv.Runs, 3)

	// Each invocation completed before the next started: the counter file
	// grows monotonically across warmups then measured runs.
	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\nx\nx\nx\n", string(data))
}

func TestInvoke_LaunchFailureAborts(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	runner := proc.NewRunner(log)

	_, err := Invoke(context.Background(), log, runner, &Launch{
		Cmd: []string{"definitely-not-a-real-binary-4821"},
	}, 0, 2, nil, false)
	require.Error(t, err)
}
