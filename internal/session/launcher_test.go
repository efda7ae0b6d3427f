package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/fluster/internal/monitor"
)

// reportScript records its working directory and whether its first argument
// names an existing file.
const reportScript = `#!/bin/sh
out="$(dirname "$0")/report.txt"
pwd > "$out"
if [ -f "$1" ]; then echo "game=ok" >> "$out"; else echo "game=missing" >> "$out"; fi
echo "args=$#" >> "$out"
`

// installScript puts the report script at dir/versions/<version>/Roblox.exe.
func installScript(t *testing.T, dir, version string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	versionDir := filepath.Join(dir, "versions", version)
	require.NoError(t, os.MkdirAll(versionDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(versionDir, "Roblox.exe"), []byte(reportScript), 0o755))

	return versionDir
}

func readReport(t *testing.T, versionDir string) (wd string, lines []string) {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(versionDir, "report.txt"))
	require.NoError(t, err)

	lines = strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)

	return lines[0], lines[1:]
}

func samePath(t *testing.T, expected, actual string) {
	t.Helper()

	e, err := filepath.EvalSymlinks(expected)
	require.NoError(t, err)
	a, err := filepath.EvalSymlinks(actual)
	require.NoError(t, err)
	assert.Equal(t, e, a)
}

func waitProcess(t *testing.T, p Process) {
	t.Helper()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExecLauncherRelativeExecutable(t *testing.T) {
	wd := t.TempDir()
	versionDir := installScript(t, wd, "v1")
	t.Chdir(wd)

	proc, err := ExecLauncher{}.Launch(context.Background(), filepath.Join("versions", "v1", "Roblox.exe"), []string{"a", "b"})
	require.NoError(t, err)
	assert.Positive(t, proc.PID())

	waitProcess(t, proc)

	dir, lines := readReport(t, versionDir)
	samePath(t, versionDir, dir)
	assert.Equal(t, []string{"game=missing", "args=2"}, lines)
}

func TestExecLauncherMissingExecutable(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), filepath.Join(t.TempDir(), "Roblox.exe"), nil)
	assert.Error(t, err)
}

func TestHostRelativeGameFileReachesClient(t *testing.T) {
	wd := t.TempDir()
	versionDir := installScript(t, wd, "v1")
	require.NoError(t, os.WriteFile(filepath.Join(wd, "place.rbxl"), []byte("<roblox/>"), 0o600))
	t.Chdir(wd)

	h := newHarness(t, fakeInstaller{"v1": true}, monitor.Options{})
	h.ctrl.opts.Launcher = ExecLauncher{}

	s, err := h.ctrl.HostSession(context.Background(), "v1", "place.rbxl")
	require.NoError(t, err)
	waitSession(t, s)

	assert.Equal(t, monitor.ExitProcess, s.Reason())
	assert.EqualValues(t, 1, h.server.stops.Load())

	dir, lines := readReport(t, versionDir)
	samePath(t, versionDir, dir)
	assert.Equal(t, []string{"game=ok", "args=4"}, lines)
}
