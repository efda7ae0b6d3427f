package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/fluster/internal/appdata"
	"github.com/woozymasta/fluster/internal/config"
	"github.com/woozymasta/fluster/internal/installer"
	"github.com/woozymasta/fluster/internal/models"
	"github.com/woozymasta/fluster/internal/registry"
)

func testApp(t *testing.T) *app {
	t.Helper()

	layout, err := appdata.New(t.TempDir())
	require.NoError(t, err)

	return &app{
		cfg:       &config.Config{},
		layout:    layout,
		installer: installer.NewLocal(layout),
	}
}

func TestPrintStatsTable(t *testing.T) {
	a := testApp(t)

	start := uint64(1_700_000_000)
	snap := models.NewRegistry()
	snap.Versions["v1"] = models.VersionRecord{TotalPlayTime: 3725, SizeBytes: 2048}
	snap.Versions["v2"] = models.VersionRecord{IsRunning: true, StartTime: &start, LastPlayed: start}

	var out bytes.Buffer
	require.NoError(t, a.printStats(&out, snap))

	text := out.String()
	assert.Contains(t, text, "VERSION")
	assert.Contains(t, text, "1h2m5s")
	assert.Contains(t, text, "2.0 KiB")
	assert.Contains(t, text, "running, removed")
	assert.Contains(t, text, "never")
}

func TestPrintStatsJSONFilter(t *testing.T) {
	a := testApp(t)
	a.cfg.Stats.JSON = true
	a.cfg.Stats.Filter = "v2"

	snap := models.NewRegistry()
	snap.Versions["v1"] = models.VersionRecord{TotalPlayTime: 1}
	snap.Versions["v2"] = models.VersionRecord{TotalPlayTime: 2}

	var out bytes.Buffer
	require.NoError(t, a.printStats(&out, snap))

	var doc models.Registry
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Versions, 1)
	assert.EqualValues(t, 2, doc.Versions["v2"].TotalPlayTime)
}

func TestPrintStatsIncludesUnplayedInstalls(t *testing.T) {
	a := testApp(t)
	a.cfg.Stats.JSON = true

	dir := a.layout.VersionDir("v3")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, installer.ExecutableName), make([]byte, 3000), 0o600))

	snap := models.NewRegistry()
	snap.Versions["v1"] = models.VersionRecord{TotalPlayTime: 1, SizeBytes: 10}

	var out bytes.Buffer
	require.NoError(t, a.printStats(&out, snap))

	var doc models.Registry
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Versions, 2)
	assert.EqualValues(t, 10, doc.Versions["v1"].SizeBytes)
	assert.EqualValues(t, 3000, doc.Versions["v3"].SizeBytes)
	assert.Zero(t, doc.Versions["v3"].TotalPlayTime)

	assert.NotContains(t, snap.Versions, "v3")
}

func TestPrintStatsMeasuresMissingSize(t *testing.T) {
	a := testApp(t)
	require.NoError(t, a.layout.Setup())
	a.registry = registry.New(registry.NewStore(a.layout.RegistryPath()))
	t.Cleanup(a.registry.Close)

	dir := a.layout.VersionDir("v1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, installer.ExecutableName), make([]byte, 2048), 0o600))

	snap := models.NewRegistry()
	snap.Versions["v1"] = models.VersionRecord{TotalPlayTime: 60}

	var out bytes.Buffer
	require.NoError(t, a.printStats(&out, snap))

	assert.Contains(t, out.String(), "2.0 KiB")
	assert.EqualValues(t, 2048, a.registry.Get("v1").SizeBytes)
}
