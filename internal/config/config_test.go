package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := ParseArgs([]string{"host", "version-abc", "place.rbxl"})
	require.NoError(t, err)

	assert.Equal(t, "host", cfg.Command)
	assert.Equal(t, "version-abc", cfg.Host.Args.Version)
	assert.Equal(t, "place.rbxl", cfg.Host.Args.GameFile)

	assert.Equal(t, "239.255.42.17:58432", cfg.Discovery.Group)
	assert.Equal(t, 5*time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 1024, cfg.Discovery.BufferSize)
	assert.Equal(t, 1, cfg.Discovery.TTL)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Grace)
	assert.Equal(t, "www.fluster.is", cfg.Session.WebHost)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestParseJoin(t *testing.T) {
	cfg, err := ParseArgs([]string{
		"--discovery-interval", "1s",
		"--monitor-poll-only",
		"join", "--user-id", "42", "--verify", "v1", "192.168.1.20", "50123",
	})
	require.NoError(t, err)

	assert.Equal(t, "join", cfg.Command)
	assert.EqualValues(t, 42, cfg.Join.UserID)
	assert.True(t, cfg.Join.Verify)
	assert.Equal(t, "192.168.1.20", cfg.Join.Args.ServerIP)
	assert.EqualValues(t, 50123, cfg.Join.Args.ServerPort)
	assert.Equal(t, time.Second, cfg.Discovery.Interval)

	mon := cfg.MonitorOptions()
	assert.True(t, mon.PollOnly)

	disc := cfg.DiscoveryOptions([]string{"v1"})
	assert.Equal(t, []string{"v1"}, disc.Versions)
	assert.Equal(t, time.Second, disc.Interval)
}

func TestParseEnvironment(t *testing.T) {
	t.Setenv("FLUSTER_DATA_DIR", "/tmp/fluster-data")
	t.Setenv("FLUSTER_DISCOVERY_TTL", "4")

	cfg, err := ParseArgs([]string{"discover", "-f", "a", "-f", "b"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fluster-data", cfg.Paths.DataDir)
	assert.Equal(t, 4, cfg.Discovery.TTL)
	assert.Equal(t, []string{"a", "b"}, cfg.Discover.Filter)
}

func TestParseRejects(t *testing.T) {
	for name, args := range map[string][]string{
		"no command":       {},
		"missing args":     {"join", "v1"},
		"bad port":         {"join", "v1", "10.0.0.1", "70000"},
		"zero interval":    {"--discovery-interval", "0s", "setup"},
		"ttl out of range": {"--discovery-ttl", "300", "setup"},
		"zero workers":     {"maintenance", "--workers", "0"},
		"zero grace":       {"--monitor-grace", "0s", "setup"},
		"negative grace":   {"--monitor-grace=-1s", "setup"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestParseVersionWithoutCommand(t *testing.T) {
	cfg, err := ParseArgs([]string{"--version"})
	require.NoError(t, err)
	assert.True(t, cfg.Version)
	assert.Empty(t, cfg.Command)
}
