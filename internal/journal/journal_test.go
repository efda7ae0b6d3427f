package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/fluster/internal/models"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "fluster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return j
}

func TestBeginFinishRecent(t *testing.T) {
	j := openTestJournal(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	host := NewEntry("v1", models.ModeHost)
	host.StartedAt = base
	host.ServerPort = 50123
	require.NoError(t, j.Begin(host))

	join := NewEntry("v1", models.ModeJoin)
	join.StartedAt = base.Add(time.Minute)
	join.ServerIP = "192.168.1.20"
	join.ServerPort = 50999
	require.NoError(t, j.Begin(join))

	require.NoError(t, j.Finish(host.ID, base.Add(90*time.Second)))
	assert.ErrorIs(t, j.Finish(host.ID, base.Add(time.Hour)), ErrUnknownSession)
	assert.ErrorIs(t, j.Finish("nope", base), ErrUnknownSession)

	entries, err := j.Recent("v1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, join.ID, entries[0].ID)
	assert.Equal(t, models.ModeJoin, entries[0].Mode)
	assert.Equal(t, "192.168.1.20", entries[0].ServerIP)
	assert.Nil(t, entries[0].EndedAt)

	assert.Equal(t, host.ID, entries[1].ID)
	require.NotNil(t, entries[1].EndedAt)
	assert.EqualValues(t, 90, entries[1].Duration)
	assert.True(t, base.Equal(entries[1].StartedAt))
}

func TestTotalsAndDangling(t *testing.T) {
	j := openTestJournal(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	for i, version := range []string{"a", "a", "b"} {
		e := NewEntry(version, models.ModeLaunch)
		e.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, j.Begin(e))
	}

	n, err := j.CloseDangling(base.Add(10 * time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	totals, err := j.Totals()
	require.NoError(t, err)
	assert.Equal(t, []models.VersionTotals{
		{Version: "a", Sessions: 2, Duration: 600 + 540},
		{Version: "b", Sessions: 1, Duration: 480},
	}, totals)

	all, err := j.Recent("", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFinishBeforeStartClampsDuration(t *testing.T) {
	j := openTestJournal(t)

	e := NewEntry("v1", models.ModeLaunch)
	require.NoError(t, j.Begin(e))
	require.NoError(t, j.Finish(e.ID, e.StartedAt.Add(-time.Hour)))

	entries, err := j.Recent("v1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].Duration)
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluster.db")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Begin(NewEntry("v1", models.ModeLaunch)))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	entries, err := j.Recent("", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
