// Package fake provides utilities for generating random session history for testing and development purposes.
package fake

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/journal"
	"github.com/woozymasta/fluster/internal/models"
)

// Journal receives generated sessions.
type Journal interface {
	Begin(e models.SessionEntry) error
	Finish(id string, endedAt time.Time) error
}

// Registry receives the play time of generated sessions.
type Registry interface {
	Get(version string) models.VersionRecord
	AddPlayTime(version string, seconds, lastPlayed uint64)
}

// GenerateSessions plays count randomized finished sessions into the journal and
// the registry. Sessions are spread over the last 30 days and never overlap per
// version, so registry totals grow by the journal totals. Versions that are
// running are skipped and LastPlayed never moves back.
func GenerateSessions(j Journal, reg Registry, versions []string, count int) int {
	if len(versions) == 0 {
		versions = []string{"version-2e5ac8b7f2c64d1e", "version-8a1f0c3d9b7e4a52", "version-c4d2e6f80a1b3c95"}
	}

	idle := make([]string, 0, len(versions))
	for _, v := range versions {
		if reg.Get(v).IsRunning {
			log.Warn().Str("version", v).Msg("Version is running, no fake sessions generated for it")
			continue
		}
		idle = append(idle, v)
	}
	if len(idle) == 0 {
		return 0
	}
	versions = idle
	modes := []models.SessionMode{models.ModeLaunch, models.ModeHost, models.ModeJoin}

	// Hosts seen on the "LAN", reused by joins
	var hosts []string

	// per version cursor, sessions are laid out oldest first
	cursor := make(map[string]time.Time, len(versions))
	start := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	for _, v := range versions {
		cursor[v] = start.Add(time.Duration(rand.Intn(1440)) * time.Minute)
	}

	generated := 0
	for i := 0; i < count; i++ {
		version := versions[rand.Intn(len(versions))]
		mode := modes[rand.Intn(len(modes))]

		// Gap up to a day, session between 1 minute and 3 hours
		startedAt := cursor[version].Add(time.Duration(rand.Intn(1440)) * time.Minute)
		duration := time.Duration(1+rand.Intn(180)) * time.Minute
		endedAt := startedAt.Add(duration)
		if endedAt.After(time.Now()) {
			break
		}
		cursor[version] = endedAt

		entry := journal.NewEntry(version, mode)
		entry.StartedAt = startedAt

		switch mode {
		case models.ModeHost:
			entry.ServerPort = 49152 + rand.Intn(16383)
		case models.ModeJoin:
			// 40% chance to join a known host
			if len(hosts) > 0 && rand.Float32() < 0.4 {
				entry.ServerIP = hosts[rand.Intn(len(hosts))]
			} else {
				entry.ServerIP = fmt.Sprintf("192.168.%d.%d", rand.Intn(4), rand.Intn(253)+2)
				hosts = append(hosts, entry.ServerIP)
			}
			entry.ServerPort = 49152 + rand.Intn(16383)
		}

		if err := j.Begin(entry); err != nil {
			log.Warn().Err(err).Msg("Failed to generate fake session")
			continue
		}
		if err := j.Finish(entry.ID, endedAt); err != nil {
			log.Warn().Err(err).Str("session", entry.ID).Msg("Failed to finish fake session")
			continue
		}

		reg.AddPlayTime(version, uint64(duration/time.Second), uint64(endedAt.Unix()))
		generated++
	}

	log.Info().Int("sessions", generated).Int("versions", len(versions)).Msg("Fake sessions generated")

	return generated
}
