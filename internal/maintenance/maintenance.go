// Package maintenance provide tools for repairing and cleaning local state
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/config"
	"github.com/woozymasta/fluster/internal/fake"
	"github.com/woozymasta/fluster/internal/journal"
	"github.com/woozymasta/fluster/internal/monitor"
	"github.com/woozymasta/fluster/internal/registry"
)

// Installer lists and measures installed versions.
type Installer interface {
	IsInstalled(version string) bool
	Versions() ([]string, error)
	Size(version string) (uint64, error)
}

// Deps are the stores maintenance works on. Journal may be nil.
type Deps struct {
	Installer   Installer
	Registry    *registry.Registry
	Journal     *journal.Journal
	Table       monitor.ProcessTable
	ProcessName string
}

// Run executes every selected maintenance task in a fixed order.
// Returns true if a maintenance task was executed.
func Run(ctx context.Context, cfg config.Maintenance, deps Deps) bool {
	ran := false

	if cfg.GenerateCount > 0 && deps.Journal != nil {
		versions, _ := deps.Installer.Versions()
		fake.GenerateSessions(deps.Journal, deps.Registry, versions, cfg.GenerateCount)
		ran = true
	}

	if cfg.Reconcile {
		Reconcile(ctx, deps)
		ran = true
	}

	if cfg.PruneStale {
		removed := deps.Registry.Prune(deps.Installer.IsInstalled)
		log.Info().Strs("versions", removed).Int("deleted", len(removed)).Msg("Prune finished")
		ran = true
	}

	if cfg.RecomputeSizes {
		RecomputeSizes(ctx, deps, cfg.Workers)
		ran = true
	}

	return ran
}

// Reconcile stops registry records and journal sessions left running by a crashed
// launcher. Nothing is touched while any client process is alive, since records
// carry no pid to tell which version it belongs to.
func Reconcile(ctx context.Context, deps Deps) {
	table := deps.Table
	if table == nil {
		table = monitor.SystemTable{}
	}
	name := deps.ProcessName
	if name == "" {
		name = monitor.DefaultProcessName()
	}

	running, err := table.Running(ctx, 0, name)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read the process table, reconcile skipped")
		return
	}
	if running {
		log.Info().Str("process", name).Msg("Client is running, reconcile skipped")
		return
	}

	now := time.Now()
	stopped := deps.Registry.ReconcileRunning(func(string) bool { return false }, uint64(now.Unix()))
	log.Info().Strs("versions", stopped).Msg("Stale running records closed")

	if deps.Journal == nil {
		return
	}
	n, err := deps.Journal.CloseDangling(now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to close dangling sessions")
		return
	}
	log.Info().Int64("sessions", n).Msg("Dangling sessions closed")
}

// RecomputeSizes measures every installed version with a pool of workers and
// stores the result in the registry.
func RecomputeSizes(ctx context.Context, deps Deps, workers int) {
	versions, err := deps.Installer.Versions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list installed versions")
		return
	}
	if len(versions) == 0 {
		log.Info().Msg("No installed versions found for maintenance")
		return
	}
	if workers <= 0 {
		workers = 1
	}

	log.Info().Int("count", len(versions)).Int("workers", workers).Msg("Computing version sizes...")

	jobs := make(chan string, len(versions))
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for version := range jobs {
				if ctx.Err() != nil {
					continue
				}
				measure(version, deps)
			}
		}()
	}

	// Send jobs
	for _, v := range versions {
		jobs <- v
	}
	close(jobs)

	wg.Wait()
	log.Info().Msg("Maintenance task completed")
}

func measure(version string, deps Deps) {
	logCtx := log.With().Str("version", version).Logger()

	size, err := deps.Installer.Size(version)
	if err != nil {
		logCtx.Error().Err(err).Msg("Failed to measure version")
		return
	}

	deps.Registry.SetSize(version, size)
	logCtx.Debug().Str("size", humanize.IBytes(size)).Msg("Version size updated")
}
