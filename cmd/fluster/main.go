// main is the entry point of the Fluster launcher.
// It initializes the configuration, logger, statistics registry and session journal,
// then runs the selected command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/appdata"
	"github.com/woozymasta/fluster/internal/config"
	"github.com/woozymasta/fluster/internal/installer"
	"github.com/woozymasta/fluster/internal/journal"
	"github.com/woozymasta/fluster/internal/logger"
	"github.com/woozymasta/fluster/internal/registry"
	"github.com/woozymasta/fluster/internal/vars"
)

// app carries the state shared by commands.
type app struct {
	cfg       *config.Config
	installer *installer.Local
	registry  *registry.Registry
	journal   *journal.Journal
	layout    appdata.Layout
}

func main() {
	cfg := config.Parse()

	layout, err := appdata.New(cfg.Paths.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve the data directory")
	}

	closer := logger.Setup(cfg.Logger, layout.Logs())
	log.Debug().
		Interface("build", vars.Info()).
		Str("command", cfg.Command).
		Str("data", layout.Root).
		Msg("Starting fluster...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := &app{cfg: cfg, layout: layout, installer: installer.NewLocal(layout)}
	err = a.run(ctx)

	stop()
	a.close()

	if err != nil {
		log.Error().Err(err).Str("command", cfg.Command).Msg("Command failed")
		_ = closer.Close()
		os.Exit(1)
	}
	_ = closer.Close()
}

func (a *app) run(ctx context.Context) error {
	switch a.cfg.Command {
	case "setup":
		return a.setup()
	case "whoami":
		return whoami()
	}

	if err := a.open(); err != nil {
		return err
	}

	switch a.cfg.Command {
	case "host":
		return a.host(ctx)
	case "join":
		return a.join(ctx)
	case "launch":
		return a.launch(ctx)
	case "discover":
		return a.discover(ctx)
	case "stats":
		return a.stats(ctx)
	case "maintenance":
		return a.maintenance(ctx)
	case "uninstall":
		return a.uninstall()
	}

	return nil
}

// open prepares the data directory, the registry and, unless disabled, the journal.
func (a *app) open() error {
	if !a.layout.IsSetup() {
		log.Info().Str("path", a.layout.Root).Msg("Creating data directory")
	}
	if err := a.layout.Setup(); err != nil {
		return err
	}

	a.registry = registry.New(registry.NewStore(a.layout.RegistryPath()))

	if a.cfg.Session.NoJournal {
		return nil
	}

	j, err := journal.Open(a.layout.JournalPath())
	if err != nil {
		log.Warn().Err(err).Str("path", a.layout.JournalPath()).Msg("Failed to open the session journal, history disabled")
		return nil
	}
	a.journal = j

	return nil
}

func (a *app) close() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing the session journal")
		}
	}
}
