// Package session orchestrates hosting, joining and plain launching of a client
// version: validation, network setup, process launch and statistics tracking.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/discovery"
	"github.com/woozymasta/fluster/internal/journal"
	"github.com/woozymasta/fluster/internal/models"
	"github.com/woozymasta/fluster/internal/monitor"
)

// Session errors
var (
	ErrNotInstalled    = errors.New("version is not installed")
	ErrGameFileMissing = errors.New("game file does not exist")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrLaunch          = errors.New("failed to launch client")
	ErrNetworkSetup    = errors.New("failed to set up session network")
)

// Installer answers installation questions for a version.
type Installer interface {
	IsInstalled(version string) bool
	Executable(version string) string
}

// Registry records session starts.
type Registry interface {
	UpsertOnStart(version string, now uint64)
}

// Watcher tracks a launched client until it exits.
type Watcher interface {
	Watch(ctx context.Context, target monitor.Target, onExit ...func(monitor.ExitReason)) *monitor.Watch
}

// Journal keeps the session history. Optional.
type Journal interface {
	Begin(e models.SessionEntry) error
	Finish(id string, endedAt time.Time) error
}

// HostServer is a running announcement of a hosted session.
type HostServer interface {
	Port() uint16
	Stop()
}

// StartServerFunc reserves a port for version and starts announcing it.
type StartServerFunc func(ctx context.Context, version string) (HostServer, error)

// Options wires a Controller.
type Options struct {
	Installer   Installer
	Registry    Registry
	Monitor     Watcher
	Journal     Journal
	Launcher    Launcher
	Scripts     *Scripts
	StartServer StartServerFunc
	Now         func() time.Time
	Discovery   discovery.Options
}

// Controller runs sessions.
type Controller struct {
	opts Options
	wg   sync.WaitGroup
}

// Session is one launched client.
type Session struct {
	done    chan struct{}
	watch   *monitor.Watch
	ID      string
	Version string
	Mode    models.SessionMode
	PID     int32
	// Port is the announced session port, zero unless hosting.
	Port uint16
}

// Done is closed once the client exited, its statistics were recorded and, when
// hosting, announcing has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason returns why tracking ended. Valid after Done is closed.
func (s *Session) Reason() monitor.ExitReason {
	<-s.done
	return s.watch.Reason()
}

// New creates a controller. Nil launcher, scripts and server fall back to the
// real implementations.
func New(opts Options) (*Controller, error) {
	if opts.Installer == nil || opts.Registry == nil || opts.Monitor == nil {
		return nil, errors.New("session controller needs an installer, a registry and a monitor")
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Scripts == nil {
		scripts, err := NewScripts("", "", "")
		if err != nil {
			return nil, err
		}
		opts.Scripts = scripts
	}
	if opts.StartServer == nil {
		discoveryOpts := opts.Discovery
		opts.StartServer = func(ctx context.Context, version string) (HostServer, error) {
			srv, err := discovery.StartServer(ctx, version, discoveryOpts)
			if err != nil {
				return nil, err
			}
			return srv, nil
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{opts: opts}, nil
}

// HostSession launches gameFile as a headless server and announces it on the LAN.
// Announcing stops when the server process exits or ctx is cancelled.
func (c *Controller) HostSession(ctx context.Context, version, gameFile string) (*Session, error) {
	if err := c.validate(version); err != nil {
		return nil, err
	}

	// the client runs from its version directory
	abs, err := filepath.Abs(gameFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrGameFileMissing, gameFile, err)
	}
	gameFile = abs
	if info, err := os.Stat(gameFile); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrGameFileMissing, gameFile)
	}

	srv, err := c.opts.StartServer(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkSetup, err)
	}

	args, err := c.opts.Scripts.HostArgs(gameFile, srv.Port())
	if err != nil {
		srv.Stop()
		return nil, err
	}

	proc, err := c.opts.Launcher.Launch(ctx, c.opts.Installer.Executable(version), args)
	if err != nil {
		srv.Stop()
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-proc.Done():
			log.Info().Str("version", version).Uint16("port", srv.Port()).Msg("Server process exited, announcing stopped")
		case <-ctx.Done():
		}
		srv.Stop()
		close(stopped)
	}()

	entry := journal.NewEntry(version, models.ModeHost)
	entry.ServerPort = int(srv.Port())

	s := c.track(ctx, entry, proc, stopped)
	s.Port = srv.Port()

	log.Info().
		Str("version", version).
		Str("game_file", gameFile).
		Uint16("port", s.Port).
		Int32("pid", s.PID).
		Msg("Hosting session")

	return s, nil
}

// JoinSession launches the client connected to a host at serverIP:serverPort.
func (c *Controller) JoinSession(ctx context.Context, version, serverIP string, serverPort uint16, userID uint64) (*Session, error) {
	if err := c.validate(version); err != nil {
		return nil, err
	}

	args, err := c.opts.Scripts.JoinArgs(serverIP, serverPort, userID)
	if err != nil {
		return nil, err
	}

	proc, err := c.opts.Launcher.Launch(ctx, c.opts.Installer.Executable(version), args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	entry := journal.NewEntry(version, models.ModeJoin)
	entry.ServerIP = serverIP
	entry.ServerPort = int(serverPort)

	s := c.track(ctx, entry, proc, nil)

	log.Info().
		Str("version", version).
		Str("server", fmt.Sprintf("%s:%d", serverIP, serverPort)).
		Uint64("user_id", userID).
		Int32("pid", s.PID).
		Msg("Joining session")

	return s, nil
}

// LaunchClient starts the client without any session script.
func (c *Controller) LaunchClient(ctx context.Context, version string) (*Session, error) {
	if err := c.validate(version); err != nil {
		return nil, err
	}

	proc, err := c.opts.Launcher.Launch(ctx, c.opts.Installer.Executable(version), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	s := c.track(ctx, journal.NewEntry(version, models.ModeLaunch), proc, nil)
	log.Info().Str("version", version).Int32("pid", s.PID).Msg("Client launched")

	return s, nil
}

// Discover starts listening for hosted sessions on the LAN, optionally only of
// the given versions.
func (c *Controller) Discover(ctx context.Context, versions ...string) (*discovery.Client, error) {
	opts := c.opts.Discovery
	if len(versions) > 0 {
		opts.Versions = versions
	}

	client, err := discovery.StartDiscovery(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkSetup, err)
	}

	return client, nil
}

// Wait blocks until every session started by the controller is done.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) validate(version string) error {
	if !c.opts.Installer.IsInstalled(version) {
		return fmt.Errorf("%w: %q", ErrNotInstalled, version)
	}

	return nil
}

// track records the start and hands the process to the monitor. stopped, when
// set, delays Done until it is closed too.
func (c *Controller) track(ctx context.Context, entry models.SessionEntry, proc Process, stopped <-chan struct{}) *Session {
	now := c.opts.Now()
	entry.StartedAt = now.UTC().Truncate(time.Second)

	c.opts.Registry.UpsertOnStart(entry.Version, uint64(now.Unix()))

	journaled := false
	if c.opts.Journal != nil {
		if err := c.opts.Journal.Begin(entry); err != nil {
			log.Warn().Err(err).Str("version", entry.Version).Msg("Failed to journal session start")
		} else {
			journaled = true
		}
	}

	watch := c.opts.Monitor.Watch(ctx, monitor.Target{
		Version: entry.Version,
		PID:     proc.PID(),
		Exited:  proc.Done(),
	}, func(monitor.ExitReason) {
		if !journaled {
			return
		}
		if err := c.opts.Journal.Finish(entry.ID, c.opts.Now()); err != nil {
			log.Warn().Err(err).Str("session", entry.ID).Msg("Failed to journal session end")
		}
	})

	s := &Session{
		ID:      entry.ID,
		Version: entry.Version,
		Mode:    entry.Mode,
		PID:     proc.PID(),
		watch:   watch,
		done:    make(chan struct{}),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-watch.Done()
		if stopped != nil {
			<-stopped
		}
		close(s.done)
	}()

	return s
}
