package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/discovery"
	"github.com/woozymasta/fluster/internal/maintenance"
	"github.com/woozymasta/fluster/internal/monitor"
	"github.com/woozymasta/fluster/internal/session"
)

func (a *app) setup() error {
	if err := a.layout.Setup(); err != nil {
		return err
	}

	fmt.Println(a.layout.Root)
	return nil
}

// whoami prints the current user name without the domain part.
func whoami() error {
	u, err := user.Current()
	if err != nil {
		return err
	}

	name := u.Username
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}

	fmt.Println(name)
	return nil
}

func (a *app) controller() (*session.Controller, error) {
	scripts, err := session.NewScripts(a.cfg.Session.WebHost, a.cfg.Session.HostScript, a.cfg.Session.JoinScript)
	if err != nil {
		return nil, err
	}

	opts := session.Options{
		Installer: a.installer,
		Registry:  a.registry,
		Monitor:   monitor.New(a.registry, a.cfg.MonitorOptions()),
		Scripts:   scripts,
		Discovery: a.cfg.DiscoveryOptions(nil),
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}

	return session.New(opts)
}

// waitSession blocks until the session is done. An interrupt stops tracking, the
// client itself keeps running.
func waitSession(ctx context.Context, ctrl *session.Controller, s *session.Session) {
	select {
	case <-s.Done():
	case <-ctx.Done():
		log.Info().Str("version", s.Version).Msg("Interrupted, tracking stopped")
	}

	ctrl.Wait()
	log.Info().Str("version", s.Version).Str("reason", string(s.Reason())).Msg("Session finished")
}

func (a *app) host(ctx context.Context) error {
	ctrl, err := a.controller()
	if err != nil {
		return err
	}

	args := a.cfg.Host.Args
	s, err := ctrl.HostSession(ctx, args.Version, args.GameFile)
	if err != nil {
		return err
	}

	fmt.Printf("Hosting %s on port %d (pid %d)\n", s.Version, s.Port, s.PID)
	waitSession(ctx, ctrl, s)

	return nil
}

func (a *app) join(ctx context.Context) error {
	ctrl, err := a.controller()
	if err != nil {
		return err
	}

	args := a.cfg.Join.Args
	if a.cfg.Join.Verify {
		addr := net.JoinHostPort(args.ServerIP, strconv.Itoa(int(args.ServerPort)))
		ann, err := discovery.Probe(ctx, addr)
		if err != nil {
			return fmt.Errorf("host %s did not answer: %w", addr, err)
		}
		if ann.Version != args.Version {
			return fmt.Errorf("host %s serves version %q, not %q", addr, ann.Version, args.Version)
		}
	}

	s, err := ctrl.JoinSession(ctx, args.Version, args.ServerIP, args.ServerPort, a.cfg.Join.UserID)
	if err != nil {
		return err
	}

	fmt.Printf("Joined %s:%d with %s (pid %d)\n", args.ServerIP, args.ServerPort, s.Version, s.PID)
	waitSession(ctx, ctrl, s)

	return nil
}

func (a *app) launch(ctx context.Context) error {
	ctrl, err := a.controller()
	if err != nil {
		return err
	}

	s, err := ctrl.LaunchClient(ctx, a.cfg.Launch.Args.Version)
	if err != nil {
		return err
	}

	fmt.Printf("Launched %s (pid %d)\n", s.Version, s.PID)
	waitSession(ctx, ctrl, s)

	return nil
}

func (a *app) discover(ctx context.Context) error {
	ctrl, err := a.controller()
	if err != nil {
		return err
	}

	if a.cfg.Discover.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Discover.Timeout)
		defer cancel()
	}

	client, err := ctrl.Discover(ctx, a.cfg.Discover.Filter...)
	if err != nil {
		return err
	}
	defer client.Stop()

	enc := json.NewEncoder(os.Stdout)
	seen := make(map[string]struct{})

	for peer := range client.Events() {
		key := peer.Addr.String() + "/" + peer.Version
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if a.cfg.Discover.Probe {
			ann, err := discovery.Probe(ctx, peer.Addr.String())
			if err != nil || ann != peer.Announcement {
				log.Warn().Err(err).Str("peer", peer.Addr.String()).Msg("Peer did not confirm its announcement")
				continue
			}
		}

		if a.cfg.Discover.JSON {
			if err := enc.Encode(peer); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s\t%s\n", peer.Addr, peer.Version)
	}

	if n := client.Dropped(); n > 0 {
		log.Warn().Uint64("dropped", n).Msg("Discovery events were dropped")
	}

	return nil
}

func (a *app) maintenance(ctx context.Context) error {
	deps := maintenance.Deps{
		Installer:   a.installer,
		Registry:    a.registry,
		Journal:     a.journal,
		ProcessName: a.cfg.Monitor.ProcessName,
	}

	if !maintenance.Run(ctx, a.cfg.Maintenance, deps) {
		return errors.New("no maintenance task selected, see --help")
	}

	return nil
}

func (a *app) uninstall() error {
	version := a.cfg.Uninstall.Args.Version
	if a.registry.Get(version).IsRunning {
		return fmt.Errorf("%s is running", version)
	}

	if err := a.installer.Uninstall(version); err != nil {
		return err
	}

	if a.cfg.Uninstall.Prune {
		a.registry.Prune(func(v string) bool { return v != version })
	}

	return nil
}
