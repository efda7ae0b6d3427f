// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/fluster/internal/discovery"
	"github.com/woozymasta/fluster/internal/logger"
	"github.com/woozymasta/fluster/internal/monitor"
	"github.com/woozymasta/fluster/internal/vars"
)

// errNoCommand is returned when neither a command nor --version was given.
var errNoCommand = errors.New("no command specified")

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Paths     Paths         `group:"Path Options" env-namespace:"FLUSTER"`
	Discovery Discovery     `group:"Discovery Options" namespace:"discovery" env-namespace:"FLUSTER_DISCOVERY"`
	Monitor   Monitor       `group:"Monitor Options" namespace:"monitor" env-namespace:"FLUSTER_MONITOR"`
	Session   Session       `group:"Session Options" namespace:"session" env-namespace:"FLUSTER_SESSION"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"FLUSTER_LOG"`

	Setup       struct{}    `command:"setup" description:"Create the data directory layout"`
	Host        Host        `command:"host" description:"Host a game file and announce it on the LAN"`
	Join        Join        `command:"join" description:"Join a hosted session"`
	Launch      Launch      `command:"launch" description:"Launch a client version without a session"`
	Discover    Discover    `command:"discover" description:"List sessions announced on the LAN"`
	Stats       Stats       `command:"stats" description:"Show play time statistics"`
	Maintenance Maintenance `command:"maintenance" description:"Repair and clean up local state"`
	Uninstall   Uninstall   `command:"uninstall" description:"Remove an installed client version"`
	WhoAmI      struct{}    `command:"whoami" description:"Print the device user name"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`

	// Command is the name of the selected subcommand
	Command string `no-flag:"true"`
}

// Paths holds file locations.
type Paths struct {
	DataDir string `short:"d" long:"data-dir" env:"DATA_DIR" description:"Data directory (default: OS local data directory)"`
}

// Discovery holds LAN discovery configuration.
type Discovery struct {
	// betteralign:ignore

	Group      string        `long:"group" env:"GROUP" description:"Multicast group address" default:"239.255.42.17:58432"`
	Interval   time.Duration `long:"interval" env:"INTERVAL" description:"Announcement interval" default:"5s"`
	BufferSize int           `long:"buffer-size" env:"BUFFER_SIZE" description:"Datagram receive buffer size" default:"1024"`
	Backlog    int           `long:"backlog" env:"BACKLOG" description:"Undelivered discovery events kept per listener" default:"256"`
	TTL        int           `long:"ttl" env:"TTL" description:"Multicast TTL of announcements" default:"1"`
}

// Monitor holds process monitor configuration.
type Monitor struct {
	// betteralign:ignore

	Grace       time.Duration `long:"grace" env:"GRACE" description:"Delay before the first liveness check" default:"2s"`
	Interval    time.Duration `long:"interval" env:"INTERVAL" description:"Process table poll interval" default:"5s"`
	ProcessName string        `long:"process-name" env:"PROCESS_NAME" description:"Client process name (default: platform specific)"`
	PollOnly    bool          `long:"poll-only" env:"POLL_ONLY" description:"Ignore the launched process handle and poll the process table"`
}

// Session holds launch configuration.
type Session struct {
	// betteralign:ignore

	WebHost    string `long:"web-host" env:"WEB_HOST" description:"Host name of the local web API" default:"www.fluster.is"`
	HostScript string `long:"host-script" env:"HOST_SCRIPT" description:"Template of the server script (fields: WebHost, Port)"`
	JoinScript string `long:"join-script" env:"JOIN_SCRIPT" description:"Template of the join script (fields: WebHost, ServerIP, ServerPort, UserID)"`
	NoJournal  bool   `long:"no-journal" env:"NO_JOURNAL" description:"Do not record session history"`
}

// Host are the host command arguments.
type Host struct {
	Args struct {
		Version  string `positional-arg-name:"version" description:"Installed client version"`
		GameFile string `positional-arg-name:"game-file" description:"Place file to host"`
	} `positional-args:"yes" required:"yes"`
}

// Join are the join command arguments.
type Join struct {
	// betteralign:ignore

	UserID uint64 `short:"u" long:"user-id" env:"FLUSTER_USER_ID" description:"User id passed to the web API" default:"1"`
	Verify bool   `long:"verify" description:"Ask the host which version it serves before launching"`

	Args struct {
		Version    string `positional-arg-name:"version" description:"Installed client version"`
		ServerIP   string `positional-arg-name:"server-ip" description:"Host address"`
		ServerPort uint16 `positional-arg-name:"server-port" description:"Host session port"`
	} `positional-args:"yes" required:"yes"`
}

// Launch are the launch command arguments.
type Launch struct {
	Args struct {
		Version string `positional-arg-name:"version" description:"Installed client version"`
	} `positional-args:"yes" required:"yes"`
}

// Discover are the discover command options.
type Discover struct {
	// betteralign:ignore

	Filter  []string      `short:"f" long:"filter" description:"Only show sessions of these versions"`
	Timeout time.Duration `short:"t" long:"timeout" description:"Stop listening after this duration (default: until interrupted)"`
	Probe   bool          `long:"probe" description:"Confirm every new peer over its session port"`
	JSON    bool          `long:"json" description:"Print peers as JSON lines"`
}

// Stats are the stats command options.
type Stats struct {
	// betteralign:ignore

	Filter  string `short:"f" long:"filter" description:"Only show this version"`
	History int    `short:"n" long:"history" description:"Recent sessions to list from the journal" default:"10"`
	JSON    bool   `long:"json" description:"Print the registry document as JSON"`
	Watch   bool   `short:"w" long:"watch" description:"Print again whenever the statistics change"`
}

// Maintenance are the maintenance command options.
type Maintenance struct {
	// betteralign:ignore

	PruneStale     bool `long:"prune-stale" description:"Drop statistics of versions that are no longer installed"`
	RecomputeSizes bool `long:"recompute-sizes" description:"Measure the disk size of every installed version"`
	Reconcile      bool `long:"reconcile" description:"Close running records and sessions whose client is gone"`
	Workers        int  `long:"workers" description:"Parallel size computations" default:"4"`
	GenerateCount  int  `long:"gen-fake-sessions" hidden:"true"`
}

// Uninstall are the uninstall command arguments.
type Uninstall struct {
	Prune bool `long:"prune" description:"Also drop the statistics of the version"`

	Args struct {
		Version string `positional-arg-name:"version" description:"Installed client version"`
	} `positional-args:"yes" required:"yes"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	cfg, parser, err := parse(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		switch {
		case errors.As(err, &flagsErr):
			// already printed by the parser
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		case errors.Is(err, errNoCommand):
			parser.WriteHelp(os.Stderr)
		default:
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	return cfg
}

// ParseArgs parses args without touching the process state.
func ParseArgs(args []string) (*Config, error) {
	cfg, _, err := parse(args)
	return cfg, err
}

func parse(args []string) (*Config, *flags.Parser, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"
	parser.SubcommandsOptional = true

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, parser, err
	}

	if parser.Active != nil {
		cfg.Command = parser.Active.Name
	}
	if cfg.Command == "" && !cfg.Version {
		return nil, parser, errNoCommand
	}

	if err := cfg.Validate(); err != nil {
		return nil, parser, err
	}

	return &cfg, parser, nil
}

// Validate checks values the parser cannot.
func (c *Config) Validate() error {
	switch {
	case c.Discovery.Interval <= 0:
		return fmt.Errorf("discovery interval must be positive, got %s", c.Discovery.Interval)
	case c.Discovery.BufferSize < 64:
		return fmt.Errorf("discovery buffer size %d is too small", c.Discovery.BufferSize)
	case c.Discovery.Backlog <= 0:
		return fmt.Errorf("discovery backlog must be positive, got %d", c.Discovery.Backlog)
	case c.Discovery.TTL < 1 || c.Discovery.TTL > 255:
		return fmt.Errorf("discovery ttl %d is out of range 1-255", c.Discovery.TTL)
	case c.Monitor.Grace <= 0:
		return fmt.Errorf("monitor grace must be positive, got %s", c.Monitor.Grace)
	case c.Monitor.Interval <= 0:
		return fmt.Errorf("monitor interval must be positive, got %s", c.Monitor.Interval)
	case c.Session.WebHost == "":
		return errors.New("session web host must not be empty")
	case c.Maintenance.Workers <= 0:
		return fmt.Errorf("maintenance workers must be positive, got %d", c.Maintenance.Workers)
	}

	return nil
}

// DiscoveryOptions converts the discovery group to listener and announcer options.
func (c *Config) DiscoveryOptions(filter []string) discovery.Options {
	return discovery.Options{
		Group:      c.Discovery.Group,
		Versions:   filter,
		Interval:   c.Discovery.Interval,
		BufferSize: c.Discovery.BufferSize,
		Backlog:    c.Discovery.Backlog,
		TTL:        c.Discovery.TTL,
	}
}

// MonitorOptions converts the monitor group to monitor options.
func (c *Config) MonitorOptions() monitor.Options {
	return monitor.Options{
		ProcessName: c.Monitor.ProcessName,
		Grace:       c.Monitor.Grace,
		Interval:    c.Monitor.Interval,
		PollOnly:    c.Monitor.PollOnly,
	}
}
