package session

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"text/template"
)

// DefaultWebHost is the host name served by the local web API emulator.
const DefaultWebHost = "www.fluster.is"

// Default connection script templates
const (
	DefaultHostScript = `loadfile('http://{{.WebHost}}/game/gameserver.ashx')(0, {{.Port}})`
	DefaultJoinScript = `http://{{.WebHost}}/game/join.ashx?UserID={{.UserID}}&serverPort={{.ServerPort}}&serverIP={{.ServerIP}}`
)

// Scripts renders the connection scripts handed to the client.
type Scripts struct {
	host    *template.Template
	join    *template.Template
	webHost string
}

// hostParams feeds the host template.
type hostParams struct {
	WebHost string
	Port    uint16
}

// joinParams feeds the join template. Values are already query-escaped.
type joinParams struct {
	WebHost    string
	ServerIP   string
	UserID     uint64
	ServerPort uint16
}

// NewScripts parses the templates. Empty arguments select the defaults.
func NewScripts(webHost, hostTmpl, joinTmpl string) (*Scripts, error) {
	if webHost == "" {
		webHost = DefaultWebHost
	}
	if hostTmpl == "" {
		hostTmpl = DefaultHostScript
	}
	if joinTmpl == "" {
		joinTmpl = DefaultJoinScript
	}

	host, err := template.New("host").Option("missingkey=error").Parse(hostTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse host script: %w", err)
	}
	join, err := template.New("join").Option("missingkey=error").Parse(joinTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse join script: %w", err)
	}

	return &Scripts{host: host, join: join, webHost: webHost}, nil
}

// HostArgs returns the command line that runs gameFile headless as a server on port.
func (s *Scripts) HostArgs(gameFile string, port uint16) ([]string, error) {
	var b strings.Builder
	if err := s.host.Execute(&b, hostParams{WebHost: s.webHost, Port: port}); err != nil {
		return nil, err
	}

	return []string{gameFile, "-no3d", "-script", b.String()}, nil
}

// JoinArgs returns the command line that connects the client to a host.
// serverIP must be a literal IP address, it ends up inside a URL.
func (s *Scripts) JoinArgs(serverIP string, serverPort uint16, userID uint64) ([]string, error) {
	ip := net.ParseIP(serverIP)
	if ip == nil {
		return nil, fmt.Errorf("%w: server ip %q", ErrInvalidArgument, serverIP)
	}
	if serverPort == 0 {
		return nil, fmt.Errorf("%w: server port 0", ErrInvalidArgument)
	}

	var b strings.Builder
	err := s.join.Execute(&b, joinParams{
		WebHost:    s.webHost,
		ServerIP:   url.QueryEscape(ip.String()),
		ServerPort: serverPort,
		UserID:     userID,
	})
	if err != nil {
		return nil, err
	}

	return []string{"-script", b.String()}, nil
}
