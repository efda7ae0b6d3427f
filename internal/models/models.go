// Package models defines the data structures shared by the registry, discovery and session layers.
package models

import (
	"encoding/json"
	"net/netip"
	"time"
)

// VersionRecord holds runtime and usage statistics of one installed client version.
// Field names follow the on-disk document format.
type VersionRecord struct {
	// StartTime is the epoch second the current run began, present iff IsRunning.
	StartTime *uint64 `json:"start_time"`

	// TotalPlayTime is the cumulative number of seconds across all finished sessions.
	TotalPlayTime uint64 `json:"total_play_time"`

	// LastPlayed is the epoch second of the most recent session start.
	LastPlayed uint64 `json:"last_played"`

	// SizeBytes is the on-disk footprint computed at install time.
	SizeBytes uint64 `json:"size_bytes"`

	// IsRunning is true between launch and detected exit.
	IsRunning bool `json:"is_running"`
}

// Valid reports whether the running flag and start time agree.
func (r VersionRecord) Valid() bool {
	return r.IsRunning == (r.StartTime != nil)
}

// Registry is the persisted mapping of version identifier to statistics.
type Registry struct {
	Versions map[string]VersionRecord `json:"versions"`
}

// NewRegistry returns an empty registry with an allocated map.
func NewRegistry() Registry {
	return Registry{Versions: make(map[string]VersionRecord)}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Registry) Clone() Registry {
	out := Registry{Versions: make(map[string]VersionRecord, len(r.Versions))}
	for k, v := range r.Versions {
		if v.StartTime != nil {
			ts := *v.StartTime
			v.StartTime = &ts
		}
		out.Versions[k] = v
	}

	return out
}

// Announcement is the payload multicast by a hosting session.
type Announcement struct {
	Version string `json:"version"`
	Port    uint16 `json:"port"`
}

// DiscoveredPeer is a hosting session seen on the local network.
// Addr combines the datagram source IP with the announced port.
type DiscoveredPeer struct {
	Addr netip.AddrPort
	Announcement
}

// Host returns the peer IP as a string.
func (p DiscoveredPeer) Host() string {
	return p.Addr.Addr().String()
}

// MarshalJSON renders the peer in the {host, port, version} shape consumed by UI layers.
func (p DiscoveredPeer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Host    string `json:"host"`
		Version string `json:"version"`
		Port    uint16 `json:"port"`
	}{
		Host:    p.Host(),
		Port:    p.Addr.Port(),
		Version: p.Version,
	})
}

// SessionMode tells how a session was started.
type SessionMode string

// Session modes
const (
	ModeLaunch SessionMode = "launch"
	ModeHost   SessionMode = "host"
	ModeJoin   SessionMode = "join"
)

func (m SessionMode) String() string { return string(m) }

// SessionEntry is one row of the session journal.
type SessionEntry struct {
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	ID         string      `json:"id"`
	Version    string      `json:"version"`
	Mode       SessionMode `json:"mode"`
	ServerIP   string      `json:"server_ip,omitempty"`
	ServerPort int         `json:"server_port,omitempty"`
	Duration   int64       `json:"duration"`
}

// VersionTotals aggregates journal entries of one version.
type VersionTotals struct {
	Version  string `json:"version"`
	Sessions int64  `json:"sessions"`
	Duration int64  `json:"duration"`
}
