// Package discovery finds hosted sessions on the local network.
//
// A hosting machine runs a Server: it reserves an OS-assigned TCP port and multicasts
// {port, version} announcements to a well-known group every interval. Joining machines
// run a Client that listens on the group and turns every valid announcement into a
// DiscoveredPeer event. Announcements are unauthenticated and treated as untrusted input.
package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/woozymasta/fluster/internal/models"
)

// Defaults of the discovery protocol
const (
	DefaultGroup      = "239.255.42.17:58432"
	DefaultInterval   = 5 * time.Second
	DefaultBufferSize = 1024
	DefaultBacklog    = 256
	DefaultTTL        = 1

	// maxVersionLength bounds the announced version string.
	maxVersionLength = 256
)

// ErrMalformed marks a datagram that is not an announcement.
var ErrMalformed = errors.New("malformed announcement")

// Options configure both sides of discovery. Zero values fall back to defaults.
type Options struct {
	// Group is the multicast group host:port. A unicast address disables group
	// membership and TTL handling, which is used on loopback.
	Group string

	// Versions restricts the client to announcements of these versions.
	Versions []string

	Interval   time.Duration
	BufferSize int
	Backlog    int
	TTL        int
}

func (o Options) withDefaults() Options {
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}

	return o
}

// Encode serializes an announcement for the wire.
func Encode(a models.Announcement) ([]byte, error) {
	if a.Port == 0 {
		return nil, fmt.Errorf("%w: zero port", ErrMalformed)
	}

	return json.Marshal(a)
}

// Decode parses a datagram. JSON objects are the current format; a bare decimal
// port is accepted from older hosts and yields an empty version.
func Decode(data []byte) (models.Announcement, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return models.Announcement{}, ErrMalformed
	}

	var a models.Announcement
	if data[0] == '{' {
		if err := json.Unmarshal(data, &a); err != nil {
			return models.Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		port, err := strconv.ParseUint(string(data), 10, 16)
		if err != nil {
			return models.Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		a.Port = uint16(port)
	}

	if a.Port == 0 {
		return models.Announcement{}, fmt.Errorf("%w: zero port", ErrMalformed)
	}
	if len(a.Version) > maxVersionLength || !utf8.ValidString(a.Version) {
		return models.Announcement{}, fmt.Errorf("%w: bad version", ErrMalformed)
	}

	return a, nil
}
