// Package vars holds build-time variables populated via the linker (ldflags).
package vars

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// License of the project
const License = "AGPL-3.0"

var (
	// Name of the project, also used as the application data directory name
	Name = "Fluster"

	// Version of application (git tag) semver/tag, e.g. v1.2.3
	Version = "dev"

	// Commit is the current git commit, full or short git SHA
	Commit = "unknown"

	// Revision build, count of commits
	Revision = 0

	// BuildTime is the time of start build app, RFC3339 UTC
	BuildTime = time.Unix(0, 0)

	// URL to repository (https)
	URL = "https://github.com/woozymasta/fluster"

	_revision  string
	_buildTime string
)

// BuildInfo exposes build metadata to the stats and version outputs.
type BuildInfo struct {
	// betteralign:ignore

	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Commit      string    `json:"commit"`
	CommitShort string    `json:"commit_short,omitempty"`
	Revision    int       `json:"revision,omitempty"`
	BuildTime   time.Time `json:"build_time,omitempty"`
	Platform    string    `json:"platform"`
	URL         string    `json:"url,omitempty"`
	License     string    `json:"license,omitempty"`
}

func init() {
	if n, err := strconv.Atoi(_revision); err == nil {
		Revision = n
	}

	if _buildTime != "" {
		if t, err := time.Parse(time.RFC3339, _buildTime); err == nil {
			BuildTime = t.UTC()
		}
	}
}

// Print writes the build information to the standard output.
func Print() {
	fmt.Printf(`name:     %s
url:      %s
file:     %s
version:  %s
commit:   %s
revision: %d
built:    %s
platform: %s
license:  %s
`, Name, URL, os.Args[0], Version, Commit, Revision, BuildTime, Platform(), License)
}

// Info returns a BuildInfo struct containing detailed build metadata.
func Info() BuildInfo {
	return BuildInfo{
		Name:        Name,
		Version:     Version,
		Commit:      Commit,
		CommitShort: CommitShort(),
		Revision:    Revision,
		BuildTime:   BuildTime,
		Platform:    Platform(),
		URL:         URL,
		License:     License,
	}
}

// Platform returns GOOS/GOARCH of the running binary.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// CommitShort returns the first 7 characters of the git commit hash.
func CommitShort() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}

	return Commit
}
