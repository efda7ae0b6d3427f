// Package installer exposes the installation state of client versions on disk.
// Downloading and extracting packages is handled elsewhere; this package only
// answers "is it installed", "where is the executable" and "how big is it".
package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/appdata"
)

// ExecutableName is the client executable expected inside every version directory.
const ExecutableName = "Roblox.exe"

// ErrInvalidVersion is returned for version identifiers that would escape the versions directory.
var ErrInvalidVersion = errors.New("invalid version identifier")

// Local resolves versions inside the application data layout.
type Local struct {
	layout appdata.Layout
}

// NewLocal creates an installer over the given layout.
func NewLocal(layout appdata.Layout) *Local {
	return &Local{layout: layout}
}

// ValidVersion reports whether the identifier can be used as a single path element.
func ValidVersion(version string) bool {
	if version == "" || version == "." || version == ".." {
		return false
	}

	return !strings.ContainsAny(version, `/\:`)
}

// Executable returns the deterministic executable path of a version.
func (l *Local) Executable(version string) string {
	return filepath.Join(l.layout.VersionDir(version), ExecutableName)
}

// IsInstalled reports whether the version directory and its executable exist.
func (l *Local) IsInstalled(version string) bool {
	if !ValidVersion(version) {
		return false
	}

	dir, err := os.Stat(l.layout.VersionDir(version))
	if err != nil || !dir.IsDir() {
		return false
	}

	exe, err := os.Stat(l.Executable(version))
	if err != nil {
		return false
	}

	return exe.Mode().IsRegular()
}

// Versions lists the installed versions sorted by name.
func (l *Local) Versions() ([]string, error) {
	entries, err := os.ReadDir(l.layout.Versions())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() && l.IsInstalled(entry.Name()) {
			versions = append(versions, entry.Name())
		}
	}
	sort.Strings(versions)

	return versions, nil
}

// Size walks the version directory and sums regular file sizes.
func (l *Local) Size(version string) (uint64, error) {
	if !ValidVersion(version) {
		return 0, ErrInvalidVersion
	}

	return DirSize(l.layout.VersionDir(version))
}

// Uninstall removes the version directory.
// The statistics record of the version is kept.
func (l *Local) Uninstall(version string) error {
	if !ValidVersion(version) {
		return ErrInvalidVersion
	}

	if !l.IsInstalled(version) {
		return fmt.Errorf("%s is not installed", version)
	}

	if err := os.RemoveAll(l.layout.VersionDir(version)); err != nil {
		return fmt.Errorf("failed to remove the version directory for %s: %w", version, err)
	}

	log.Info().Str("version", version).Msg("Version uninstalled")

	return nil
}

// DirSize returns the summed size of all regular files under path.
func DirSize(path string) (uint64, error) {
	var total uint64

	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}
