// Package appdata resolves the application-private data directory and its layout.
package appdata

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/woozymasta/fluster/internal/vars"
)

// Sub directories created by Setup
const (
	VersionsDir  = "versions"
	DownloadsDir = "downloads"
	CacheDir     = "cache"
	LogsDir      = "logs"
)

// RegistryFile is the name of the statistics document inside the versions directory.
const RegistryFile = "version_stats.json"

// JournalFile is the name of the session journal database inside the root directory.
const JournalFile = "fluster.db"

// Layout describes where the application keeps its files.
type Layout struct {
	Root string
}

// New returns a layout rooted at dir made absolute, or at the OS local data
// directory when dir is empty.
func New(dir string) (Layout, error) {
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return Layout{}, err
		}
		return Layout{Root: abs}, nil
	}

	base, err := localDataDir()
	if err != nil {
		return Layout{}, err
	}

	return Layout{Root: filepath.Join(base, vars.Name)}, nil
}

// Versions returns the directory holding one sub directory per installed version.
func (l Layout) Versions() string { return filepath.Join(l.Root, VersionsDir) }

// Downloads returns the directory for temporary archives.
func (l Layout) Downloads() string { return filepath.Join(l.Root, DownloadsDir) }

// Cache returns the asset cache directory.
func (l Layout) Cache() string { return filepath.Join(l.Root, CacheDir) }

// Logs returns the log directory.
func (l Layout) Logs() string { return filepath.Join(l.Root, LogsDir) }

// VersionDir returns the install directory of a version.
func (l Layout) VersionDir(version string) string {
	return filepath.Join(l.Versions(), version)
}

// RegistryPath returns the path of the statistics document.
func (l Layout) RegistryPath() string {
	return filepath.Join(l.Versions(), RegistryFile)
}

// JournalPath returns the path of the session journal database.
func (l Layout) JournalPath() string {
	return filepath.Join(l.Root, JournalFile)
}

// Setup creates every directory of the layout.
func (l Layout) Setup() error {
	for _, dir := range []string{l.Root, l.Versions(), l.Downloads(), l.Cache(), l.Logs()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return nil
}

// IsSetup reports whether the versions, downloads and cache directories exist.
func (l Layout) IsSetup() bool {
	for _, dir := range []string{l.Root, l.Versions(), l.Downloads(), l.Cache()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return false
		}
	}

	return true
}

// localDataDir mirrors the per-OS "local data" location.
func localDataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return dir, nil
		}
		return "", errors.New("%LOCALAPPDATA% is not defined")

	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support"), nil

	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" && filepath.IsAbs(dir) {
			return dir, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share"), nil
	}
}
