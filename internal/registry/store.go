// Package registry persists per-version runtime and usage statistics.
//
// The backing document is read and written as a whole. All mutations inside a
// process are serialized by a single actor goroutine (see Registry), and
// load-mutate-save cycles across processes are guarded by an advisory file lock.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/models"
)

// lockTimeout bounds how long a writer waits for another process holding the document lock.
const lockTimeout = 5 * time.Second

// Store reads and writes the statistics document.
type Store struct {
	lock *flock.Flock
	path string
}

// NewStore returns a store backed by the document at path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing or malformed document yields an empty registry.
func (s *Store) Load() models.Registry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.path).Msg("Failed to read version stats, using empty registry")
		}
		return models.NewRegistry()
	}

	var reg models.Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Malformed version stats, using empty registry")
		return models.NewRegistry()
	}

	if reg.Versions == nil {
		reg.Versions = make(map[string]models.VersionRecord)
	}

	for version, rec := range reg.Versions {
		if rec.Valid() {
			continue
		}

		log.Debug().Str("version", version).Msg("Repairing inconsistent running state")
		if !rec.IsRunning {
			rec.StartTime = nil
		} else {
			rec.IsRunning = false
		}
		reg.Versions[version] = rec
	}

	return reg
}

// Save overwrites the document with reg. Errors are logged and otherwise ignored.
func (s *Store) Save(reg models.Registry) {
	if err := s.write(reg); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to save version stats")
	}
}

// write replaces the document through a temporary file in the same directory.
func (s *Store) write(reg models.Registry) error {
	if reg.Versions == nil {
		reg.Versions = make(map[string]models.VersionRecord)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

// acquire takes the cross-process document lock.
// When the lock cannot be taken the caller proceeds unlocked.
func (s *Store) acquire() func() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.Debug().Err(err).Str("path", s.path).Msg("Cannot create registry directory")
		return func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil || !locked {
		log.Warn().Err(err).Str("path", s.path).Msg("Version stats lock unavailable, writing unlocked")
		return func() {}
	}

	return func() {
		if err := s.lock.Unlock(); err != nil {
			log.Debug().Err(err).Msg("Failed to release version stats lock")
		}
	}
}
