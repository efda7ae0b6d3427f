package registry

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/models"
)

// Registry serializes every access to the statistics document through one goroutine.
// Each request is a fresh load-mutate-save cycle under the document lock, so writes
// from other processes are never silently overwritten with a stale copy.
type Registry struct {
	store *Store
	reqs  chan request
	quit  chan struct{}
	done  chan struct{}

	// mu orders the actor against callers that arrive after Close.
	mu        sync.Mutex
	closeOnce sync.Once
}

type request struct {
	// mutate changes the loaded registry and reports whether it must be saved.
	// A nil mutate is a read.
	mutate func(reg *models.Registry) bool
	reply  chan models.Registry
}

// New starts the registry actor over store.
func New(store *Store) *Registry {
	r := &Registry{
		store: store,
		reqs:  make(chan request),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run()

	return r
}

// Close stops the actor. Calls made afterwards are applied synchronously.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
}

func (r *Registry) run() {
	defer close(r.done)

	for {
		select {
		case req := <-r.reqs:
			req.reply <- r.apply(req.mutate)
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) apply(mutate func(reg *models.Registry) bool) models.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock := r.store.acquire()
	defer unlock()

	reg := r.store.Load()
	if mutate != nil && mutate(&reg) {
		r.store.Save(reg)
	}

	return reg.Clone()
}

func (r *Registry) do(mutate func(reg *models.Registry) bool) models.Registry {
	req := request{mutate: mutate, reply: make(chan models.Registry, 1)}

	select {
	case r.reqs <- req:
		return <-req.reply
	case <-r.quit:
		return r.apply(mutate)
	}
}

// Snapshot returns a point-in-time copy of the whole registry.
func (r *Registry) Snapshot() models.Registry {
	return r.do(nil)
}

// Get returns the record of version, or a zero record when absent.
func (r *Registry) Get(version string) models.VersionRecord {
	return r.Snapshot().Versions[version]
}

// UpsertOnStart marks version as running since now.
func (r *Registry) UpsertOnStart(version string, now uint64) {
	r.do(func(reg *models.Registry) bool {
		rec := reg.Versions[version]
		start := now
		rec.IsRunning = true
		rec.StartTime = &start
		rec.LastPlayed = now
		reg.Versions[version] = rec
		return true
	})

	log.Debug().Str("version", version).Uint64("at", now).Msg("Session started")
}

// UpsertOnStop closes the running period of version and adds it to the total play time.
// Stopping a version that is not running leaves its totals untouched.
func (r *Registry) UpsertOnStop(version string, now uint64) {
	var played uint64

	r.do(func(reg *models.Registry) bool {
		rec, ok := reg.Versions[version]
		if ok && rec.IsRunning {
			if rec.StartTime != nil && now >= *rec.StartTime {
				played = now - *rec.StartTime
				rec.TotalPlayTime += played
			}
			rec.IsRunning = false
			rec.StartTime = nil
			reg.Versions[version] = rec
		}
		return true
	})

	log.Debug().Str("version", version).Uint64("played", played).Msg("Session stopped")
}

// AddPlayTime credits a finished period to version without touching its
// running state. LastPlayed only moves forward.
func (r *Registry) AddPlayTime(version string, seconds, lastPlayed uint64) {
	r.do(func(reg *models.Registry) bool {
		rec := reg.Versions[version]
		rec.TotalPlayTime += seconds
		if lastPlayed > rec.LastPlayed {
			rec.LastPlayed = lastPlayed
		}
		reg.Versions[version] = rec
		return true
	})
}

// SetSize records the on-disk size of version.
func (r *Registry) SetSize(version string, bytes uint64) {
	r.do(func(reg *models.Registry) bool {
		rec := reg.Versions[version]
		rec.SizeBytes = bytes
		reg.Versions[version] = rec
		return true
	})
}

// Prune deletes every record for which keep returns false and returns the removed versions.
func (r *Registry) Prune(keep func(version string) bool) []string {
	var removed []string

	r.do(func(reg *models.Registry) bool {
		for version := range reg.Versions {
			if !keep(version) {
				delete(reg.Versions, version)
				removed = append(removed, version)
			}
		}
		return len(removed) > 0
	})

	return removed
}

// ReconcileRunning stops running records whose process is no longer alive.
// It is used after a crash of the launcher left records marked running.
func (r *Registry) ReconcileRunning(alive func(version string) bool, now uint64) []string {
	var stopped []string

	for version, rec := range r.Snapshot().Versions {
		if rec.IsRunning && !alive(version) {
			r.UpsertOnStop(version, now)
			stopped = append(stopped, version)
		}
	}

	return stopped
}
