// Package monitor watches a launched client until it exits and closes its registry record.
//
// Each watch moves through Started -> polling -> Exited exactly once. When the launcher
// owns the process handle the watch waits on it; otherwise liveness is inferred by
// polling the OS process table. Any failure to read the table counts as an exit.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default timings
const (
	DefaultGrace    = 2 * time.Second
	DefaultInterval = 5 * time.Second
)

// Recorder receives the stop of a watched version.
type Recorder interface {
	UpsertOnStop(version string, now uint64)
}

// ExitReason tells why a watch ended.
type ExitReason string

// Exit reasons
const (
	ExitProcess     ExitReason = "process-exited"
	ExitNotFound    ExitReason = "not-in-process-table"
	ExitQueryFailed ExitReason = "process-query-failed"
	ExitCancelled   ExitReason = "cancelled"
)

// Options tune a Monitor. Zero values fall back to defaults.
type Options struct {
	Table       ProcessTable
	Now         func() uint64
	ProcessName string
	Grace       time.Duration
	Interval    time.Duration

	// PollOnly ignores owned process handles, for launches handed off to another process.
	PollOnly bool
}

// Target describes one launched client.
type Target struct {
	// Exited is closed when the owned process handle has been waited on. Nil when
	// the process is not a supervised child.
	Exited  <-chan struct{}
	Version string
	PID     int32
}

// Watch is the handle of one running watch.
type Watch struct {
	done    chan struct{}
	onExit  []func(ExitReason)
	Version string
	reason  ExitReason
}

// Done is closed after the registry has been updated and exit callbacks ran.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Reason returns why the watch ended. Valid after Done is closed.
func (w *Watch) Reason() ExitReason {
	<-w.done
	return w.reason
}

// Monitor runs watches.
type Monitor struct {
	recorder Recorder
	active   map[string]*Watch
	opts     Options
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New creates a monitor that reports stops to recorder.
func New(recorder Recorder, opts Options) *Monitor {
	if opts.Table == nil {
		opts.Table = SystemTable{}
	}
	if opts.Now == nil {
		opts.Now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	if opts.ProcessName == "" {
		opts.ProcessName = DefaultProcessName()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	return &Monitor{
		recorder: recorder,
		opts:     opts,
		active:   make(map[string]*Watch),
	}
}

// Watch starts watching target in the background. onExit callbacks run after the
// registry update. A version that is already watched returns the existing watch and
// the callbacks are attached to it.
func (m *Monitor) Watch(ctx context.Context, target Target, onExit ...func(ExitReason)) *Watch {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.active[target.Version]; ok {
		log.Debug().Str("version", target.Version).Msg("Version already watched, reusing watch")
		w.onExit = append(w.onExit, onExit...)
		return w
	}

	w := &Watch{
		Version: target.Version,
		done:    make(chan struct{}),
		onExit:  onExit,
	}
	m.active[target.Version] = w

	m.wg.Add(1)
	go m.run(ctx, w, target)

	return w
}

// Active reports whether version is currently watched.
func (m *Monitor) Active(version string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[version]
	return ok
}

// Wait blocks until every watch has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, w *Watch, target Target) {
	defer m.wg.Done()

	logger := log.With().
		Str("component", "monitor").
		Str("version", target.Version).
		Int32("pid", target.PID).
		Logger()

	var exited <-chan struct{}
	if !m.opts.PollOnly {
		exited = target.Exited
	}

	logger.Debug().Bool("owned_handle", exited != nil).Msg("Watching client process")

	w.reason = m.wait(ctx, target, exited, logger)
	m.finish(w, logger)
}

// wait blocks until the process is considered gone.
func (m *Monitor) wait(ctx context.Context, target Target, exited <-chan struct{}, logger zerolog.Logger) ExitReason {
	grace := time.NewTimer(m.opts.Grace)
	defer grace.Stop()

	select {
	case <-ctx.Done():
		return ExitCancelled
	case <-exited:
		return ExitProcess
	case <-grace.C:
	}

	var tick <-chan time.Time
	if exited == nil {
		if reason, gone := m.poll(ctx, target, logger); gone {
			return reason
		}

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ExitCancelled
		case <-exited:
			return ExitProcess
		case <-tick:
			if ctx.Err() != nil {
				return ExitCancelled
			}
			if reason, gone := m.poll(ctx, target, logger); gone {
				return reason
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context, target Target, logger zerolog.Logger) (ExitReason, bool) {
	running, err := m.opts.Table.Running(ctx, target.PID, m.opts.ProcessName)
	if err != nil {
		logger.Debug().Err(err).Msg("Process table query failed, treating client as exited")
		return ExitQueryFailed, true
	}
	if !running {
		return ExitNotFound, true
	}

	logger.Trace().Str("process", m.opts.ProcessName).Msg("Client still running")
	return "", false
}

func (m *Monitor) finish(w *Watch, logger zerolog.Logger) {
	m.mu.Lock()
	delete(m.active, w.Version)
	callbacks := w.onExit
	m.mu.Unlock()

	m.recorder.UpsertOnStop(w.Version, m.opts.Now())
	logger.Info().Str("reason", string(w.reason)).Msg("Client exited")

	for _, fn := range callbacks {
		fn(w.reason)
	}

	close(w.done)
}
