package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/models"
)

// watchDebounce collapses the write+rename burst produced by one Save.
const watchDebounce = 200 * time.Millisecond

// Watch emits a snapshot every time the document changes on disk, including changes
// made by other processes. The channel keeps only the latest snapshot when the
// consumer lags, and is closed when ctx is done.
func (r *Registry) Watch(ctx context.Context) (<-chan models.Registry, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Saves replace the file by rename, so the directory is watched instead of the file.
	dir := filepath.Dir(r.store.Path())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan models.Registry, 1)
	go r.watchLoop(ctx, watcher, out)

	return out, nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan models.Registry) {
	defer close(out)
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(r.store.Path())
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			timer.Reset(watchDebounce)

		case <-timer.C:
			snap := r.Snapshot()
			select {
			case out <- snap:
			default:
				// drop the unread stale snapshot
				select {
				case <-out:
				default:
				}
				out <- snap
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("Version stats watcher error")
		}
	}
}
