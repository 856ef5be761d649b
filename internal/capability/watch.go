package capability

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// defaultDebounce coalesces bursty editor and atomic-rename writes.
const defaultDebounce = 200 * time.Millisecond

// Watcher calls reload whenever the manifest file changes on disk. It
// watches the parent directory so atomic renames are observed.
type Watcher struct {
	path     string
	reload   func(ctx context.Context)
	debounce time.Duration
}

// NewWatcher creates a watcher for path. reload runs on the watcher
// goroutine, never concurrently with itself.
func NewWatcher(path string, reload func(ctx context.Context)) *Watcher {
	return &Watcher{path: path, reload: reload, debounce: defaultDebounce}
}

// WithDebounce overrides the debounce window.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run blocks until ctx is cancelled. It returns the error from creating
// the underlying fsnotify watcher, if any.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	base := filepath.Base(w.path)
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	log.Info().Str("path", w.path).Msg("Watching capability manifest")

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Manifest watch error")
		case <-timerCh:
			timerCh = nil
			log.Debug().Str("path", w.path).Msg("Manifest changed, reloading")
			w.reload(ctx)
		}
	}
}
