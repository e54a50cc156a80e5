package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher monitors the config file via fsnotify and signals debounced
// reloads on C. Editors that replace the file (write to temp, rename) show
// up as Create events, so both are watched.
type Watcher struct {
	path string
	log  zerolog.Logger

	C chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
}

func NewWatcher(path string, log zerolog.Logger) *Watcher {
	return &Watcher{
		path: path,
		log:  log.With().Str("component", "config").Logger(),
		C:    make(chan struct{}, 1),
	}
}

// Run watches the config file's directory until the context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("cannot create file watcher, live reload disabled")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		w.log.Warn().Err(err).Str("dir", dir).Msg("cannot watch config directory, live reload disabled")
		return
	}

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.signalAfter(100 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) signalAfter(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, func() {
		select {
		case w.C <- struct{}{}:
		default:
		}
	})
}
