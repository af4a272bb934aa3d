package calendar

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to local feed files.
//
// Directories are watched rather than files so that editors which replace
// the file through a rename are still noticed. Bursts of events are
// coalesced into one callback after Debounce.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	callback func()
	log      *slog.Logger

	Debounce time.Duration
}

// NewWatcher creates a watcher for the local sources among feeds. Remote
// feeds are ignored.
func NewWatcher(feeds []Feed, callback func(), logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	files := map[string]bool{}
	for _, f := range feeds {
		if IsRemote(f.Source) {
			continue
		}
		abs, err := filepath.Abs(f.Source)
		if err != nil {
			abs = f.Source
		}
		files[filepath.Clean(abs)] = true
	}

	return &Watcher{
		watcher:  w,
		files:    files,
		callback: callback,
		log:      logger,
		Debounce: 500 * time.Millisecond,
	}, nil
}

// Len returns how many local files are watched.
func (w *Watcher) Len() int { return len(w.files) }

// Start watches until ctx is cancelled. Should be run in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	dirs := map[string]bool{}
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			w.log.Warn("failed to watch calendar directory", "path", d, "error", err)
		}
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("calendar file changed", "path", event.Name, "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.Debounce)
			fire = debounce.C

		case <-fire:
			fire = nil
			if w.callback != nil {
				w.callback()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("calendar watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !w.files[filepath.Clean(event.Name)] {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

// Stop releases the underlying watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
