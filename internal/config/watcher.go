package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of events editors emit on save.
const defaultDebounce = 200 * time.Millisecond

// Watcher reports changes to a config file. Since a Config is immutable for
// the proxy's lifetime, the callback is expected to request a restart.
//
// It watches the parent directory because editors often replace the file
// (rename over it), which drops a watch placed on the file itself.
type Watcher struct {
	log        *slog.Logger
	targetPath string
	onChange   func()
	debounce   time.Duration
	fsw        *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for path. onChange runs once per debounced
// burst of writes, creates, renames or removals of the file.
func NewWatcher(log *slog.Logger, path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		log:        log.With("component", "config_watcher"),
		targetPath: filepath.Clean(abs),
		onChange:   onChange,
		debounce:   defaultDebounce,
		fsw:        fsw,
	}, nil
}

// Start begins watching. It is a no-op when already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := w.fsw.Add(filepath.Dir(w.targetPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.targetPath), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx)

	w.log.Info("Watching config file", "path", w.targetPath)

	return nil
}

// Stop stops watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return w.fsw.Close()
	}

	w.running = false
	w.cancel()
	err := w.fsw.Close()
	<-w.done

	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer

	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.targetPath || event.Op&interesting == 0 {
				continue
			}

			w.log.Debug("Config file event", "op", event.Op.String())

			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(w.debounce, func() {
				w.log.Warn("Config file changed; restart required to apply it", "path", w.targetPath)

				if w.onChange != nil {
					w.onChange()
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.Error("Config watcher error", "error", err)
		}
	}
}
