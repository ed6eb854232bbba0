package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/agentloop/logging"
)

// DefaultReloadDebounce absorbs the burst of events an editor produces for
// one save.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes. Invalid files are
// logged and skipped; the last good configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *logging.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher watches path. onChange receives every valid reload.
func NewWatcher(path string, logger *logging.Logger, onChange func(*Config)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watcher needs a change callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// The directory is watched because editors often save by renaming a
	// temporary file over the original.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logger.WithComponent("config"),
		debounce: DefaultReloadDebounce,
		watcher:  fw,
	}, nil
}

// Start begins watching. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx, w.stopCh, w.doneCh)
}

// Stop stops watching, waits for the loop to exit and releases the
// underlying watcher. The Watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.running {
		w.running = false
		close(w.stopCh)
		done := w.doneCh
		w.mu.Unlock()
		<-done
	} else {
		w.mu.Unlock()
	}
	w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config_watch_error", map[string]interface{}{"error": err})
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("config_reload_rejected", map[string]interface{}{"path": w.path, "error": err})
		return
	}
	w.logger.Info("config_reloaded", map[string]interface{}{
		"path":          w.path,
		"agents":        len(cfg.Agents),
		"tools":         len(cfg.Tools),
		"subscriptions": len(cfg.Subscriptions),
	})
	w.onChange(cfg)
}
