package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and calls onChange when its modification
// time or size changes.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()

	mu      sync.Mutex
	lastMod time.Time
	size    int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a config file watcher that polls for changes.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config_watcher"),
		onChange: onChange,
	}
}

// Start begins polling until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
		w.size = info.Size()
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.poll(ctx, w.done)
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := !info.ModTime().Equal(w.lastMod) || info.Size() != w.size
	w.lastMod = info.ModTime()
	w.size = info.Size()
	w.mu.Unlock()

	if changed {
		w.logger.Info("config file changed", "path", w.path, "modTime", info.ModTime())
		if w.onChange != nil {
			w.onChange()
		}
	}
}
