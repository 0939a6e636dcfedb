package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly loaded config together with
// their [Diff].
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher polls a config file and calls a [ChangeFunc] whenever its content
// changes and still validates. An invalid edit is logged and the previous
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a Watcher holding it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, o := range opts {
		o(w)
	}
	cfg, sum, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.mtime = cfg, sum, mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the file if its modification time and content changed, and
// reports whether a new config was applied.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if sum == w.sum {
		w.mtime = mtime
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.sum, w.mtime = cfg, sum, mtime
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes need a restart", "sections", diff.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
	return true
}

// read loads and validates the file, returning it with its SHA-256 and
// modification time.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
