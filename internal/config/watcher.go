package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the latest valid configuration for a file. Changes are picked
// up from filesystem notifications on the file's directory, with a slow poll
// as a backstop for filesystems that do not deliver events. An invalid edit
// is logged and ignored; the previous snapshot stays current.
//
// Snapshots are immutable: callers hold on to the *Config they got from
// [Watcher.Current] for as long as they need a consistent view (e.g. for the
// lifetime of a call).
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the backstop polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts watching in a background goroutine. onChange may be
// nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher: fsnotify unavailable, polling only", "err", err)
		fsw = nil
	} else if err := fsw.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config watcher: cannot watch directory, polling only", "path", path, "err", err)
		_ = fsw.Close()
		fsw = nil
	}

	go w.run(fsw)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	<-w.stopped
}

func (w *Watcher) run(fsw *fsnotify.Watcher) {
	defer close(w.stopped)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if fsw != nil {
		defer fsw.Close()
		events = fsw.Events
		errs = fsw.Errors
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.check(true)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("config watcher: fsnotify error", "path", w.path, "err", err)
		}
	}
}

// check reloads the file when it changed. Poll ticks skip files whose mtime
// is unchanged; notifications always re-hash since writes can land within
// the filesystem's mtime granularity.
func (w *Watcher) check(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.lastMtime)
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.lastMtime = mtime
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback can call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash reads, parses and validates the config file and returns it
// alongside the content hash and modification time.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	// A truncate-then-write shows up as an empty file first.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, zeroHash, time.Time{}, errors.New("config file is empty")
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
