package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// revision identifies one version of the config file on disk.
type revision struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// readRevision loads and validates the file at path.
func readRevision(path string) (*Config, revision, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, revision{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, revision{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, revision{}, err
	}
	return cfg, revision{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}

// Watcher reloads the lumina config file when it changes on disk and hands
// each valid revision to a callback together with its [ConfigDiff] against
// the previous one. The file is polled: a changed mtime triggers a read, and
// identical content is ignored. A revision that fails to parse or validate is
// logged and skipped, so a half-written edit never reaches the voice session.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(d ConfigDiff, cfg *Config)
	log      *slog.Logger

	mu  sync.Mutex
	cfg *Config
	rev revision

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it. onChange may be nil; it runs
// on the watcher goroutine and never for a revision whose diff is empty.
func NewWatcher(path string, onChange func(d ConfigDiff, cfg *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, rev, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cfg, w.rev = cfg, rev

	go w.run()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Stop ends polling and waits for an in-progress callback to return. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.reload()
		}
	}
}

// reload applies the file's current revision if it differs from the last one.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.rev.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, rev, err := readRevision(w.path)
	if err != nil {
		w.log.Warn("config: ignoring invalid revision", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if rev.sum == w.rev.sum {
		w.rev.mtime = rev.mtime
		w.mu.Unlock()
		return
	}
	d := Diff(w.cfg, cfg)
	w.cfg, w.rev = cfg, rev
	w.mu.Unlock()

	if d.Empty() {
		return
	}
	w.log.Info("config: reloaded",
		"path", w.path,
		"live", d.LiveFields,
		"log_level", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(d, cfg)
	}
}
