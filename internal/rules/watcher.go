package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/ruleproxy/internal/metrics"
)

// DefaultInterval is how often a Watcher checks the rule file's mtime.
const DefaultInterval = time.Second

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Interval between mtime checks. Zero means DefaultInterval.
	Interval time.Duration

	// Validate checks each rule's upstream URL. Nil accepts everything.
	Validate ValidateFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Watcher owns the current Snapshot of one rule file and reloads it when
// the file's modification time changes.
type Watcher struct {
	path string
	cfg  WatcherConfig

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	modTime time.Time
}

// NewWatcher loads path and returns a Watcher holding its snapshot. The
// initial load must succeed; later reload failures keep the previous
// snapshot.
func NewWatcher(path string, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Watcher{path: path, cfg: cfg}
	if _, err := w.Check(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Path() string {
	return w.path
}

// Snapshot returns the current snapshot. Callers should use the returned
// value for the whole of one dispatch.
func (w *Watcher) Snapshot() *Snapshot {
	return w.snap.Load()
}

// Check reloads the rule file if its modification time differs from the one
// last loaded. It reports whether a new snapshot was published.
func (w *Watcher) Check() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fi, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("stat rules %s: %w", w.path, err)
	}
	if w.snap.Load() != nil && fi.ModTime().Equal(w.modTime) {
		return false, nil
	}

	w.cfg.Logger.Info("loading rules", slog.String("path", w.path))

	snap, err := w.load()
	w.cfg.Metrics.RulesReloaded(w.path, snapLen(snap), err)
	if err != nil {
		return false, err
	}

	w.modTime = fi.ModTime()
	w.snap.Store(snap)
	return true, nil
}

func (w *Watcher) load() (*Snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()

	return Parse(f, w.cfg.Validate, w.cfg.Logger)
}

// Run polls the rule file until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Check(); err != nil {
				w.cfg.Logger.Error("reload rules", slog.String("path", w.path), slog.Any("error", err))
			}
		}
	}
}

func snapLen(s *Snapshot) int {
	if s == nil {
		return 0
	}
	return s.Len()
}
