// Package watcher applies new N-Triples dump files dropped into the init
// directory while the server runs. Each file is a delta applied through the
// coordinator; the bulk path with its reset semantics stays startup-only.
package watcher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kos-kit/kos-kit-server/internal/index"
)

// defaultDebounce coalesces the event bursts editors and copy tools emit for
// a single file.
const defaultDebounce = 500 * time.Millisecond

// Watcher tails the init directory for dump files.
type Watcher struct {
	dir      string
	loader   *index.Loader
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a watcher for dir. The directory must exist.
func New(dir string, loader *index.Loader, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		loader:   loader,
		logger:   logger,
		debounce: defaultDebounce,
		pending:  make(map[string]struct{}),
	}
}

// Run watches until ctx is cancelled. A failing file is logged and skipped;
// the running store stays authoritative, so a bad dump must never take the
// server down.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watch_started", "dir", w.dir)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isDumpFile(event.Name) {
				continue
			}
			if w.enqueue(event.Name) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch_error", "error", err)

		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// enqueue records a file for the next flush. Returns true if the debounce
// timer should restart.
func (w *Watcher) enqueue(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = struct{}{}
	return true
}

// flush applies every pending file. Re-applying a file is harmless: duplicate
// adds are store no-ops, so a file seen through multiple events converges.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, path := range paths {
		n, err := w.loader.ApplyFile(ctx, path)
		if err != nil {
			w.logger.Warn("watch_apply_failed",
				"file", path,
				"error", err)
			continue
		}
		w.logger.Info("watch_file_applied",
			"file", path,
			"triples", n)
	}
}

func isDumpFile(name string) bool {
	return strings.HasSuffix(name, ".nt") || strings.HasSuffix(name, ".nt.gz")
}
