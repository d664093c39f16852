package importer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Suffixes given to spool files once processed.
const (
	SuffixDone   = ".done"
	SuffixFailed = ".failed"
)

// WatcherConfig holds configuration for the spool watcher.
type WatcherConfig struct {
	// DebounceInterval is how long a file must stay quiet before it is
	// imported, so partially written files are not picked up
	DebounceInterval time.Duration

	// OnImport is called after each file is processed (optional)
	OnImport func(path string, res Result, err error)

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// SpoolWatcher imports *.jsonl files dropped into a directory. Processed
// files are renamed with SuffixDone, or SuffixFailed when they could not be
// read or the queue rejected them.
type SpoolWatcher struct {
	dir      string
	importer *Importer
	config   *WatcherConfig

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSpoolWatcher creates a watcher for dir. Use Start to begin.
func NewSpoolWatcher(dir string, importer *Importer, config *WatcherConfig) (*SpoolWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir cannot be empty")
	}
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if config == nil {
		config = DefaultWatcherConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 250 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &SpoolWatcher{
		dir:      dir,
		importer: importer,
		config:   config,
		watcher:  watcher,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start watches the directory and queues files already present.
func (w *SpoolWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir %s: %w", w.dir, err)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	existing, err := filepath.Glob(filepath.Join(w.dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to list spool dir: %w", err)
	}
	for _, path := range existing {
		w.touch(path)
	}

	w.config.Logger.Printf("Watching %s", w.dir)

	w.wg.Add(2)
	go w.watchEvents()
	go w.processPending()
	return nil
}

// Stop stops watching and waits for an in-progress import to finish.
func (w *SpoolWatcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *SpoolWatcher) touch(path string) {
	w.pendingMu.Lock()
	w.pending[path] = time.Now()
	w.pendingMu.Unlock()
}

func (w *SpoolWatcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.touch(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending imports files that have been quiet for DebounceInterval.
func (w *SpoolWatcher) processPending() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.ready() {
				w.process(path)
			}
		}
	}
}

func (w *SpoolWatcher) ready() []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	cutoff := time.Now().Add(-w.config.DebounceInterval)
	var paths []string
	for path, last := range w.pending {
		if last.Before(cutoff) {
			paths = append(paths, path)
			delete(w.pending, path)
		}
	}
	return paths
}

func (w *SpoolWatcher) process(path string) {
	if _, err := os.Stat(path); err != nil {
		// moved away before we got to it
		return
	}

	res, err := w.importer.ImportFile(w.ctx, path)
	suffix := SuffixDone
	if err != nil {
		suffix = SuffixFailed
		w.config.Logger.Printf("Import of %s failed: %v", filepath.Base(path), err)
	} else {
		w.config.Logger.Printf("Imported %s: %d tasks, %d control lines, %d invalid lines",
			filepath.Base(path), len(res.Enqueued), res.Controls, len(res.Errors))
	}

	if rerr := os.Rename(path, path+suffix); rerr != nil {
		w.config.Logger.Printf("Failed to rename %s: %v", path, rerr)
	}
	if w.config.OnImport != nil {
		w.config.OnImport(path, res, err)
	}
}
