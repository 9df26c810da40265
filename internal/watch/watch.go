// Package watch submits trace files as they appear in a directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"refframe/internal/trace"
)

// DefaultSettle is how long a trace file must stay unchanged before it is
// submitted.
const DefaultSettle = 500 * time.Millisecond

// SubmitFunc queues one trace and returns the run ID.
type SubmitFunc func(ctx context.Context, tracePath string) (string, error)

// Options tune a Watcher.
type Options struct {
	// Settle delays submission until writes to a file have stopped.
	Settle time.Duration
	// ScanExisting submits traces already in the directory on start.
	ScanExisting bool
}

// Watcher monitors one directory for *.trace.json files.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	submit  SubmitFunc
	opts    Options
	log     *slog.Logger

	pending   map[string]time.Time
	submitted map[string]time.Time // path -> mod time at submission
}

// New creates a watcher for dir. Nothing is watched until Run.
func New(dir string, submit SubmitFunc, opts Options, log *slog.Logger) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   w,
		dir:       dir,
		submit:    submit,
		opts:      opts,
		log:       log,
		pending:   make(map[string]time.Time),
		submitted: make(map[string]time.Time),
	}, nil
}

// Run watches until ctx ends, then releases the fsnotify handle.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching for traces", "dir", w.dir, "suffix", trace.Suffix)

	if w.opts.ScanExisting {
		if err := w.scanExisting(); err != nil {
			return err
		}
	}

	tick := time.NewTicker(w.opts.Settle / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !trace.IsTraceFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.pending[event.Name] = time.Now()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(w.pending, event.Name)
				delete(w.submitted, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case now := <-tick.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && trace.IsTraceFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	settled := time.Now().Add(-w.opts.Settle)
	for _, name := range names {
		w.pending[filepath.Join(w.dir, name)] = settled
	}
	return nil
}

// flush submits every pending file that has been quiet for the settle time.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.opts.Settle {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		delete(w.pending, path)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if prev, ok := w.submitted[path]; ok && prev.Equal(info.ModTime()) {
			continue
		}
		id, err := w.submit(ctx, path)
		if err != nil {
			w.log.Error("failed to submit trace", "path", path, "error", err)
			continue
		}
		w.submitted[path] = info.ModTime()
		w.log.Info("trace submitted", "path", path, "run", id)
	}
}
