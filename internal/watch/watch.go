// Package watch re-runs the aggregation whenever device logs change.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/janekbaraniewski/fleetusage/internal/parsers"
)

const DefaultDebounce = 2 * time.Second

// RunFunc performs one complete aggregation. Its errors are logged and never
// stop the watcher.
type RunFunc func(ctx context.Context) error

type Watcher struct {
	Roots []string
	// Ignore lists directories whose changes never trigger a run, typically
	// the output directory.
	Ignore   []string
	Debounce time.Duration
	Run      RunFunc
	Logger   *zap.Logger
}

// Watch runs once, then again after every burst of log changes settles for
// Debounce. It blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	if w.Run == nil {
		return errors.New("watch: no run function")
	}
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, root := range w.Roots {
		if err := w.addTree(fsw, root); err != nil {
			log.Warn("cannot watch device root", zap.String("path", root), zap.Error(err))
		}
	}

	w.runOnce(ctx, log)

	var timer *time.Timer
	var pending <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("watch: event channel closed")
			}
			if !w.relevant(fsw, event, log) {
				continue
			}
			log.Debug("change detected", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watch: error channel closed")
			}
			log.Warn("watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			w.runOnce(ctx, log)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := w.Run(ctx); err != nil {
		log.Error("aggregation failed", zap.Error(err))
	}
}

// relevant reports whether event should schedule a run. New directories are
// added to the watch set and count as a change, since files may already be
// inside them.
func (w *Watcher) relevant(fsw *fsnotify.Watcher, event fsnotify.Event, log *zap.Logger) bool {
	if w.ignored(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(fsw, event.Name); err != nil {
				log.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			return true
		}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return parsers.Extensions[strings.ToLower(filepath.Ext(event.Name))]
}

func (w *Watcher) ignored(path string) bool {
	for _, dir := range w.Ignore {
		rel, err := filepath.Rel(dir, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// addTree watches root and every non-hidden directory below it. A root that
// is a single file is watched through its parent directory.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fsw.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (strings.HasPrefix(d.Name(), ".") || w.ignored(path)) {
			return fs.SkipDir
		}
		return fsw.Add(path)
	})
}
