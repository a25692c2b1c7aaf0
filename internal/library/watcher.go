package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/log"
)

// Watcher rescans the library when files land in or vanish from the
// download directory. Events are debounced so a bulk download triggers one
// scan, not one per file.
type Watcher struct {
	scanner  *Scanner
	root     string
	debounce time.Duration
	log      zerolog.Logger
}

func NewWatcher(scanner *Scanner, root string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		scanner:  scanner,
		root:     root,
		debounce: debounce,
		log:      log.WithComponent("library"),
	}
}

// Run scans once, then watches until the context ends. New subdirectories
// are added to the watch as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	if _, err := w.scanner.Scan(ctx); err != nil {
		w.log.Warn().Str("event", "library.scan_failed").Err(err).Msg("initial scan failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := w.watchTree(watcher); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if event.Op.Has(fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Write) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Str("event", "library.watch_error").Err(err).Msg("filesystem watch error")

		case <-timer.C:
			if _, err := w.scanner.Scan(ctx); err != nil {
				w.log.Warn().Str("event", "library.scan_failed").Err(err).Msg("rescan failed")
			}
			// Directories created during the burst need watching too.
			if err := w.watchTree(watcher); err != nil {
				w.log.Warn().Str("event", "library.watch_error").Err(err).Msg("watch refresh failed")
			}
		}
	}
}

func (w *Watcher) watchTree(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}
