package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/log"
)

var audioExtensions = map[string]struct{}{
	".m4a":  {},
	".mp3":  {},
	".aac":  {},
	".flac": {},
	".ogg":  {},
}

// Scanner walks the download directory and indexes audio files.
type Scanner struct {
	store *Store
	root  string
	log   zerolog.Logger
}

func NewScanner(store *Store, root string) *Scanner {
	return &Scanner{store: store, root: root, log: log.WithComponent("library")}
}

// ScanResult summarizes one full scan.
type ScanResult struct {
	Indexed int
	Pruned  int64
	Took    time.Duration
}

// Scan walks the root, upserting every audio file and pruning entries whose
// files are gone. A missing root is an empty library, not an error.
func (sc *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	started := time.Now()
	seen := make(map[string]struct{})

	err := filepath.WalkDir(sc.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == sc.root {
				return filepath.SkipAll
			}
			sc.log.Warn().Str("event", "library.walk_error").Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := audioExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		entry := sc.index(path, info.Size(), info.ModTime())
		if err := sc.store.Upsert(ctx, entry); err != nil {
			return err
		}
		seen[path] = struct{}{}
		return nil
	})
	if err != nil {
		return ScanResult{}, err
	}

	pruned, err := sc.store.PruneExcept(ctx, seen)
	if err != nil {
		return ScanResult{}, err
	}

	result := ScanResult{Indexed: len(seen), Pruned: pruned, Took: time.Since(started)}
	sc.log.Info().Str("event", "library.scanned").
		Int("files", result.Indexed).
		Int64("pruned", result.Pruned).
		Dur("took", result.Took).
		Msg("library scan complete")
	return result, nil
}

// index builds a library entry for one file. Embedded tags are preferred;
// files without readable tags fall back to the "Artist - Title" filename
// convention the download pipeline writes.
func (sc *Scanner) index(path string, size int64, modified time.Time) File {
	entry := File{
		Path:       path,
		Size:       size,
		ModifiedAt: modified,
		Station:    sc.stationFromPath(path),
	}

	if f, err := os.Open(path); err == nil { // #nosec G304 -- path comes from walking our own root
		if meta, err := tag.ReadFrom(f); err == nil {
			entry.Artist = meta.Artist()
			entry.Title = meta.Title()
			entry.Album = meta.Album()
		}
		_ = f.Close()
	}

	if entry.Artist == "" && entry.Title == "" {
		entry.Artist, entry.Title = splitFilename(path)
	}
	return entry
}

// stationFromPath extracts the station directory from the layout
// <root>/<Station>/<date>/<file>.
func (sc *Scanner) stationFromPath(path string) string {
	rel, err := filepath.Rel(sc.root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 3 {
		return parts[0]
	}
	return ""
}

func splitFilename(path string) (artist, title string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if artist, title, ok := strings.Cut(base, " - "); ok {
		return strings.TrimSpace(artist), strings.TrimSpace(title)
	}
	return "", base
}
