package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/persistence/sqlite"
)

func newTestLibrary(t *testing.T) (*Store, *Scanner, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "library.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)

	root := filepath.Join(dir, "downloads")
	return store, NewScanner(store, root), root
}

func writeAudioFile(t *testing.T, root string, relPath string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	// Not a real m4a; tag reading fails and the scanner falls back to the
	// filename convention.
	require.NoError(t, os.WriteFile(path, []byte("not-really-audio"), 0o644))
	return path
}

func TestScanIndexesByFilenameConvention(t *testing.T) {
	store, scanner, root := newTestLibrary(t)
	ctx := context.Background()

	writeAudioFile(t, root, "Electro Pulse/2026-03-14/Daft Punk - Around the World.m4a")
	writeAudioFile(t, root, "Jazz Cafe/2026-03-14/Chet Baker - My Funny Valentine.m4a")
	writeAudioFile(t, root, "Jazz Cafe/2026-03-14/notes.txt") // ignored

	result, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)

	files, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, files, 2)

	jazz, err := store.List(ctx, "chet", 0)
	require.NoError(t, err)
	require.Len(t, jazz, 1)
	assert.Equal(t, "Chet Baker", jazz[0].Artist)
	assert.Equal(t, "My Funny Valentine", jazz[0].Title)
	assert.Equal(t, "Jazz Cafe", jazz[0].Station)
	assert.Equal(t, int64(len("not-really-audio")), jazz[0].Size)
}

func TestScanPrunesDeletedFiles(t *testing.T) {
	store, scanner, root := newTestLibrary(t)
	ctx := context.Background()

	keep := writeAudioFile(t, root, "Electro Pulse/2026-03-14/Daft Punk - Around the World.m4a")
	gone := writeAudioFile(t, root, "Electro Pulse/2026-03-14/Justice - Genesis.m4a")

	_, err := scanner.Scan(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(gone))
	result, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, int64(1), result.Pruned)

	files, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, keep, files[0].Path)
}

func TestScanMissingRootIsEmpty(t *testing.T) {
	_, scanner, _ := newTestLibrary(t)

	result, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Indexed)
}

func TestStoreGetAndStats(t *testing.T) {
	store, scanner, root := newTestLibrary(t)
	ctx := context.Background()

	writeAudioFile(t, root, "Electro Pulse/2026-03-14/Daft Punk - Around the World.m4a")
	_, err := scanner.Scan(ctx)
	require.NoError(t, err)

	files, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, files, 1)

	got, err := store.Get(ctx, files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, files[0].Path, got.Path)

	_, err = store.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrFileNotFound)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, int64(len("not-really-audio")), stats.TotalBytes)
}

func TestWatcherRescansOnNewFiles(t *testing.T) {
	store, scanner, root := newTestLibrary(t)
	watcher := NewWatcher(scanner, root, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to establish its watch before writing.
	time.Sleep(100 * time.Millisecond)
	writeAudioFile(t, root, "Electro Pulse/2026-03-14/Daft Punk - Around the World.m4a")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		files, err := store.List(context.Background(), "", 0)
		require.NoError(t, err)
		if len(files) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not index the new file")
}
