package download

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/secrets"
	"github.com/archivexm/archivexm/internal/sxm"
	"github.com/archivexm/archivexm/internal/tagging"
)

var segmentKey = []byte("0123456789abcdef")

var windowBase = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const segmentLen = 9750 * time.Millisecond

type stubAuth struct{}

func (stubAuth) Login(ctx context.Context, username, password string) (*sxm.Session, error) {
	return &sxm.Session{BearerToken: "test-bearer", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

type stubSchedule struct{}

func (stubSchedule) NextAfter(channelID string, t time.Time) (sxm.Track, bool) {
	return sxm.Track{}, false
}

func encryptSegmentForTest(t *testing.T, plaintext []byte, index int) []byte {
	t.Helper()
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(segmentKey)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(index))

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

// dlUpstream serves a rewind window of five encrypted segments plus cover
// art endpoints, one of which always fails.
type dlUpstream struct {
	srv *httptest.Server
}

func newDLUpstream(t *testing.T) *dlUpstream {
	t.Helper()
	u := &dlUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("/playback/play/v1/tuneSource", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"streams": []map[string]any{{"urls": []map[string]any{{"url": u.srv.URL + "/ch/master.m3u8"}}}},
		})
	})
	mux.HandleFunc("/ch/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=256000\n256k/index.m3u8\n"))
	})
	mux.HandleFunc("/ch/256k/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"" + u.srv.URL + "/key/v1/k1\"\n")
		for i := range 5 {
			pdt := windowBase.Add(time.Duration(i) * segmentLen)
			fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n#EXTINF:9.75,\nseg_%d.aac\n",
				pdt.Format("2006-01-02T15:04:05.000Z"), i)
		}
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/ch/256k/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(filepath.Base(r.URL.Path), ".aac")
		index, err := strconv.Atoi(strings.TrimPrefix(name, "seg_"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(encryptSegmentForTest(t, []byte("audio-frame-"+name), index))
	})
	mux.HandleFunc("/key/v1/k1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"key": "MDEyMzQ1Njc4OWFiY2RlZg=="})
	})
	mux.HandleFunc("/art/cover.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	})
	mux.HandleFunc("/art/missing.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

// fakeEncoder writes an executable stand-in for ffmpeg that just creates
// its output file, the last argument on the command line.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do out=$a; done\nprintf 'encoded' > \"$out\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestPool(t *testing.T) (*credentials.Manager, *credentials.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := credentials.NewStore(filepath.Join(dir, "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	box, err := secrets.Open(filepath.Join(dir, ".key"))
	require.NoError(t, err)
	pool := credentials.NewManager(store, box, stubAuth{}, credentials.ManagerConfig{})
	_, err = pool.AddAccount(context.Background(), "main", "u@example.com", "pw", 3, 10)
	require.NoError(t, err)
	return pool, store
}

func newTestService(t *testing.T, up *dlUpstream, pool *credentials.Manager) *Service {
	t.Helper()
	factory := func(ts sxm.TokenSource) *sxm.Client {
		return sxm.New(up.srv.URL, ts, sxm.Options{Backoff: time.Millisecond})
	}
	return NewService(pool, factory, stubSchedule{},
		staticNamer{"electro-pulse": "Electro Pulse"},
		tagging.New(fakeEncoder(t)), newTestStore(t), Config{
			OutputDir:      t.TempDir(),
			SegmentBackoff: time.Millisecond,
		})
}

func windowTrack(title string, index int) sxm.Track {
	return sxm.Track{
		Artist:    "Test Artist",
		Title:     title,
		StartsAt:  windowBase.Add(time.Duration(index) * segmentLen),
		Duration:  segmentLen,
		ChannelID: "electro-pulse",
	}
}

func TestBulkTrackFailuresAreIndependent(t *testing.T) {
	up := newDLUpstream(t)
	pool, _ := newTestPool(t)
	svc := newTestService(t, up, pool)
	ctx := context.Background()

	tracks := make([]sxm.Track, 5)
	for i := range tracks {
		tracks[i] = windowTrack(fmt.Sprintf("Track %d", i+1), i)
		tracks[i].ImageURL = up.srv.URL + "/art/cover.jpg"
	}
	// Track 3's artwork endpoint always fails; the other four must land.
	tracks[2].ImageURL = up.srv.URL + "/art/missing.jpg"

	jobs, err := svc.Bulk(ctx, "electro-pulse", tracks)
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	deadline := time.Now().Add(10 * time.Second)
	settled := func() bool {
		for _, job := range jobs {
			got, err := svc.store.Get(ctx, job.ID)
			require.NoError(t, err)
			if got.Status != StatusCompleted && got.Status != StatusFailed {
				return false
			}
		}
		return true
	}
	for !settled() {
		if time.Now().After(deadline) {
			t.Fatal("bulk jobs did not settle")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var completed, failed int
	for i, job := range jobs {
		got, err := svc.store.Get(ctx, job.ID)
		require.NoError(t, err)
		switch got.Status {
		case StatusCompleted:
			completed++
			assert.NotEmpty(t, got.FilePath)
		case StatusFailed:
			failed++
			assert.Equal(t, 2, i, "only the bad-artwork track may fail")
			assert.Contains(t, got.Error, "cover")
		}
	}
	assert.Equal(t, 4, completed)
	assert.Equal(t, 1, failed)

	// The batch's shared lease is released once every job settled. The
	// release runs in the batch goroutine, so give it a moment.
	released := func() bool {
		stats, err := pool.Stats(ctx)
		require.NoError(t, err)
		return stats.TotalActive == 0
	}
	for !released() {
		if time.Now().After(deadline) {
			t.Fatal("bulk lease was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDownloadHeartbeatsLeasePerSegment(t *testing.T) {
	up := newDLUpstream(t)
	pool, credStore := newTestPool(t)
	svc := newTestService(t, up, pool)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, "download", "electro-pulse")
	require.NoError(t, err)
	defer pool.Release(ctx, lease)

	// Age the lease past the stale cutoff; without heartbeats the next
	// sweep would reclaim the slot mid-download.
	stale := time.Now().Add(-time.Hour).UnixMilli()
	_, err = credStore.DB.ExecContext(ctx,
		"UPDATE stream_leases SET last_heartbeat_ms = ? WHERE id = ?", stale, lease.ID)
	require.NoError(t, err)

	res, err := svc.resolveStream(ctx, lease, "electro-pulse")
	require.NoError(t, err)
	require.Len(t, res.playlist.Segments, 5)

	concatPath := filepath.Join(t.TempDir(), "track.aac")
	require.NoError(t, svc.writeConcat(ctx, concatPath, res, res.playlist.Segments))

	data, err := os.ReadFile(concatPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "audio-frame-seg_0")
	assert.Contains(t, string(data), "audio-frame-seg_4")

	var heartbeat int64
	require.NoError(t, credStore.DB.QueryRowContext(ctx,
		"SELECT last_heartbeat_ms FROM stream_leases WHERE id = ?", lease.ID).Scan(&heartbeat))
	assert.Greater(t, heartbeat, stale, "segment loop must touch the lease")
	assert.WithinDuration(t, time.Now(), time.UnixMilli(heartbeat), time.Minute)
}
