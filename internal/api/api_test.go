package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/channels"
	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/download"
	"github.com/archivexm/archivexm/internal/library"
	"github.com/archivexm/archivexm/internal/persistence/sqlite"
	"github.com/archivexm/archivexm/internal/proxy"
	"github.com/archivexm/archivexm/internal/recorder"
	"github.com/archivexm/archivexm/internal/schedule"
	"github.com/archivexm/archivexm/internal/secrets"
	"github.com/archivexm/archivexm/internal/sxm"
)

type fakeRecorder struct {
	status recorder.Status
	err    error
}

func (f *fakeRecorder) Start(ctx context.Context, channelID string) (recorder.Status, error) {
	if f.err != nil {
		return recorder.Status{}, f.err
	}
	f.status = recorder.Status{Recording: true, State: "recording", ChannelID: channelID}
	return f.status, nil
}

func (f *fakeRecorder) Stop(graceful bool) (recorder.Status, error) {
	if f.err != nil {
		return recorder.Status{}, f.err
	}
	return f.status, nil
}

func (f *fakeRecorder) Status() recorder.Status { return f.status }

type fakeDownloader struct {
	store *download.Store
}

func (f *fakeDownloader) Single(ctx context.Context, track sxm.Track) (download.Job, error) {
	return f.store.Create(ctx, download.Job{
		ChannelID: track.ChannelID, Artist: track.Artist, Title: track.Title,
		Album: track.Album, StartsAt: track.StartsAt, Duration: track.Duration,
	})
}

func (f *fakeDownloader) Bulk(ctx context.Context, channelID string, tracks []sxm.Track) ([]download.Job, error) {
	var jobs []download.Job
	for _, tr := range tracks {
		job, err := f.Single(ctx, tr)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

type fakeProxy struct {
	registry *proxy.Registry
	playlist string
	err      error
}

func (f *fakeProxy) Open(ctx context.Context, req *http.Request, channelID string) (*proxy.Session, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	sess := f.registry.Register(req, channelID, "http://upstream/ch/master.m3u8", nil)
	return sess, f.playlist, nil
}

func (f *fakeProxy) ServeMedia(ctx context.Context, w http.ResponseWriter, sessionID, mediaPath string) error {
	if f.registry.Get(sessionID) == nil {
		return proxy.ErrSessionNotFound
	}
	_, err := w.Write([]byte("media:" + mediaPath))
	return err
}

func (f *fakeProxy) ServeKey(ctx context.Context, w http.ResponseWriter, sessionID, ref string) error {
	_, err := w.Write([]byte("key"))
	return err
}

func (f *fakeProxy) Close(ctx context.Context, sessionID string) { f.registry.Remove(sessionID) }

func (f *fakeProxy) Registry() *proxy.Registry { return f.registry }

type fakeFetcher struct {
	tracks []sxm.Track
}

func (f *fakeFetcher) Schedule(ctx context.Context, channelID string, hoursBack int) ([]sxm.Track, error) {
	return f.tracks, nil
}

type noopCatalog struct{}

func (noopCatalog) Refresh(ctx context.Context) error { return nil }

type testEnv struct {
	router   chi.Router
	jobs     *download.Store
	channels *channels.Store
	recorder *fakeRecorder
	proxy    *fakeProxy
	fetcher  *fakeFetcher
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "api.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs, err := download.NewStore(db)
	require.NoError(t, err)
	chanStore, err := channels.NewStore(db)
	require.NoError(t, err)
	libStore, err := library.NewStore(db)
	require.NoError(t, err)

	credStore, err := credentials.NewStore(filepath.Join(dir, "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = credStore.Close() })
	box, err := secrets.Open(filepath.Join(dir, ".key"))
	require.NoError(t, err)
	pool := credentials.NewManager(credStore, box, stubAuth{}, credentials.ManagerConfig{})

	fetcher := &fakeFetcher{}
	cache := schedule.NewCache(fetcher, nil, 0)

	rec := &fakeRecorder{status: recorder.Status{State: "idle"}}
	fp := &fakeProxy{registry: proxy.NewRegistry(), playlist: "#EXTM3U\n/api/streams/session/x/media/256k/index.m3u8\n"}

	srv := NewServer(Config{ListenAddr: ":0", DVRWindowHours: 5}, Deps{
		Recorder:  rec,
		Proxy:     fp,
		Downloads: &fakeDownloader{store: jobs},
		Jobs:      jobs,
		Schedule:  cache,
		Channels:  chanStore,
		Catalog:   noopCatalog{},
		Library:   libStore,
		Scanner:   library.NewScanner(libStore, filepath.Join(dir, "downloads")),
		Pool:      pool,
		Version:   "test",
	})
	return &testEnv{
		router:   srv.Router(),
		jobs:     jobs,
		channels: chanStore,
		recorder: rec,
		proxy:    fp,
		fetcher:  fetcher,
	}
}

type stubAuth struct{}

func (stubAuth) Login(ctx context.Context, username, password string) (*sxm.Session, error) {
	return &sxm.Session{BearerToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func doJSON(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)
	rr := doJSON(t, env.router, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestServer(t)

	rr := doJSON(t, env.router, http.MethodPost, "/api/recording/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, env.router, http.MethodPost, "/api/recording/start", `{"channel_id":"ch-1"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/recording/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var status recorder.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.Recording)
	assert.Equal(t, "ch-1", status.ChannelID)

	env.recorder.err = recorder.ErrAlreadyRecording
	rr = doJSON(t, env.router, http.MethodPost, "/api/recording/start", `{"channel_id":"ch-2"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	env.recorder.err = nil
	rr = doJSON(t, env.router, http.MethodPost, "/api/recording/stop?force=true", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestScheduleValidatesHoursBack(t *testing.T) {
	env := newTestServer(t)
	env.fetcher.tracks = []sxm.Track{
		{Artist: "A", Title: "One", StartsAt: time.Now().Add(-10 * time.Minute), ChannelID: "ch-1"},
		{Artist: "B", Title: "Two", StartsAt: time.Now().Add(-2 * time.Minute), ChannelID: "ch-1"},
	}

	rr := doJSON(t, env.router, http.MethodGet, "/api/channels/ch-1/schedule?hours_back=9", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/channels/ch-1/schedule?hours_back=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Tracks []sxm.Track `json:"tracks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Tracks, 2)

	rr = doJSON(t, env.router, http.MethodGet, "/api/channels/ch-1/now-playing", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var now struct {
		Track *sxm.Track `json:"track"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &now))
	require.NotNil(t, now.Track)
	assert.Equal(t, "Two", now.Track.Title)
}

func TestDownloadEndpoints(t *testing.T) {
	env := newTestServer(t)

	rr := doJSON(t, env.router, http.MethodPost, "/api/downloads/",
		`{"channel_id":"ch-1","artist":"A","title":"Song","starts_at":"2026-03-14T12:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, "pending", job["status"])

	rr = doJSON(t, env.router, http.MethodPost, "/api/downloads/", `{"channel_id":"ch-1","title":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/downloads/?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/downloads/?status=pending", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 1)

	rr = doJSON(t, env.router, http.MethodGet, "/api/downloads/999", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, env.router, http.MethodPost, "/api/downloads/bulk",
		`{"channel_id":"ch-1","tracks":[{"title":"S1","starts_at":"2026-03-14T12:00:00Z"},{"title":"S2","starts_at":"2026-03-14T12:04:00Z"}]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
}

func TestChannelEndpoints(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, env.channels.ReplaceAll(context.Background(), []sxm.Channel{
		{ID: "jazz-cafe", Name: "Jazz Cafe", Genre: "Jazz"},
	}))

	rr := doJSON(t, env.router, http.MethodGet, "/api/channels/", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/channels/jazz-cafe/", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/channels/nope/", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, env.router, http.MethodPut, "/api/channels/jazz-cafe/favorite", `{"favorite":true}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestStreamEndpoints(t *testing.T) {
	env := newTestServer(t)

	rr := doJSON(t, env.router, http.MethodGet, "/api/streams/ch-1/playlist.m3u8", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rr.Header().Get("Content-Type"))
	sessionID := rr.Header().Get("X-Session-Id")
	require.NotEmpty(t, sessionID)

	rr = doJSON(t, env.router, http.MethodGet, "/api/streams/session/"+sessionID+"/media/256k/index.m3u8", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "media:256k/index.m3u8", rr.Body.String())

	rr = doJSON(t, env.router, http.MethodGet, "/api/streams/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var sessions struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sessions))
	require.Len(t, sessions.Sessions, 1)

	rr = doJSON(t, env.router, http.MethodDelete, "/api/streams/session/"+sessionID+"/", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/streams/session/"+sessionID+"/media/256k/index.m3u8", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCredentialEndpoints(t *testing.T) {
	env := newTestServer(t)

	rr := doJSON(t, env.router, http.MethodPost, "/api/credentials/", `{"username":"u@example.com","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = doJSON(t, env.router, http.MethodPost, "/api/credentials/", `{"username":"u@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, env.router, http.MethodGet, "/api/credentials/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats credentials.PoolStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Len(t, stats.Credentials, 1)
	assert.Equal(t, 3, stats.TotalCapacity)

	rr = doJSON(t, env.router, http.MethodPut, "/api/credentials/999/active", `{"active":false}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, env.router, http.MethodDelete, "/api/credentials/"+jsonInt(created.ID)+"/", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
