package tagging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFetchCoverWritesFileWithExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("pngdata"))
	}))
	defer srv.Close()

	tagger := New("ffmpeg")
	base := filepath.Join(t.TempDir(), "track.aac")

	path, err := tagger.fetchCover(context.Background(), srv.URL+"/art", base)
	if err != nil {
		t.Fatalf("fetchCover: %v", err)
	}
	if filepath.Ext(path) != ".png" {
		t.Errorf("cover ext = %q, want .png", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cover: %v", err)
	}
	if string(data) != "pngdata" {
		t.Errorf("cover data = %q", data)
	}
}

func TestFetchCoverRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tagger := New("ffmpeg")
	if _, err := tagger.fetchCover(context.Background(), srv.URL+"/art", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatal("expected error for 404 cover")
	}
}

func TestEncodeFailsWhenCoverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "in.aac")
	if err := os.WriteFile(input, []byte("audio"), 0o600); err != nil {
		t.Fatal(err)
	}

	tagger := New("ffmpeg")
	err := tagger.Encode(context.Background(), Job{
		InputPath:  input,
		OutputPath: filepath.Join(dir, "out.m4a"),
		Meta:       Meta{Artist: "A", Title: "T", CoverURL: srv.URL + "/art"},
	})
	if err == nil {
		t.Fatal("expected error when cover art fetch fails")
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := formatSeconds(5250 * time.Millisecond); got != "5.250" {
		t.Errorf("formatSeconds = %q, want 5.250", got)
	}
	if got := formatSeconds(0); got != "0.000" {
		t.Errorf("formatSeconds(0) = %q", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("ab", 3); got != "ab" {
		t.Errorf("tail short = %q", got)
	}
}
