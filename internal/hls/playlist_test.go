package hls

import (
	"testing"
	"time"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:120
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/v1/key/abc"
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:00.000Z
#EXTINF:9.75,
seg_00120.aac
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:09.750Z
#EXTINF:9.75,
seg_00121.aac
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:19.500Z
#EXTINF:4.50,
seg_00122.aac
`

func TestParseMedia(t *testing.T) {
	pl, err := ParseMedia(samplePlaylist, "https://cdn.example.com/ch/256k/index.m3u8")
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}

	if len(pl.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(pl.Segments))
	}
	if pl.MediaSequence != 120 {
		t.Errorf("media sequence = %d, want 120", pl.MediaSequence)
	}
	if pl.KeyURI != "https://keys.example.com/v1/key/abc" {
		t.Errorf("key URI = %q", pl.KeyURI)
	}
	if !pl.Live {
		t.Error("playlist without ENDLIST should be live")
	}

	first := pl.Segments[0]
	if first.URL != "https://cdn.example.com/ch/256k/seg_00120.aac" {
		t.Errorf("segment URL = %q", first.URL)
	}
	want := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	if !first.StartsAt.Equal(want) {
		t.Errorf("segment start = %v, want %v", first.StartsAt, want)
	}
	if first.Duration != 9750*time.Millisecond {
		t.Errorf("segment duration = %v", first.Duration)
	}

	if got := pl.TotalDuration(); got != 24*time.Second {
		t.Errorf("total duration = %v, want 24s", got)
	}
}

func TestParseMediaRejectsBackwardsProgramDate(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:10.000Z
#EXTINF:9.75,
a.aac
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:00.000Z
#EXTINF:9.75,
b.aac
`
	if _, err := ParseMedia(playlist, "https://cdn.example.com/x.m3u8"); err == nil {
		t.Fatal("expected error for backwards program date")
	}
}

func TestParseMediaEndlist(t *testing.T) {
	playlist := `#EXTM3U
#EXTINF:9.75,
a.aac
#EXT-X-ENDLIST
`
	pl, err := ParseMedia(playlist, "https://cdn.example.com/x.m3u8")
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if pl.Live {
		t.Error("ENDLIST playlist should not be live")
	}
}

func TestParseMaster(t *testing.T) {
	master := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
64k/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=256000,CODECS="mp4a.40.2"
256k/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
128k/index.m3u8
`
	variants, err := ParseMaster(master, "https://cdn.example.com/ch/master.m3u8")
	if err != nil {
		t.Fatalf("ParseMaster: %v", err)
	}
	if len(variants) != 3 {
		t.Fatalf("variants = %d, want 3", len(variants))
	}
	if variants[0].Quality != "256k" {
		t.Errorf("first variant = %q, want highest bandwidth first", variants[0].Quality)
	}
	if variants[0].URI != "https://cdn.example.com/ch/256k/index.m3u8" {
		t.Errorf("variant URI = %q", variants[0].URI)
	}

	v, ok := PickVariant(variants, "64k")
	if !ok || v.Quality != "64k" {
		t.Errorf("PickVariant(64k) = %+v, %v", v, ok)
	}
	v, ok = PickVariant(variants, "512k")
	if !ok || v.Quality != "256k" {
		t.Errorf("PickVariant fallback = %+v, %v", v, ok)
	}
}

func TestFilterWindow(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	segs := make([]Segment, 10)
	for i := range segs {
		segs[i] = Segment{
			URL:      "seg.aac",
			StartsAt: base.Add(time.Duration(i) * 10 * time.Second),
			Duration: 10 * time.Second,
			Index:    i,
		}
	}

	// Track from 10:00:15 to 10:00:45 overlaps segments 1 through 4.
	got := FilterWindow(segs, base.Add(15*time.Second), base.Add(45*time.Second))
	if len(got) != 4 {
		t.Fatalf("window segments = %d, want 4", len(got))
	}
	if got[0].Index != 1 || got[len(got)-1].Index != 4 {
		t.Errorf("window span = [%d, %d], want [1, 4]", got[0].Index, got[len(got)-1].Index)
	}

	if off := StartOffset(got, base.Add(15*time.Second)); off != 5*time.Second {
		t.Errorf("start offset = %v, want 5s", off)
	}
	if off := StartOffset(got, base); off != 0 {
		t.Errorf("start offset before segment = %v, want 0", off)
	}
}

func TestFilterSince(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	segs := []Segment{
		{StartsAt: base, Duration: 10 * time.Second},
		{StartsAt: base.Add(10 * time.Second), Duration: 10 * time.Second},
		{}, // missing program date
	}
	got := FilterSince(segs, base.Add(5*time.Second))
	if len(got) != 1 {
		t.Fatalf("FilterSince = %d segments, want 1", len(got))
	}
}
