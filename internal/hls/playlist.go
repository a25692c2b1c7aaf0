// Package hls parses master and media playlists and filters segments by
// wall-clock windows. Media playlists carry a program date per segment, which
// is what makes timed extraction from the rolling buffer possible.
package hls

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSegmentDuration is assumed when a segment lacks an EXTINF tag.
const DefaultSegmentDuration = 9750 * time.Millisecond

// Variant is one entry of a master playlist.
type Variant struct {
	URI       string
	Bandwidth int
	Quality   string
}

// QualityName buckets a bandwidth into the fixed quality ladder.
func QualityName(bandwidth int) string {
	switch {
	case bandwidth >= 250000:
		return "256k"
	case bandwidth >= 120000:
		return "128k"
	case bandwidth >= 60000:
		return "64k"
	default:
		return "32k"
	}
}

// ParseMaster extracts stream variants from a master playlist, sorted by
// bandwidth descending. Relative URIs are resolved against baseURL.
func ParseMaster(playlist, baseURL string) ([]Variant, error) {
	scanner := bufio.NewScanner(strings.NewReader(playlist))

	var (
		variants      []Variant
		nextBandwidth int
		pending       bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			pending = true
			nextBandwidth = 0
			for _, attr := range strings.Split(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"), ",") {
				if v, ok := strings.CutPrefix(strings.TrimSpace(attr), "BANDWIDTH="); ok {
					if bw, err := strconv.Atoi(v); err == nil {
						nextBandwidth = bw
					}
				}
			}
			continue
		}

		if !strings.HasPrefix(line, "#") && pending {
			variants = append(variants, Variant{
				URI:       ResolveURL(baseURL, line),
				Bandwidth: nextBandwidth,
				Quality:   QualityName(nextBandwidth),
			})
			pending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Insertion sort keeps the ladder small and avoids importing sort for
	// a handful of variants.
	for i := 1; i < len(variants); i++ {
		for j := i; j > 0 && variants[j].Bandwidth > variants[j-1].Bandwidth; j-- {
			variants[j], variants[j-1] = variants[j-1], variants[j]
		}
	}
	return variants, nil
}

// PickVariant selects the variant matching quality, falling back to the
// highest bandwidth when the requested rung is absent.
func PickVariant(variants []Variant, quality string) (Variant, bool) {
	for _, v := range variants {
		if v.Quality == quality {
			return v, true
		}
	}
	if len(variants) > 0 {
		return variants[0], true
	}
	return Variant{}, false
}

// Segment is one media segment with its absolute program date.
type Segment struct {
	URL      string
	StartsAt time.Time
	Duration time.Duration
	Index    int // position in the playlist, drives the decryption IV
}

// End is the segment's exclusive end time.
func (s Segment) End() time.Time { return s.StartsAt.Add(s.Duration) }

// MediaPlaylist is a parsed variant playlist.
type MediaPlaylist struct {
	Segments      []Segment
	KeyURI        string
	MediaSequence int
	Live          bool
}

// TotalDuration sums the segment durations.
func (p *MediaPlaylist) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// ParseMedia parses a variant playlist. Program dates must not move
// backwards; a rewind means the upstream timeline is corrupt and the caller
// must not trust any window math built on it.
func ParseMedia(playlist, baseURL string) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(strings.NewReader(playlist))
	out := &MediaPlaylist{Live: true}

	var (
		nextPDT      time.Time
		nextDuration time.Duration
		lastPDT      time.Time
		index        int
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")); err == nil {
				out.MediaSequence = n
			}

		case line == "#EXT-X-ENDLIST" || strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:VOD"):
			out.Live = false

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			if uri, ok := attrValue(line, "URI"); ok {
				out.KeyURI = uri
			}

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			raw := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				t, err = time.Parse(time.RFC3339, raw)
				if err != nil {
					return nil, fmt.Errorf("invalid program date: %s", raw)
				}
			}
			if !lastPDT.IsZero() && t.Before(lastPDT) {
				return nil, fmt.Errorf("program date moved backwards: %v < %v", t, lastPDT)
			}
			nextPDT = t.UTC()
			lastPDT = t

		case strings.HasPrefix(line, "#EXTINF:"):
			durPart := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(durPart, ","); idx != -1 {
				durPart = durPart[:idx]
			}
			if secs, err := strconv.ParseFloat(durPart, 64); err == nil {
				nextDuration = time.Duration(secs * float64(time.Second))
			} else {
				nextDuration = DefaultSegmentDuration
			}

		case !strings.HasPrefix(line, "#"):
			dur := nextDuration
			if dur == 0 {
				dur = DefaultSegmentDuration
			}
			out.Segments = append(out.Segments, Segment{
				URL:      ResolveURL(baseURL, line),
				StartsAt: nextPDT,
				Duration: dur,
				Index:    index,
			})
			index++
			nextPDT = time.Time{}
			nextDuration = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveURL joins a possibly relative playlist reference with its base URL.
func ResolveURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if i := strings.LastIndex(baseURL, "/"); i > len("https:/") {
		return baseURL[:i+1] + ref
	}
	return baseURL + "/" + ref
}

func attrValue(line, key string) (string, bool) {
	needle := key + "=\""
	i := strings.Index(line, needle)
	if i < 0 {
		return "", false
	}
	rest := line[i+len(needle):]
	j := strings.Index(rest, "\"")
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}
