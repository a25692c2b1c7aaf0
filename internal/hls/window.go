package hls

import "time"

// FilterWindow returns the segments overlapping [start, end). A segment
// counts as long as any part of it falls inside the window, so boundary
// segments on both sides are included.
func FilterWindow(segments []Segment, start, end time.Time) []Segment {
	var out []Segment
	for _, s := range segments {
		if s.StartsAt.IsZero() {
			continue
		}
		if s.StartsAt.Before(end) && s.End().After(start) {
			out = append(out, s)
		}
	}
	return out
}

// FilterSince keeps segments starting at or after cutoff.
func FilterSince(segments []Segment, cutoff time.Time) []Segment {
	var out []Segment
	for _, s := range segments {
		if !s.StartsAt.IsZero() && !s.StartsAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// StartOffset is how far into the first selected segment the wanted window
// begins. Zero when the window starts at or before the segment.
func StartOffset(segments []Segment, start time.Time) time.Duration {
	if len(segments) == 0 || segments[0].StartsAt.IsZero() {
		return 0
	}
	if off := start.Sub(segments[0].StartsAt); off > 0 {
		return off
	}
	return 0
}
