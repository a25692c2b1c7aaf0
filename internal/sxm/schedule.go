package sxm

import (
	"context"
	"fmt"
	"time"
)

// Track is one entry in a channel's cut log. Tracks arrive in chronological
// order; the newest one is the track currently on air.
type Track struct {
	Artist    string        `json:"artist"`
	Title     string        `json:"title"`
	Album     string        `json:"album,omitempty"`
	StartsAt  time.Time     `json:"starts_at"`
	Duration  time.Duration `json:"duration"`
	ImageURL  string        `json:"image_url,omitempty"`
	ChannelID string        `json:"channel_id"`
}

// Key identifies a track occurrence: the same song replayed later is a
// distinct entry because its start time differs.
func (t Track) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", t.ChannelID, t.Artist, t.Title, t.StartsAt.UnixMilli())
}

type imageRef struct {
	URL string `json:"url"`
}

type imageAspect struct {
	Preferred imageRef `json:"preferredImage"`
	Default   imageRef `json:"defaultImage"`
}

type imageTile struct {
	Aspect1x1  imageAspect `json:"aspect_1x1"`
	Aspect16x9 imageAspect `json:"aspect_16x9"`
}

type imageSet struct {
	Tile imageTile `json:"tile"`
}

func (s imageSet) path() string {
	for _, aspect := range []imageAspect{s.Tile.Aspect1x1, s.Tile.Aspect16x9} {
		if aspect.Preferred.URL != "" {
			return aspect.Preferred.URL
		}
		if aspect.Default.URL != "" {
			return aspect.Default.URL
		}
	}
	return ""
}

type liveUpdateItem struct {
	ArtistName     string   `json:"artistName"`
	Name           string   `json:"name"`
	AlbumName      string   `json:"albumName"`
	Timestamp      string   `json:"timestamp"`
	Duration       int64    `json:"duration"`
	IsInterstitial bool     `json:"isInterstitial"`
	Images         imageSet `json:"images"`
	ArtistImages   imageSet `json:"artistImages"`
}

// Schedule fetches the cut log for a channel covering the last hoursBack
// hours. Interstitials and entries timestamped in the future are dropped.
// The result keeps upstream chronological ordering.
func (c *Client) Schedule(ctx context.Context, channelID string, hoursBack int) ([]Track, error) {
	if hoursBack < 1 {
		hoursBack = 1
	}
	start := time.Now().UTC().Add(-time.Duration(hoursBack) * time.Hour)

	var res struct {
		Items []liveUpdateItem `json:"items"`
	}
	err := c.postJSON(ctx, "schedule", "/playback/play/v1/liveUpdate", map[string]any{
		"channelId":       channelID,
		"hlsVersion":      "V3",
		"manifestVariant": "WEB",
		"mtcVersion":      "V2",
		"startTimestamp":  start.Format("2006-01-02T15:04:05.000Z"),
	}, &res)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tracks := make([]Track, 0, len(res.Items))
	for _, item := range res.Items {
		if item.IsInterstitial || item.Timestamp == "" {
			continue
		}
		startsAt, err := time.Parse(time.RFC3339, item.Timestamp)
		if err != nil {
			continue
		}
		if startsAt.After(now) {
			continue
		}

		imagePath := item.Images.path()
		if imagePath == "" {
			imagePath = item.ArtistImages.path()
		}

		artist := item.ArtistName
		if artist == "" {
			artist = "Unknown"
		}
		title := item.Name
		if title == "" {
			title = "Unknown"
		}

		tracks = append(tracks, Track{
			Artist:    artist,
			Title:     title,
			Album:     item.AlbumName,
			StartsAt:  startsAt.UTC(),
			Duration:  time.Duration(item.Duration) * time.Millisecond,
			ImageURL:  CDNImageURL(imagePath, 300, 300),
			ChannelID: channelID,
		})
	}
	return tracks, nil
}

// CurrentTrack returns the newest past track on the channel, or nil when the
// cut log is empty.
func (c *Client) CurrentTrack(ctx context.Context, channelID string) (*Track, error) {
	tracks, err := c.Schedule(ctx, channelID, 1)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, nil
	}
	t := tracks[len(tracks)-1]
	return &t, nil
}
