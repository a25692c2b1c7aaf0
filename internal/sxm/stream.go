package sxm

import (
	"context"
	"fmt"
)

// TuneSource resolves a channel to its HLS master playlist URL. channelType
// is "channel-linear" for live channels; episodic content uses other types
// and gets the FULL manifest variant.
func (c *Client) TuneSource(ctx context.Context, channelID, channelType string) (string, error) {
	if channelType == "" {
		channelType = "channel-linear"
	}
	variant := "FULL"
	if channelType == "channel-linear" {
		variant = "WEB"
	}

	var res struct {
		Streams []struct {
			URLs []struct {
				URL string `json:"url"`
			} `json:"urls"`
		} `json:"streams"`
		HLSURL           string `json:"hlsUrl"`
		PrimaryStreamURL string `json:"primaryStreamUrl"`
	}
	err := c.postJSON(ctx, "tune", "/playback/play/v1/tuneSource", map[string]any{
		"id":              channelID,
		"type":            channelType,
		"hlsVersion":      "V3",
		"manifestVariant": variant,
		"mtcVersion":      "V2",
	}, &res)
	if err != nil {
		return "", err
	}

	if len(res.Streams) > 0 && len(res.Streams[0].URLs) > 0 && res.Streams[0].URLs[0].URL != "" {
		return res.Streams[0].URLs[0].URL, nil
	}
	if res.HLSURL != "" {
		return res.HLSURL, nil
	}
	if res.PrimaryStreamURL != "" {
		return res.PrimaryStreamURL, nil
	}
	return "", fmt.Errorf("tune %s: %w", channelID, ErrNoStream)
}
