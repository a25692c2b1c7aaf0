package sxm

import (
	"context"
)

// Catalog page identifiers are fixed server-side content IDs.
const (
	catalogPageID      = "403ab6a5-d3c9-4c2a-a722-a94a6a5fd056"
	catalogContainerID = "3JoBfOCIwo6FmTpzM1S2H7"
	catalogSetID       = "5mqCLZ21qAwnufKT8puUiM"
	catalogPageSize    = 50
)

// Channel is one catalog entry.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Genre       string `json:"genre,omitempty"`
	Description string `json:"description,omitempty"`
	ChannelType string `json:"channel_type"`
	LogoURL     string `json:"logo_url,omitempty"`
}

type catalogItem struct {
	Entity struct {
		ID    string `json:"id"`
		Texts struct {
			Title struct {
				Default string `json:"default"`
			} `json:"title"`
			Description struct {
				Default string `json:"default"`
			} `json:"description"`
		} `json:"texts"`
		Images struct {
			Tile struct {
				Aspect1x1 struct {
					Preferred struct {
						URL    string `json:"url"`
						Width  int    `json:"width"`
						Height int    `json:"height"`
					} `json:"preferred"`
				} `json:"aspect_1x1"`
			} `json:"tile"`
		} `json:"images"`
	} `json:"entity"`
	Decorations struct {
		Genre string `json:"genre"`
	} `json:"decorations"`
	Actions struct {
		Play []struct {
			Entity struct {
				Type string `json:"type"`
			} `json:"entity"`
		} `json:"play"`
	} `json:"actions"`
}

type catalogSet struct {
	Items      []catalogItem `json:"items"`
	Pagination struct {
		Offset struct {
			Size int `json:"size"`
		} `json:"offset"`
	} `json:"pagination"`
}

func parseChannelItem(item catalogItem) (Channel, bool) {
	if item.Entity.ID == "" {
		return Channel{}, false
	}

	name := item.Entity.Texts.Title.Default
	if name == "" {
		name = "Unknown"
	}

	channelType := "channel-linear"
	if len(item.Actions.Play) > 0 && item.Actions.Play[0].Entity.Type != "" {
		channelType = item.Actions.Play[0].Entity.Type
	}

	var logo string
	tile := item.Entity.Images.Tile.Aspect1x1.Preferred
	if tile.URL != "" {
		w, h := tile.Width, tile.Height
		if w == 0 {
			w = 300
		}
		if h == 0 {
			h = 300
		}
		logo = CDNImageURL(tile.URL, w, h)
	}

	return Channel{
		ID:          item.Entity.ID,
		Name:        name,
		Genre:       item.Decorations.Genre,
		Description: item.Entity.Texts.Description.Default,
		ChannelType: channelType,
		LogoURL:     logo,
	}, true
}

// Channels fetches the full channel catalog, paging through the curated
// grouping in fixed-size batches.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var first struct {
		Page struct {
			Containers []struct {
				Sets []catalogSet `json:"sets"`
			} `json:"containers"`
		} `json:"page"`
	}
	err := c.postJSON(ctx, "channels", "/browse/v1/pages/curated-grouping/"+catalogPageID+"/view", map[string]any{
		"containerConfiguration": map[string]any{
			catalogContainerID: map[string]any{
				"filter": map[string]any{"one": map[string]any{"filterId": "all"}},
				"sets": map[string]any{
					catalogSetID: map[string]any{
						"sort": map[string]any{"sortId": "CHANNEL_NUMBER_ASC"},
					},
				},
			},
		},
		"pagination": map[string]any{
			"offset": map[string]any{
				"containerLimit": 3,
				"setItemsLimit":  catalogPageSize,
			},
		},
		"deviceCapabilities": map[string]any{"supportsDownloads": false},
	}, &first)
	if err != nil {
		return nil, err
	}

	if len(first.Page.Containers) == 0 || len(first.Page.Containers[0].Sets) == 0 {
		return nil, nil
	}
	set := first.Page.Containers[0].Sets[0]
	total := set.Pagination.Offset.Size

	channels := make([]Channel, 0, total)
	for _, item := range set.Items {
		if ch, ok := parseChannelItem(item); ok {
			channels = append(channels, ch)
		}
	}

	batchPath := "/browse/v1/pages/curated-grouping/" + catalogPageID + "/containers/" + catalogContainerID + "/view"
	for offset := catalogPageSize; offset < total; offset += catalogPageSize {
		var batch struct {
			Container struct {
				Sets []catalogSet `json:"sets"`
			} `json:"container"`
		}
		err := c.postJSON(ctx, "channels", batchPath, map[string]any{
			"filter": map[string]any{"one": map[string]any{"filterId": "all"}},
			"sets": map[string]any{
				catalogSetID: map[string]any{
					"sort": map[string]any{"sortId": "CHANNEL_NUMBER_ASC"},
					"pagination": map[string]any{
						"offset": map[string]any{
							"setItemsOffset": offset,
							"setItemsLimit":  catalogPageSize,
						},
					},
				},
			},
			"pagination": map[string]any{
				"offset": map[string]any{"setItemsLimit": catalogPageSize},
			},
		}, &batch)
		if err != nil {
			return channels, err
		}
		if len(batch.Container.Sets) == 0 {
			break
		}
		for _, item := range batch.Container.Sets[0].Items {
			if ch, ok := parseChannelItem(item); ok {
				channels = append(channels, ch)
			}
		}
	}
	return channels, nil
}
