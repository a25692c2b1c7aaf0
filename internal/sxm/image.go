package sxm

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const cdnBase = "https://imgsrv-sxm-prod-device.streaming.siriusxm.com/"

// CDNImageURL builds an artwork URL. The image CDN takes a base64-encoded
// JSON edit config as the path, naming the source key and the resize edits.
func CDNImageURL(imagePath string, width, height int) string {
	if imagePath == "" {
		return ""
	}
	if strings.HasPrefix(imagePath, "http") {
		return imagePath
	}
	cfg := map[string]any{
		"key": imagePath,
		"edits": []any{
			map[string]any{"format": map[string]any{"type": "jpeg"}},
			map[string]any{"resize": map[string]any{"height": height, "width": width}},
		},
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return cdnBase + base64.StdEncoding.EncodeToString(raw)
}
