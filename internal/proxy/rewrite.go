package proxy

import (
	"bufio"
	"encoding/base64"
	"strings"
)

// Playlist rewriting is pure string transformation so it can be tested
// without any upstream. Media references are routed back through the
// session's proxy path; key URIs carry the full upstream URL base64-encoded
// because the player can only speak plain GET to us.

// rewriteMaster points every variant reference at the session's media
// endpoint. References stay relative to the upstream base held by the
// session, so only the path prefix changes here.
func rewriteMaster(playlist, mediaPrefix string) string {
	var b strings.Builder
	b.Grow(len(playlist) + 256)

	scanner := bufio.NewScanner(strings.NewReader(playlist))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			line = mediaPrefix + stripToRelative(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// rewriteMedia rewrites a variant playlist: segment lines are prefixed with
// the session's media path (keeping any subdirectory the variant lives in)
// and key URIs are replaced with the session's key endpoint.
func rewriteMedia(playlist, mediaPrefix, keyPrefix, variantDir string) string {
	var b strings.Builder
	b.Grow(len(playlist) + 1024)

	scanner := bufio.NewScanner(strings.NewReader(playlist))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:") && strings.Contains(line, `URI="`):
			line = rewriteKeyURI(line, keyPrefix)
		case line != "" && !strings.HasPrefix(line, "#"):
			ref := stripToRelative(line)
			if variantDir != "" && !strings.Contains(ref, "/") {
				ref = variantDir + "/" + ref
			}
			line = mediaPrefix + ref
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func rewriteKeyURI(line, keyPrefix string) string {
	start := strings.Index(line, `URI="`)
	if start < 0 {
		return line
	}
	rest := line[start+len(`URI="`):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return line
	}
	keyURL := rest[:end]
	encoded := base64.RawURLEncoding.EncodeToString([]byte(keyURL))
	return line[:start] + `URI="` + keyPrefix + encoded + `"` + rest[end+1:]
}

// decodeKeyRef reverses the encoding applied by rewriteKeyURI.
func decodeKeyRef(ref string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// stripToRelative turns an absolute upstream URL into a path relative to
// its final segment; relative references pass through unchanged.
func stripToRelative(ref string) string {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return ref
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
