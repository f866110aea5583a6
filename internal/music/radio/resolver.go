package radio

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxDepth  = 2
	probeSize = 4096
)

var audioContentTypes = []string{
	"audio/",
	"application/ogg",
}

var playlistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/x-mpegurl",
	"audio/mpegurl",
	"application/x-scpls",
	"audio/x-scpls",
	"application/pls+xml",
}

var audioExtensions = []string{".mp3", ".aac", ".ogg", ".opus", ".flac", ".wav", ".m4a"}

// Resolver follows redirects and playlist containers until it lands on a
// directly playable stream URL.
type Resolver struct {
	Client *http.Client
	log    *zap.Logger
}

func New(log *zap.Logger) *Resolver {
	return &Resolver{
		Client: &http.Client{Timeout: 12 * time.Second},
		log:    log,
	}
}

// ResolveStreamURL returns a playable stream URL for a station, or "" when
// the station is unreachable or unresolvable. Network faults are never fatal;
// the caller treats "" as "station unavailable".
func (r *Resolver) ResolveStreamURL(ctx context.Context, rawURL string) string {
	return r.resolve(ctx, rawURL, 0)
}

func (r *Resolver) resolve(ctx context.Context, rawURL string, depth int) string {
	if depth > maxDepth {
		r.log.Warn("radio playlist recursion limit hit", zap.String("url", rawURL))
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("Range", "bytes=0-4095")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := r.Client.Do(req)
	if err != nil {
		r.log.Debug("radio probe failed", zap.String("url", rawURL), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	// Playlist containers first: audio/x-mpegurl would otherwise pass the
	// audio prefix check and come back as the "stream".
	if isPlaylistType(contentType) || hasPlaylistExt(finalURL) {
		target := parsePlaylist(resp.Body)
		if target == "" {
			return ""
		}
		return r.resolve(ctx, target, depth+1)
	}

	if isAudioType(contentType) {
		return finalURL
	}

	if hasAudioExt(finalURL) {
		return finalURL
	}

	// Best effort: anything that is not a web page or an API payload is
	// probably the stream itself.
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "json") {
		return finalURL
	}

	return ""
}

func isAudioType(contentType string) bool {
	for _, t := range audioContentTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func isPlaylistType(contentType string) bool {
	for _, t := range playlistContentTypes {
		if contentType == t {
			return true
		}
	}
	return false
}

func hasPlaylistExt(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".m3u", ".m3u8", ".pls":
		return true
	}
	return false
}

func hasAudioExt(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, e := range audioExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// parsePlaylist pulls the first stream entry out of a PLS or M3U body:
// the first FileN= value, or the first bare http(s) line.
func parsePlaylist(body io.Reader) string {
	scanner := bufio.NewScanner(io.LimitReader(body, probeSize))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "file") {
			if idx := strings.Index(line, "="); idx != -1 {
				if v := strings.TrimSpace(line[idx+1:]); v != "" {
					return v
				}
			}
			continue
		}
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return line
		}
	}
	return ""
}
