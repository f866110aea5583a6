package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
)

const (
	youtubeOEmbedURL    = "https://www.youtube.com/oembed"
	soundcloudOEmbedURL = "https://soundcloud.com/oembed"
)

var (
	bracketedRe = regexp.MustCompile(`\s*[\(\[][^)\]]*[\)\]]`)
	spacesRe    = regexp.MustCompile(`\s+`)
	topicRe     = regexp.MustCompile(`(?i)\s*-\s*topic$`)
)

// OEmbedClient recovers title/author text for YouTube and SoundCloud URLs so
// they can be re-run as catalog searches instead of being streamed directly.
type OEmbedClient struct {
	YouTubeURL    string
	SoundCloudURL string

	httpc *http.Client
	log   *zap.Logger
}

func NewOEmbedClient(log *zap.Logger) *OEmbedClient {
	return &OEmbedClient{
		YouTubeURL:    youtubeOEmbedURL,
		SoundCloudURL: soundcloudOEmbedURL,
		httpc:         &http.Client{Timeout: 12 * time.Second},
		log:           log,
	}
}

// DerivedQuery converts a blocked-source URL into "title author" search text.
func (c *OEmbedClient) DerivedQuery(ctx context.Context, rawURL string, src track.Source) (string, error) {
	var endpoint string
	switch src {
	case track.SourceYouTube:
		endpoint = c.YouTubeURL
	case track.SourceSoundCloud:
		endpoint = c.SoundCloudURL
	default:
		return "", fmt.Errorf("oembed not supported for source %q", src)
	}

	u := endpoint + "?format=json&url=" + url.QueryEscape(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oembed returned %d", resp.StatusCode)
	}

	var body struct {
		Title      string `json:"title"`
		AuthorName string `json:"author_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	query := strings.TrimSpace(StripTitleTags(body.Title) + " " + cleanAuthor(body.AuthorName))
	if query == "" {
		return "", fmt.Errorf("oembed returned no usable metadata")
	}
	return query, nil
}

// StripTitleTags removes bracketed/parenthesized tags like "(Official Video)"
// that pollute search text.
func StripTitleTags(title string) string {
	title = bracketedRe.ReplaceAllString(title, " ")
	return strings.TrimSpace(spacesRe.ReplaceAllString(title, " "))
}

func cleanAuthor(author string) string {
	return strings.TrimSpace(topicRe.ReplaceAllString(author, ""))
}
