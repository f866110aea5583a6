package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
	"muselink/pkg/retrylimit"
)

const itunesAPIURL = "https://itunes.apple.com"

var (
	appleTrackParamRe = regexp.MustCompile(`[?&]i=(\d+)`)
	appleTrailingIDRe = regexp.MustCompile(`/(?:id)?(\d+)(?:\?|$)`)
)

// AppleClient uses the public iTunes search/lookup API; no credentials
// required.
type AppleClient struct {
	BaseURL string

	httpc   *http.Client
	limiter *retrylimit.AdaptiveLimiter
	log     *zap.Logger
}

func NewAppleClient(log *zap.Logger) *AppleClient {
	return &AppleClient{
		BaseURL: itunesAPIURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		limiter: retrylimit.NewAdaptiveLimiter(5, 1, 10, 1, 0.5),
		log:     log,
	}
}

type itunesResult struct {
	Kind             string `json:"kind"`
	WrapperType      string `json:"wrapperType"`
	TrackID          int64  `json:"trackId"`
	TrackName        string `json:"trackName"`
	CollectionName   string `json:"collectionName"`
	ArtistName       string `json:"artistName"`
	TrackViewURL     string `json:"trackViewUrl"`
	ArtworkURL100    string `json:"artworkUrl100"`
	TrackTimeMillis  int64  `json:"trackTimeMillis"`
	PrimaryGenreName string `json:"primaryGenreName"`
}

func (c *AppleClient) get(ctx context.Context, path string) ([]itunesResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.RateLimited()
		return nil, fmt.Errorf("itunes rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("itunes returned %d", resp.StatusCode)
	}
	c.limiter.Success()

	var body struct {
		Results []itunesResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

// Search runs a free-text song search.
func (c *AppleClient) Search(ctx context.Context, query string, limit int) ([]track.Track, error) {
	path := fmt.Sprintf("/search?media=music&entity=song&limit=%d&term=%s", limit, url.QueryEscape(query))
	results, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make([]track.Track, 0, len(results))
	for _, r := range results {
		if r.Kind != "" && r.Kind != "song" {
			continue
		}
		out = append(out, track.Track{
			ID:         fmt.Sprintf("%d", r.TrackID),
			Title:      r.TrackName,
			Author:     r.ArtistName,
			URL:        r.TrackViewURL,
			ArtworkURL: r.ArtworkURL100,
			DurationMs: r.TrackTimeMillis,
			Source:     track.SourceApple,
		})
	}
	return out, nil
}

// LookupURL recovers title/artist text for a music.apple.com URL via the
// lookup endpoint, preferring the ?i= track id over the album id.
func (c *AppleClient) LookupURL(ctx context.Context, rawURL string) (title, author string, ok bool) {
	var id string
	if m := appleTrackParamRe.FindStringSubmatch(rawURL); m != nil {
		id = m[1]
	} else if m := appleTrailingIDRe.FindStringSubmatch(rawURL); m != nil {
		id = m[1]
	}
	if id == "" {
		return "", "", false
	}

	results, err := c.get(ctx, "/lookup?id="+id)
	if err != nil || len(results) == 0 {
		if err != nil {
			c.log.Debug("itunes lookup failed", zap.String("id", id), zap.Error(err))
		}
		return "", "", false
	}

	r := results[0]
	title = r.TrackName
	if title == "" {
		title = r.CollectionName
	}
	return title, r.ArtistName, title != ""
}
