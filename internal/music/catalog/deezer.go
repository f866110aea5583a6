package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
	"muselink/pkg/retrylimit"
)

const deezerAPIURL = "https://api.deezer.com"

// DeezerClient uses the public Deezer search API; no credentials required.
type DeezerClient struct {
	BaseURL string

	httpc   *http.Client
	limiter *retrylimit.AdaptiveLimiter
	log     *zap.Logger
}

func NewDeezerClient(log *zap.Logger) *DeezerClient {
	return &DeezerClient{
		BaseURL: deezerAPIURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		limiter: retrylimit.NewAdaptiveLimiter(5, 1, 10, 1, 0.5),
		log:     log,
	}
}

// Search runs a free-text track search.
func (c *DeezerClient) Search(ctx context.Context, query string, limit int) ([]track.Track, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/search?limit=%d&q=%s", limit, url.QueryEscape(query))
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
		return nil, fmt.Errorf("deezer rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deezer returned %d", resp.StatusCode)
	}
	c.limiter.Success()

	var body struct {
		Data []struct {
			ID       int64  `json:"id"`
			Title    string `json:"title"`
			Link     string `json:"link"`
			Duration int64  `json:"duration"` // seconds
			Type     string `json:"type"`
			Artist   struct {
				Name string `json:"name"`
			} `json:"artist"`
			Album struct {
				CoverBig string `json:"cover_big"`
			} `json:"album"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]track.Track, 0, len(body.Data))
	for _, d := range body.Data {
		if d.Type != "" && d.Type != "track" {
			continue
		}
		out = append(out, track.Track{
			ID:         fmt.Sprintf("%d", d.ID),
			Title:      d.Title,
			Author:     d.Artist.Name,
			URL:        d.Link,
			ArtworkURL: d.Album.CoverBig,
			DurationMs: d.Duration * 1000,
			Source:     track.SourceDeezer,
		})
	}
	return out, nil
}
