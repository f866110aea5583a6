package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
	"muselink/pkg/retrylimit"
)

const (
	spotifyAuthURL = "https://accounts.spotify.com/api/token"
	spotifyAPIURL  = "https://api.spotify.com/v1"

	// Refresh the client-credentials token this long before it actually
	// expires, so in-flight requests never race the expiry.
	tokenExpiryMargin = 30 * time.Second
)

var spotifyURLRe = regexp.MustCompile(`open\.spotify\.com/(?:intl-[a-z]{2}/)?(track|album|playlist)/([A-Za-z0-9]+)`)

// SpotifyClient talks to the Spotify Web API with a process-wide cached
// client-credentials token.
type SpotifyClient struct {
	AuthURL string
	APIURL  string

	clientID     string
	clientSecret string
	httpc        *http.Client
	limiter      *retrylimit.AdaptiveLimiter
	log          *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewSpotifyClient(clientID, clientSecret string, log *zap.Logger) *SpotifyClient {
	return &SpotifyClient{
		AuthURL:      spotifyAuthURL,
		APIURL:       spotifyAPIURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        &http.Client{Timeout: 15 * time.Second},
		limiter:      retrylimit.NewAdaptiveLimiter(5, 1, 10, 1, 0.5),
		log:          log,
	}
}

// Enabled reports whether credentials were configured.
func (c *SpotifyClient) Enabled() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// accessToken returns the cached token, fetching a fresh one lazily when the
// cached one is near expiry.
func (c *SpotifyClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("spotify token request returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	c.token = body.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - tokenExpiryMargin)
	return c.token, nil
}

func (c *SpotifyClient) get(ctx context.Context, path string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.RateLimited()
		return fmt.Errorf("spotify rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("spotify returned %d for %s", resp.StatusCode, path)
	}
	c.limiter.Success()

	return json.NewDecoder(resp.Body).Decode(out)
}

type spotifyTrack struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	DurationMs   int64 `json:"duration_ms"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
	Album struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"album"`
}

func (st *spotifyTrack) toTrack() track.Track {
	t := track.Track{
		ID:         st.ID,
		Title:      st.Name,
		URL:        st.ExternalURLs.Spotify,
		DurationMs: st.DurationMs,
		Source:     track.SourceSpotify,
	}
	if len(st.Artists) > 0 {
		t.Author = st.Artists[0].Name
	}
	if len(st.Album.Images) > 0 {
		t.ArtworkURL = st.Album.Images[0].URL
	}
	return t
}

// Search runs a free-text track search.
func (c *SpotifyClient) Search(ctx context.Context, query string, limit int) ([]track.Track, error) {
	if !c.Enabled() {
		return nil, nil
	}

	var body struct {
		Tracks struct {
			Items []spotifyTrack `json:"items"`
		} `json:"tracks"`
	}
	path := fmt.Sprintf("/search?type=track&limit=%d&q=%s", limit, url.QueryEscape(query))
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}

	out := make([]track.Track, 0, len(body.Tracks.Items))
	for i := range body.Tracks.Items {
		out = append(out, body.Tracks.Items[i].toTrack())
	}
	return out, nil
}

// LookupURL recovers "title", "artist" text for a Spotify track, album or
// playlist URL, for re-running as a catalog search when the node cannot load
// the URL directly.
func (c *SpotifyClient) LookupURL(ctx context.Context, rawURL string) (title, author string, ok bool) {
	if !c.Enabled() {
		return "", "", false
	}
	m := spotifyURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", "", false
	}
	kind, id := m[1], m[2]

	switch kind {
	case "track":
		var st spotifyTrack
		if err := c.get(ctx, "/tracks/"+id, &st); err != nil {
			c.log.Debug("spotify track lookup failed", zap.String("id", id), zap.Error(err))
			return "", "", false
		}
		t := st.toTrack()
		return t.Title, t.Author, t.Title != ""
	case "album":
		var body struct {
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		}
		if err := c.get(ctx, "/albums/"+id, &body); err != nil {
			return "", "", false
		}
		if len(body.Artists) > 0 {
			author = body.Artists[0].Name
		}
		return body.Name, author, body.Name != ""
	case "playlist":
		var body struct {
			Name string `json:"name"`
		}
		if err := c.get(ctx, "/playlists/"+id, &body); err != nil {
			return "", "", false
		}
		return body.Name, "", body.Name != ""
	}
	return "", "", false
}
