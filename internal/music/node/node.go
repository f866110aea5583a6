// Package node is the client for the external audio-processing node
// (Lavalink v4 wire protocol): REST for track resolution and player control,
// a websocket for playback events.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
)

const clientName = "muselink/1.0"

// Config locates and authenticates against the node.
type Config struct {
	Host     string
	Port     int
	Password string
	Secure   bool
}

func (c Config) restBase() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c Config) wsURL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, c.Host, c.Port)
}

// Client is the single, shared connection to the node. All guilds reuse it;
// per-guild players are addressed by guild id on the REST surface.
type Client struct {
	cfg   Config
	httpc *http.Client
	log   *zap.Logger

	mu        sync.Mutex
	userID    string
	sessionID string
	connected bool
	handler   EventHandler
	voice     map[string]*voiceState

	// dialMu serializes websocket dials so concurrent first-use shares one
	// connection instead of racing to open several.
	dialMu sync.Mutex
}

type voiceState struct {
	token     string
	endpoint  string
	sessionID string
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 20 * time.Second},
		log:   log,
		voice: make(map[string]*voiceState),
	}
}

// SetHandler registers the single event handler. Must be called before
// Connect.
func (c *Client) SetHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connected reports whether the event websocket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type nodeTrack struct {
	Encoded string `json:"encoded"`
	Info    struct {
		Identifier string `json:"identifier"`
		Title      string `json:"title"`
		Author     string `json:"author"`
		Length     int64  `json:"length"`
		IsStream   bool   `json:"isStream"`
		URI        string `json:"uri"`
		ArtworkURL string `json:"artworkUrl"`
		SourceName string `json:"sourceName"`
	} `json:"info"`
}

func (nt *nodeTrack) toTrack(input string) track.Track {
	return track.Track{
		Encoded:       nt.Encoded,
		ID:            nt.Info.Identifier,
		ResolvedInput: input,
		Title:         nt.Info.Title,
		Author:        nt.Info.Author,
		URL:           nt.Info.URI,
		ArtworkURL:    nt.Info.ArtworkURL,
		DurationMs:    nt.Info.Length,
		Live:          nt.Info.IsStream,
		Source:        track.FromNodeName(nt.Info.SourceName),
	}
}

// LoadResult is the node's answer to a resolve call.
type LoadResult struct {
	Type     string // track, playlist, search, empty, error
	Tracks   []track.Track
	Playlist *track.Playlist
	ErrorMsg string
}

// Load resolves an identifier (URL or prefixed search like "spsearch:...")
// into tracks.
func (c *Client) Load(ctx context.Context, identifier string) (LoadResult, error) {
	endpoint := c.cfg.restBase() + "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return LoadResult{}, err
	}
	req.Header.Set("Authorization", c.cfg.Password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return LoadResult{}, fmt.Errorf("node loadtracks failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return LoadResult{}, fmt.Errorf("node loadtracks returned %d", resp.StatusCode)
	}

	var body struct {
		LoadType string          `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LoadResult{}, err
	}

	res := LoadResult{Type: body.LoadType}
	switch body.LoadType {
	case "track":
		var nt nodeTrack
		if err := json.Unmarshal(body.Data, &nt); err != nil {
			return res, err
		}
		res.Tracks = []track.Track{nt.toTrack(identifier)}
	case "search":
		var nts []nodeTrack
		if err := json.Unmarshal(body.Data, &nts); err != nil {
			return res, err
		}
		for i := range nts {
			res.Tracks = append(res.Tracks, nts[i].toTrack(identifier))
		}
	case "playlist":
		var pl struct {
			Info struct {
				Name string `json:"name"`
			} `json:"info"`
			Tracks []nodeTrack `json:"tracks"`
		}
		if err := json.Unmarshal(body.Data, &pl); err != nil {
			return res, err
		}
		tracks := make([]track.Track, 0, len(pl.Tracks))
		for i := range pl.Tracks {
			tracks = append(tracks, pl.Tracks[i].toTrack(identifier))
		}
		res.Tracks = tracks
		res.Playlist = &track.Playlist{Name: pl.Info.Name, URL: identifier, Tracks: tracks}
	case "error":
		var ex struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body.Data, &ex)
		res.ErrorMsg = ex.Message
	}
	return res, nil
}

// LoadTracks is the flattened form used by the catalog resolver.
func (c *Client) LoadTracks(ctx context.Context, identifier string) ([]track.Track, error) {
	res, err := c.Load(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if res.Type == "error" {
		return nil, fmt.Errorf("node load error: %s", res.ErrorMsg)
	}
	return res.Tracks, nil
}

func (c *Client) updatePlayer(ctx context.Context, guildID string, body map[string]any) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return fmt.Errorf("node session not established")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v4/sessions/%s/players/%s?noReplace=false", c.cfg.restBase(), sessionID, guildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("node player update failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("node player update returned %d", resp.StatusCode)
	}
	return nil
}

// Play starts playback of an encoded track payload on a guild's player.
func (c *Client) Play(ctx context.Context, guildID, encoded string) error {
	return c.updatePlayer(ctx, guildID, map[string]any{
		"track": map[string]any{"encoded": encoded},
	})
}

// Stop clears the guild player's current track.
func (c *Client) Stop(ctx context.Context, guildID string) error {
	return c.updatePlayer(ctx, guildID, map[string]any{
		"track": map[string]any{"encoded": nil},
	})
}

// Pause pauses or resumes the guild player.
func (c *Client) Pause(ctx context.Context, guildID string, paused bool) error {
	return c.updatePlayer(ctx, guildID, map[string]any{"paused": paused})
}

// SetVolume sets the guild player volume (0-1000).
func (c *Client) SetVolume(ctx context.Context, guildID string, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 1000 {
		volume = 1000
	}
	return c.updatePlayer(ctx, guildID, map[string]any{"volume": volume})
}

// Seek moves the guild player to a position in milliseconds.
func (c *Client) Seek(ctx context.Context, guildID string, positionMs int64) error {
	return c.updatePlayer(ctx, guildID, map[string]any{"position": positionMs})
}

// Destroy tears down the guild's player on the node.
func (c *Client) Destroy(ctx context.Context, guildID string) error {
	c.mu.Lock()
	sessionID := c.sessionID
	delete(c.voice, guildID)
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	endpoint := fmt.Sprintf("%s/v4/sessions/%s/players/%s", c.cfg.restBase(), sessionID, guildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.cfg.Password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("node player destroy failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// OnVoiceServerUpdate stores the platform voice server credentials for a
// guild and pushes them to the node once the pair is complete.
func (c *Client) OnVoiceServerUpdate(ctx context.Context, guildID, token, endpoint string) {
	c.mu.Lock()
	vs := c.voiceFor(guildID)
	vs.token = token
	vs.endpoint = endpoint
	ready := vs.sessionID != ""
	c.mu.Unlock()

	if ready {
		c.pushVoice(ctx, guildID)
	}
}

// OnVoiceSession stores the bot's own voice session id for a guild and
// pushes the voice state to the node once the pair is complete.
func (c *Client) OnVoiceSession(ctx context.Context, guildID, sessionID string) {
	c.mu.Lock()
	vs := c.voiceFor(guildID)
	vs.sessionID = sessionID
	ready := vs.token != "" && vs.endpoint != ""
	c.mu.Unlock()

	if ready {
		c.pushVoice(ctx, guildID)
	}
}

func (c *Client) voiceFor(guildID string) *voiceState {
	vs, ok := c.voice[guildID]
	if !ok {
		vs = &voiceState{}
		c.voice[guildID] = vs
	}
	return vs
}

func (c *Client) pushVoice(ctx context.Context, guildID string) {
	c.mu.Lock()
	vs := c.voiceFor(guildID)
	body := map[string]any{
		"voice": map[string]any{
			"token":     vs.token,
			"endpoint":  vs.endpoint,
			"sessionId": vs.sessionID,
		},
	}
	c.mu.Unlock()

	if err := c.updatePlayer(ctx, guildID, body); err != nil {
		c.log.Warn("failed to push voice state to node", zap.String("guild", guildID), zap.Error(err))
	}
}
