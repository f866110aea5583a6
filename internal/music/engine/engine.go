// Package engine ties resolution, scoring, the audio node and the per-guild
// queues together behind the surface the command layer talks to.
package engine

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"muselink/internal/music/catalog"
	"muselink/internal/music/node"
	"muselink/internal/music/queue"
	"muselink/internal/music/radio"
	"muselink/internal/music/scoring"
	"muselink/internal/music/track"
)

// Reason codes surfaced to the command layer instead of raw errors.
type Reason string

const (
	ReasonEmptyQuery          Reason = "empty_query"
	ReasonNotFound            Reason = "not_found"
	ReasonBlockedSource       Reason = "blocked_source"
	ReasonYouTubeNotSupported Reason = "youtube_not_supported"
	ReasonInternalError       Reason = "internal_error"
)

// Node is the slice of the audio node client the engine needs.
type Node interface {
	Connect(ctx context.Context, userID string) error
	Load(ctx context.Context, identifier string) (node.LoadResult, error)
	SetHandler(h node.EventHandler)
}

// VoiceClient joins and leaves voice channels on the chat platform.
type VoiceClient interface {
	JoinVoice(guildID, channelID string) error
	LeaveVoice(guildID string) error
}

// SearchResult is the outcome of resolving user input into playable tracks.
type SearchResult struct {
	OK       bool
	Tracks   []track.Track
	Playlist *track.Playlist
	Reason   Reason
	Source   track.Source
}

// PlayOutcome reports how a play request ended up: started right away,
// queued behind the current track, or refused with a reason code.
type PlayOutcome struct {
	OK            bool
	Mode          string // "started" or "queued"
	Track         track.Track
	Playlist      *track.Playlist
	QueuePosition int
	EtaMs         int64
	Reason        Reason
	Source        track.Source
}

// Engine is the orchestration layer. One per process.
type Engine struct {
	node    Node
	catalog *catalog.Service
	oembed  *catalog.OEmbedClient
	radio   *radio.Resolver
	queues  *queue.Registry
	voice   VoiceClient
	log     *zap.Logger

	mu     sync.Mutex
	userID string
}

func New(n Node, cat *catalog.Service, oembed *catalog.OEmbedClient, rad *radio.Resolver, queues *queue.Registry, voice VoiceClient, log *zap.Logger) *Engine {
	e := &Engine{
		node:    n,
		catalog: cat,
		oembed:  oembed,
		radio:   rad,
		queues:  queues,
		voice:   voice,
		log:     log,
	}
	n.SetHandler(e.onNodeEvent)
	return e
}

// SetUserID records the bot's own user id, needed for the node handshake.
func (e *Engine) SetUserID(id string) {
	e.mu.Lock()
	e.userID = id
	e.mu.Unlock()
}

func (e *Engine) getUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

func (e *Engine) onNodeEvent(ev node.Event) {
	e.queues.HandleEvent(queue.Event{
		Kind:       mapEventKind(ev.Type),
		GuildID:    ev.GuildID,
		EndReason:  ev.EndReason,
		PositionMs: ev.PositionMs,
		ErrorMsg:   ev.ErrorMsg,
	})
}

func mapEventKind(t node.EventType) queue.EventKind {
	switch t {
	case node.EventTrackStart:
		return queue.EventStart
	case node.EventPlayerUpdate:
		return queue.EventUpdate
	case node.EventTrackEnd:
		return queue.EventEnd
	case node.EventTrackException:
		return queue.EventException
	case node.EventTrackStuck:
		return queue.EventStuck
	case node.EventClosed:
		return queue.EventClosed
	}
	return queue.EventKind(t)
}

// SearchPlayable classifies the input and resolves it into playable tracks.
// The classification is deterministic: URL shape alone picks the branch.
func (e *Engine) SearchPlayable(ctx context.Context, input, requester string) SearchResult {
	input = strings.TrimSpace(input)
	if input == "" {
		return SearchResult{Reason: ReasonEmptyQuery}
	}

	if isURL(input) {
		switch {
		case isYouTubeVideoURL(input):
			return e.searchViaOEmbed(ctx, input, track.SourceYouTube, requester)
		case isSoundCloudURL(input):
			return e.searchViaOEmbed(ctx, input, track.SourceSoundCloud, requester)
		default:
			return e.searchDirectURL(ctx, input, requester)
		}
	}

	tracks := e.searchText(ctx, input, requester)
	if len(tracks) == 0 {
		return SearchResult{Reason: ReasonNotFound}
	}
	return SearchResult{OK: true, Tracks: tracks}
}

// searchViaOEmbed turns a blocked platform URL into a text query through the
// platform's oEmbed endpoint and runs a catalog search on the result. Both
// failure points report the source-specific reason.
func (e *Engine) searchViaOEmbed(ctx context.Context, rawURL string, src track.Source, requester string) SearchResult {
	reason := ReasonBlockedSource
	if src == track.SourceYouTube {
		reason = ReasonYouTubeNotSupported
	}

	derived, err := e.oembed.DerivedQuery(ctx, rawURL, src)
	if err != nil || derived == "" {
		e.log.Debug("oembed conversion failed", zap.String("url", rawURL), zap.Error(err))
		return SearchResult{Reason: reason, Source: src}
	}

	tracks := e.searchText(ctx, derived, requester)
	if len(tracks) == 0 {
		return SearchResult{Reason: reason, Source: src}
	}
	return SearchResult{OK: true, Tracks: tracks}
}

// searchDirectURL resolves a bare URL against the node, keeping only tracks
// from the allowed sources. Spotify and Apple URLs that the node cannot load
// fall back to platform metadata plus a catalog search.
func (e *Engine) searchDirectURL(ctx context.Context, rawURL, requester string) SearchResult {
	expected := expectedSource(rawURL)

	res, err := e.node.Load(ctx, rawURL)
	if err != nil {
		e.log.Warn("node load failed", zap.String("url", rawURL), zap.Error(err))
	} else {
		kept := filterPlayable(res.Tracks, expected)
		for i := range kept {
			kept[i].Requester = requester
		}
		if len(kept) > 0 {
			out := SearchResult{OK: true, Tracks: kept}
			if res.Type == "playlist" && res.Playlist != nil {
				pl := *res.Playlist
				pl.Tracks = kept
				out.Playlist = &pl
			}
			return out
		}
	}

	if title, author, ok := e.lookupMetadata(ctx, rawURL, expected); ok {
		query := strings.TrimSpace(title + " " + author)
		if tracks := e.searchText(ctx, query, requester); len(tracks) > 0 {
			return SearchResult{OK: true, Tracks: tracks}
		}
	}
	return SearchResult{Reason: ReasonNotFound}
}

func (e *Engine) lookupMetadata(ctx context.Context, rawURL string, src track.Source) (title, author string, ok bool) {
	switch src {
	case track.SourceSpotify:
		return e.catalog.Spotify.LookupURL(ctx, rawURL)
	case track.SourceApple:
		return e.catalog.Apple.LookupURL(ctx, rawURL)
	}
	return "", "", false
}

// searchText resolves free text: node-native prefixed searches across the
// three streaming platforms first, the external catalogs as fallback.
func (e *Engine) searchText(ctx context.Context, query, requester string) []track.Track {
	tracks := e.nodeSearch(ctx, query, requester)
	if len(tracks) > 0 {
		return tracks
	}
	return e.catalog.Search(ctx, query, requester)
}

var searchPrefixes = []string{"spsearch:", "amsearch:", "dzsearch:"}

func (e *Engine) nodeSearch(ctx context.Context, query, requester string) []track.Track {
	var (
		mu     sync.Mutex
		merged []track.Track
		wg     sync.WaitGroup
	)
	for _, prefix := range searchPrefixes {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			res, err := e.node.Load(ctx, prefix+query)
			if err != nil {
				e.log.Debug("node search failed", zap.String("prefix", prefix), zap.Error(err))
				return
			}
			mu.Lock()
			merged = append(merged, res.Tracks...)
			mu.Unlock()
		}(prefix)
	}
	wg.Wait()

	kept := merged[:0]
	for _, t := range merged {
		if !t.Playable() || !t.Source.Streamable() {
			continue
		}
		if scoring.IsLikelyPodcast(t.Title, t.Author, t.URL) {
			continue
		}
		kept = append(kept, t)
	}
	scoring.ScoreAll(kept, query)
	kept = scoring.Dedupe(kept)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	for i := range kept {
		kept[i].Query = query
		kept[i].Requester = requester
	}
	return kept
}

func filterPlayable(tracks []track.Track, expected track.Source) []track.Track {
	var kept []track.Track
	for _, t := range tracks {
		if !t.Playable() || !t.Source.Streamable() {
			continue
		}
		if expected != track.SourceUnknown && t.Source != expected {
			continue
		}
		if scoring.IsLikelyPodcast(t.Title, t.Author, t.URL) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// PlayRequest carries one play command from the chat layer.
type PlayRequest struct {
	GuildID        string
	TextChannelID  string
	VoiceChannelID string
	Requester      string
	Input          string

	// PreResolved short-circuits resolution: the caller already picked a
	// track (manual disambiguation). PreSearch supplies candidates from an
	// earlier SearchPlayable call so resolution is not repeated.
	PreResolved *track.Track
	PreSearch   []track.Track
}

// Play resolves the request and starts or enqueues the result.
func (e *Engine) Play(ctx context.Context, req PlayRequest) PlayOutcome {
	if _, err := e.EnsureQueue(ctx, req.GuildID, req.TextChannelID, req.VoiceChannelID); err != nil {
		e.log.Error("queue setup failed", zap.String("guild", req.GuildID), zap.Error(err))
		return PlayOutcome{Reason: ReasonInternalError}
	}

	var (
		tracks   []track.Track
		playlist *track.Playlist
	)
	switch {
	case req.PreResolved != nil:
		tracks = []track.Track{*req.PreResolved}
	case len(req.PreSearch) > 0:
		if best, ok := scoring.StrongMatch(req.PreSearch, req.Input); ok {
			tracks = []track.Track{best}
		} else {
			tracks = []track.Track{req.PreSearch[0]}
		}
	default:
		res := e.SearchPlayable(ctx, req.Input, req.Requester)
		if !res.OK {
			return PlayOutcome{Reason: res.Reason, Source: res.Source}
		}
		playlist = res.Playlist
		if playlist != nil {
			tracks = res.Tracks
		} else {
			if best, ok := scoring.StrongMatch(res.Tracks, req.Input); ok {
				tracks = []track.Track{best}
			} else {
				tracks = res.Tracks[:1]
			}
		}
	}

	result, err := e.queues.Play(ctx, req.GuildID, tracks)
	if err != nil {
		e.log.Error("playback start failed", zap.String("guild", req.GuildID), zap.Error(err))
		return PlayOutcome{Reason: ReasonInternalError}
	}

	out := PlayOutcome{OK: true, Track: result.Track, Playlist: playlist}
	if result.Started {
		out.Mode = "started"
	} else {
		out.Mode = "queued"
		out.QueuePosition = result.QueuePosition
		out.EtaMs = result.EtaMs
	}
	return out
}

// PlayRadioStation resolves a station's stream URL and plays it as a live
// track. An unresolvable stream reports not_found, never an error.
func (e *Engine) PlayRadioStation(ctx context.Context, guildID, textChannelID, voiceChannelID string, station track.Station) PlayOutcome {
	if _, err := e.EnsureQueue(ctx, guildID, textChannelID, voiceChannelID); err != nil {
		e.log.Error("queue setup failed", zap.String("guild", guildID), zap.Error(err))
		return PlayOutcome{Reason: ReasonInternalError}
	}

	streamURL := e.radio.ResolveStreamURL(ctx, station.URL)
	if streamURL == "" {
		return PlayOutcome{Reason: ReasonNotFound}
	}

	res, err := e.node.Load(ctx, streamURL)
	if err != nil || len(res.Tracks) == 0 {
		e.log.Warn("station stream not loadable", zap.String("station", station.Name), zap.Error(err))
		return PlayOutcome{Reason: ReasonNotFound}
	}

	t := res.Tracks[0]
	t.Source = track.SourceRadio
	t.Live = true
	st := station
	t.Station = &st
	if t.Title == "" || t.Title == "Unknown title" {
		t.Title = station.Name
	}

	result, err := e.queues.Play(ctx, guildID, []track.Track{t})
	if err != nil {
		e.log.Error("radio playback failed", zap.String("guild", guildID), zap.Error(err))
		return PlayOutcome{Reason: ReasonInternalError}
	}
	out := PlayOutcome{OK: true, Track: result.Track, Mode: "queued"}
	if result.Started {
		out.Mode = "started"
	} else {
		out.QueuePosition = result.QueuePosition
		out.EtaMs = result.EtaMs
	}
	return out
}

// EnsureQueue lazily connects the node, creates the guild queue on first use
// and joins the voice channel. Re-invocation only refreshes channel bindings.
func (e *Engine) EnsureQueue(ctx context.Context, guildID, textChannelID, voiceChannelID string) (*queue.GuildQueue, error) {
	if err := e.node.Connect(ctx, e.getUserID()); err != nil {
		return nil, err
	}

	q, _ := e.queues.GetOrCreate(guildID, textChannelID, voiceChannelID)
	if q.MarkEventsAttached() {
		if err := e.voice.JoinVoice(guildID, voiceChannelID); err != nil {
			e.queues.Destroy(ctx, guildID, true)
			return nil, err
		}
	}
	return q, nil
}

// GetQueue returns the guild's queue, or nil when none exists.
func (e *Engine) GetQueue(guildID string) *queue.GuildQueue {
	return e.queues.Get(guildID)
}

// TouchOutputChannel rebinds where lifecycle notices for a guild are sent.
func (e *Engine) TouchOutputChannel(guildID, channelID string) {
	if q := e.queues.Get(guildID); q != nil {
		q.SetTextChannel(channelID)
	}
}

// VoiceMembership feeds the human listener count for a guild's voice channel
// into the queue lifecycle timers.
func (e *Engine) VoiceMembership(guildID string, humanCount int) {
	e.queues.VoiceMembership(guildID, humanCount)
}

// Skip stops the current track; the node's end event advances the queue.
func (e *Engine) Skip(ctx context.Context, guildID string) error {
	return e.queues.Skip(ctx, guildID)
}

// Pause pauses or resumes playback.
func (e *Engine) Pause(ctx context.Context, guildID string, paused bool) error {
	return e.queues.Pause(ctx, guildID, paused)
}

// SetVolume delegates to the player, clamped to its accepted range.
func (e *Engine) SetVolume(ctx context.Context, guildID string, volume int) error {
	return e.queues.SetVolume(ctx, guildID, volume)
}

// Seek moves the playhead of the current track.
func (e *Engine) Seek(ctx context.Context, guildID string, positionMs int64) error {
	return e.queues.Seek(ctx, guildID, positionMs)
}

// DestroyQueue is the user-requested teardown path: leave voice, drop the
// queue and both timers.
func (e *Engine) DestroyQueue(ctx context.Context, guildID string) {
	e.queues.Destroy(ctx, guildID, true)
	if err := e.voice.LeaveVoice(guildID); err != nil {
		e.log.Debug("voice leave failed", zap.String("guild", guildID), zap.Error(err))
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// isYouTubeVideoURL matches single-video URLs. Playlist and mix URLs carry a
// list parameter and are handled as plain node identifiers instead.
func isYouTubeVideoURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		return u.Query().Get("list") == ""
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if u.Query().Get("list") != "" {
			return false
		}
		return strings.HasPrefix(u.Path, "/watch") || strings.HasPrefix(u.Path, "/shorts/")
	}
	return false
}

func isSoundCloudURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == "soundcloud.com" || host == "on.soundcloud.com" || strings.HasSuffix(host, ".soundcloud.com")
}

// expectedSource maps a URL's host onto the platform it belongs to, so node
// results for that URL can be filtered to the matching source.
func expectedSource(rawURL string) track.Source {
	u, err := url.Parse(rawURL)
	if err != nil {
		return track.SourceUnknown
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "open.spotify.com" || strings.HasSuffix(host, ".spotify.com"):
		return track.SourceSpotify
	case host == "music.apple.com" || host == "itunes.apple.com":
		return track.SourceApple
	case host == "deezer.com" || strings.HasSuffix(host, ".deezer.com") || host == "deezer.page.link":
		return track.SourceDeezer
	}
	return track.SourceUnknown
}
