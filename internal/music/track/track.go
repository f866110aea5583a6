package track

import (
	"fmt"
	"time"
)

// Source identifies the platform a track came from.
type Source string

const (
	SourceSpotify    Source = "spotify"
	SourceApple      Source = "apple"
	SourceDeezer     Source = "deezer"
	SourceYouTube    Source = "youtube"
	SourceSoundCloud Source = "soundcloud"
	SourceRadio      Source = "radio"
	SourceUnknown    Source = "unknown"
)

// FromNodeName maps the audio node's sourceName field onto a Source.
func FromNodeName(name string) Source {
	switch name {
	case "spotify":
		return SourceSpotify
	case "applemusic":
		return SourceApple
	case "deezer":
		return SourceDeezer
	case "youtube":
		return SourceYouTube
	case "soundcloud":
		return SourceSoundCloud
	case "http":
		return SourceRadio
	default:
		return SourceUnknown
	}
}

// Streamable reports whether the source is one the bot may actually play.
// YouTube and SoundCloud are search-only stepping stones.
func (s Source) Streamable() bool {
	switch s {
	case SourceSpotify, SourceApple, SourceDeezer, SourceRadio:
		return true
	}
	return false
}

// Station is a radio station reference carried by radio tracks.
type Station struct {
	Name string
	URL  string
}

// Track is one playable unit. Encoded is the node's opaque payload and is
// required for playback; a Track without it exists only as a search candidate.
type Track struct {
	Encoded       string
	ID            string
	ResolvedInput string
	Query         string

	Title      string
	Author     string
	URL        string
	ArtworkURL string
	DurationMs int64
	Live       bool

	Source Source

	Requester   string
	RequestedAt time.Time
	Station     *Station

	// Score is populated only during ranking, never part of identity.
	Score int
}

// Playable reports whether the track can be handed to the node.
func (t *Track) Playable() bool {
	return t.Encoded != ""
}

// Playlist groups tracks resolved from a single playlist or album URL.
type Playlist struct {
	Name   string
	URL    string
	Tracks []Track
}

// FormatDuration renders a millisecond duration as m:ss or h:mm:ss.
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
