// Package queue owns per-guild playback state: the pending track list, the
// current track, and the lifecycle timers that tear an idle queue down.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
)

// Player is the narrow control surface of a guild's player on the audio
// node.
type Player interface {
	Play(ctx context.Context, guildID, encoded string) error
	Stop(ctx context.Context, guildID string) error
	Pause(ctx context.Context, guildID string, paused bool) error
	SetVolume(ctx context.Context, guildID string, volume int) error
	Seek(ctx context.Context, guildID string, positionMs int64) error
	Destroy(ctx context.Context, guildID string) error
}

// Notifier delivers lifecycle notices to a text channel.
type Notifier interface {
	Notify(channelID, message string)
}

var (
	ErrNoQueue        = errors.New("no queue for guild")
	ErrNotPlayable    = errors.New("track has no encoded payload")
	ErrNothingToPlay  = errors.New("no tracks supplied")
	ErrNothingPlaying = errors.New("nothing is playing")
)

const defaultVolume = 100

// GuildQueue is the playback state of one guild. All mutation goes through
// Registry methods, which serialize per guild via the queue's own mutex.
type GuildQueue struct {
	GuildID string

	mu             sync.Mutex
	textChannelID  string
	voiceChannelID string
	pending        []track.Track
	current        *track.Track
	positionMs     int64
	startedAt      time.Time
	paused         bool
	volume         int

	// manualDisconnect marks an intentional teardown so the closed event
	// does not report a kick. eventsAttached guards double handler wiring.
	manualDisconnect bool
	eventsAttached   bool
}

// Current returns a copy of the playing track, or nil when idle.
func (q *GuildQueue) Current() *track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	t := *q.current
	return &t
}

// Pending returns a copy of the queued tracks.
func (q *GuildQueue) Pending() []track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]track.Track, len(q.pending))
	copy(out, q.pending)
	return out
}

// PositionMs returns the last reported playback position.
func (q *GuildQueue) PositionMs() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionMs
}

// Paused reports whether playback is paused.
func (q *GuildQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Volume returns the current volume (0-1000).
func (q *GuildQueue) Volume() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.volume
}

// TextChannelID returns where lifecycle notices go.
func (q *GuildQueue) TextChannelID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.textChannelID
}

// VoiceChannelID returns the joined voice channel.
func (q *GuildQueue) VoiceChannelID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.voiceChannelID
}

// SetTextChannel rebinds where lifecycle notices are sent.
func (q *GuildQueue) SetTextChannel(channelID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.textChannelID = channelID
}

// MarkEventsAttached flips the double-registration guard, reporting whether
// this caller won the right to attach.
func (q *GuildQueue) MarkEventsAttached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.eventsAttached {
		return false
	}
	q.eventsAttached = true
	return true
}

func (q *GuildQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == nil && len(q.pending) == 0
}

// Registry maps guild ids to their queues and pending lifecycle timers.
// It is injected rather than package-global so tests can run isolated
// instances.
type Registry struct {
	mu         sync.Mutex
	queues     map[string]*GuildQueue
	inactivity map[string]*time.Timer
	emptyVoice map[string]*time.Timer

	player   Player
	notifier Notifier
	log      *zap.Logger

	InactivityTimeout time.Duration
	EmptyVoiceTimeout time.Duration

	now func() time.Time
}

func NewRegistry(player Player, notifier Notifier, log *zap.Logger, inactivityTimeout, emptyVoiceTimeout time.Duration) *Registry {
	return &Registry{
		queues:            make(map[string]*GuildQueue),
		inactivity:        make(map[string]*time.Timer),
		emptyVoice:        make(map[string]*time.Timer),
		player:            player,
		notifier:          notifier,
		log:               log,
		InactivityTimeout: inactivityTimeout,
		EmptyVoiceTimeout: emptyVoiceTimeout,
		now:               time.Now,
	}
}

// Get returns the guild's queue, or nil.
func (r *Registry) Get(guildID string) *GuildQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[guildID]
}

// GetOrCreate returns the guild's queue, creating it on first use. For an
// existing queue only the stored channels are refreshed; playback state and
// event wiring are untouched.
func (r *Registry) GetOrCreate(guildID, textChannelID, voiceChannelID string) (*GuildQueue, bool) {
	r.mu.Lock()
	q, existed := r.queues[guildID]
	if !existed {
		q = &GuildQueue{
			GuildID:        guildID,
			textChannelID:  textChannelID,
			voiceChannelID: voiceChannelID,
			volume:         defaultVolume,
		}
		r.queues[guildID] = q
	}
	r.mu.Unlock()

	if existed {
		q.mu.Lock()
		q.textChannelID = textChannelID
		q.voiceChannelID = voiceChannelID
		q.mu.Unlock()
	}
	return q, !existed
}

// PlayResult reports how an enqueue request landed.
type PlayResult struct {
	Started       bool
	Track         track.Track
	QueuePosition int
	EtaMs         int64
}

// Play starts the first track immediately when the guild is idle, pushing
// the rest to pending; otherwise it appends everything and computes the ETA
// for the first appended track.
func (r *Registry) Play(ctx context.Context, guildID string, tracks []track.Track) (PlayResult, error) {
	if len(tracks) == 0 {
		return PlayResult{}, ErrNothingToPlay
	}
	for i := range tracks {
		if !tracks[i].Playable() {
			return PlayResult{}, ErrNotPlayable
		}
	}

	q := r.Get(guildID)
	if q == nil {
		return PlayResult{}, ErrNoQueue
	}

	q.mu.Lock()
	if q.current == nil {
		// Something is about to play: kill pending teardown first.
		r.CancelTimers(guildID)

		first := tracks[0]
		prevPending := len(q.pending)
		q.current = &first
		q.pending = append(q.pending, tracks[1:]...)
		q.positionMs = 0
		q.startedAt = r.now()
		q.paused = false
		q.mu.Unlock()

		if err := r.player.Play(ctx, guildID, first.Encoded); err != nil {
			q.mu.Lock()
			q.current = nil
			q.pending = q.pending[:prevPending]
			q.mu.Unlock()
			return PlayResult{}, err
		}
		return PlayResult{Started: true, Track: first}, nil
	}

	eta := q.remainingLocked()
	for _, p := range q.pending {
		eta += p.DurationMs
	}
	position := len(q.pending) + 1
	q.pending = append(q.pending, tracks...)
	q.mu.Unlock()

	return PlayResult{
		Track:         tracks[0],
		QueuePosition: position,
		EtaMs:         eta,
	}, nil
}

// remainingLocked computes the time left on the current track. Callers hold
// q.mu. Live streams report zero remaining time.
func (q *GuildQueue) remainingLocked() int64 {
	if q.current == nil || q.current.Live {
		return 0
	}
	rem := q.current.DurationMs - q.positionMs
	if rem < 0 {
		return 0
	}
	return rem
}

// Skip stops the current track; the node's end event advances the queue.
func (r *Registry) Skip(ctx context.Context, guildID string) error {
	q := r.Get(guildID)
	if q == nil {
		return ErrNoQueue
	}
	if q.Current() == nil {
		return ErrNothingPlaying
	}
	return r.player.Stop(ctx, guildID)
}

// Pause pauses or resumes playback.
func (r *Registry) Pause(ctx context.Context, guildID string, paused bool) error {
	q := r.Get(guildID)
	if q == nil {
		return ErrNoQueue
	}
	if err := r.player.Pause(ctx, guildID, paused); err != nil {
		return err
	}
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
	return nil
}

// SetVolume delegates to the player, clamped to 0-1000.
func (r *Registry) SetVolume(ctx context.Context, guildID string, volume int) error {
	q := r.Get(guildID)
	if q == nil {
		return ErrNoQueue
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1000 {
		volume = 1000
	}
	if err := r.player.SetVolume(ctx, guildID, volume); err != nil {
		return err
	}
	q.mu.Lock()
	q.volume = volume
	q.mu.Unlock()
	return nil
}

// Seek delegates to the player.
func (r *Registry) Seek(ctx context.Context, guildID string, positionMs int64) error {
	q := r.Get(guildID)
	if q == nil {
		return ErrNoQueue
	}
	if err := r.player.Seek(ctx, guildID, positionMs); err != nil {
		return err
	}
	q.mu.Lock()
	q.positionMs = positionMs
	q.mu.Unlock()
	return nil
}

// Destroy tears a guild's queue down: clears state, destroys the node
// player, and removes the guild from the registry and both timer maps.
func (r *Registry) Destroy(ctx context.Context, guildID string, manual bool) {
	r.mu.Lock()
	q := r.queues[guildID]
	delete(r.queues, guildID)
	r.cancelTimersLocked(guildID)
	r.mu.Unlock()

	if q == nil {
		return
	}

	q.mu.Lock()
	q.manualDisconnect = manual
	q.pending = nil
	q.current = nil
	q.mu.Unlock()

	if err := r.player.Destroy(ctx, guildID); err != nil {
		r.log.Warn("player teardown failed", zap.String("guild", guildID), zap.Error(err))
	}
	r.log.Info("queue destroyed", zap.String("guild", guildID), zap.Bool("manual", manual))
}

func (r *Registry) notify(q *GuildQueue, message string) {
	ch := q.TextChannelID()
	if ch == "" {
		return
	}
	r.notifier.Notify(ch, message)
}
