package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventKind labels playback events fed into the state machine.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventUpdate    EventKind = "update"
	EventEnd       EventKind = "end"
	EventException EventKind = "exception"
	EventStuck     EventKind = "stuck"
	EventClosed    EventKind = "closed"
)

// End reasons carried by EventEnd.
const (
	EndFinished   = "finished"
	EndLoadFailed = "loadFailed"
	EndStopped    = "stopped"
	EndReplaced   = "replaced"
	EndCleanup    = "cleanup"
)

// Event is one playback event for one guild, decoupled from the node client
// so the state machine can be driven by a fake event source in tests.
type Event struct {
	Kind       EventKind
	GuildID    string
	EndReason  string
	PositionMs int64
	ErrorMsg   string
}

const eventOpTimeout = 10 * time.Second

// Lifecycle notices.
const (
	noticeQueueDone  = "Queue finished, nothing left to play."
	noticeInactive   = "Leaving voice: nothing played for a while."
	noticeNoListener = "Leaving voice: no one is listening."
	noticeKicked     = "I was disconnected from the voice channel."
)

// HandleEvent is the single entry point for playback events. Within one
// guild, events must arrive in order (the node read loop guarantees this).
func (r *Registry) HandleEvent(ev Event) {
	q := r.Get(ev.GuildID)
	if q == nil {
		return
	}

	switch ev.Kind {
	case EventStart:
		q.mu.Lock()
		q.positionMs = 0
		q.startedAt = r.now()
		q.paused = false
		q.mu.Unlock()
		// Playback is alive again: neither teardown may fire.
		r.CancelTimers(ev.GuildID)

	case EventUpdate:
		q.mu.Lock()
		q.positionMs = ev.PositionMs
		q.mu.Unlock()

	case EventEnd:
		if ev.EndReason == EndReplaced {
			return
		}
		q.mu.Lock()
		manual := q.manualDisconnect
		q.mu.Unlock()
		if ev.EndReason == EndStopped && manual {
			return
		}
		r.advance(q)

	case EventException, EventStuck:
		r.log.Warn("track playback fault, skipping",
			zap.String("guild", ev.GuildID),
			zap.String("kind", string(ev.Kind)),
			zap.String("error", ev.ErrorMsg))
		r.advance(q)

	case EventClosed:
		r.mu.Lock()
		delete(r.queues, ev.GuildID)
		r.cancelTimersLocked(ev.GuildID)
		r.mu.Unlock()

		q.mu.Lock()
		manual := q.manualDisconnect
		q.mu.Unlock()
		if !manual {
			r.notify(q, noticeKicked)
		}
		r.log.Info("voice connection closed by platform",
			zap.String("guild", ev.GuildID), zap.Bool("manual", manual))
	}
}

// advance pops the next pending track and starts it, skipping tracks the
// player refuses. When pending is exhausted the queue goes idle and the
// inactivity timer is armed.
func (r *Registry) advance(q *GuildQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.current = nil
			q.positionMs = 0
			q.mu.Unlock()

			r.notify(q, noticeQueueDone)
			r.armInactivity(q.GuildID)
			return
		}

		next := q.pending[0]
		q.pending = q.pending[1:]
		q.current = &next
		q.positionMs = 0
		q.startedAt = r.now()
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
		err := r.player.Play(ctx, q.GuildID, next.Encoded)
		cancel()
		if err == nil {
			return
		}
		r.log.Warn("failed to start next track, skipping",
			zap.String("guild", q.GuildID),
			zap.String("title", next.Title),
			zap.Error(err))
	}
}

// VoiceMembership feeds the external voice-presence signal: humanCount is
// the number of non-bot members sharing the bot's voice channel. Zero arms
// the empty-voice timer, anyone rejoining cancels it.
func (r *Registry) VoiceMembership(guildID string, humanCount int) {
	if r.Get(guildID) == nil {
		return
	}
	if humanCount > 0 {
		r.mu.Lock()
		if t, ok := r.emptyVoice[guildID]; ok {
			t.Stop()
			delete(r.emptyVoice, guildID)
		}
		r.mu.Unlock()
		return
	}
	r.armEmptyVoice(guildID)
}

func (r *Registry) armInactivity(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.inactivity[guildID]; ok {
		t.Stop()
	}
	r.inactivity[guildID] = time.AfterFunc(r.InactivityTimeout, func() {
		r.inactivityFired(guildID)
	})
}

func (r *Registry) armEmptyVoice(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.emptyVoice[guildID]; ok {
		return // already pending
	}
	r.emptyVoice[guildID] = time.AfterFunc(r.EmptyVoiceTimeout, func() {
		r.emptyVoiceFired(guildID)
	})
}

func (r *Registry) inactivityFired(guildID string) {
	r.mu.Lock()
	delete(r.inactivity, guildID)
	r.mu.Unlock()

	q := r.Get(guildID)
	if q == nil || !q.idle() {
		return
	}
	r.notify(q, noticeInactive)
	ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
	defer cancel()
	r.Destroy(ctx, guildID, false)
}

func (r *Registry) emptyVoiceFired(guildID string) {
	r.mu.Lock()
	delete(r.emptyVoice, guildID)
	r.mu.Unlock()

	q := r.Get(guildID)
	if q == nil {
		return
	}
	r.notify(q, noticeNoListener)
	ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
	defer cancel()
	r.Destroy(ctx, guildID, false)
}

// CancelTimers stops both lifecycle timers for a guild. Any mutation that
// changes "something is about to play" calls this first.
func (r *Registry) CancelTimers(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelTimersLocked(guildID)
}

// TimersPending reports whether the inactivity and empty-voice timers are
// armed for a guild.
func (r *Registry) TimersPending(guildID string) (inactivity, emptyVoice bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inactivity = r.inactivity[guildID]
	_, emptyVoice = r.emptyVoice[guildID]
	return inactivity, emptyVoice
}

func (r *Registry) cancelTimersLocked(guildID string) {
	if t, ok := r.inactivity[guildID]; ok {
		t.Stop()
		delete(r.inactivity, guildID)
	}
	if t, ok := r.emptyVoice[guildID]; ok {
		t.Stop()
		delete(r.emptyVoice, guildID)
	}
}
