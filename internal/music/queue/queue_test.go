package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/track"
)

type fakePlayer struct {
	mu        sync.Mutex
	played    []string
	stopped   int
	destroyed int
	failNext  bool
}

func (f *fakePlayer) Play(_ context.Context, _ string, encoded string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("node refused track")
	}
	f.played = append(f.played, encoded)
	return nil
}

func (f *fakePlayer) Stop(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakePlayer) Pause(context.Context, string, bool) error    { return nil }
func (f *fakePlayer) SetVolume(context.Context, string, int) error { return nil }
func (f *fakePlayer) Seek(context.Context, string, int64) error    { return nil }
func (f *fakePlayer) Destroy(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakePlayer) playedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.played))
	copy(out, f.played)
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(_, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeNotifier) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	copy(out, f.messages)
	return out
}

func newTestRegistry(t *testing.T, timeout time.Duration) (*Registry, *fakePlayer, *fakeNotifier) {
	t.Helper()
	player := &fakePlayer{}
	notifier := &fakeNotifier{}
	return NewRegistry(player, notifier, zap.NewNop(), timeout, timeout), player, notifier
}

func mkTrack(n int, durationMs int64) track.Track {
	return track.Track{
		Encoded:    fmt.Sprintf("enc-%d", n),
		Title:      fmt.Sprintf("Track %d", n),
		DurationMs: durationMs,
		Source:     track.SourceSpotify,
	}
}

func TestPlayStartsImmediatelyWhenIdle(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	res, err := r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 180000)})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !res.Started {
		t.Fatalf("expected immediate start on idle queue")
	}
	if got := player.playedList(); len(got) != 1 || got[0] != "enc-1" {
		t.Fatalf("player got %v", got)
	}
}

func TestPlayQueuesWithPositionAndEta(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	if _, err := r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 180000)}); err != nil {
		t.Fatalf("first play: %v", err)
	}
	r.HandleEvent(Event{Kind: EventUpdate, GuildID: "g1", PositionMs: 60000})

	res, err := r.Play(context.Background(), "g1", []track.Track{mkTrack(2, 120000)})
	if err != nil {
		t.Fatalf("second play: %v", err)
	}
	if res.Started {
		t.Fatalf("second request must queue, not start")
	}
	if res.QueuePosition != 1 {
		t.Fatalf("queue position = %d, want 1", res.QueuePosition)
	}
	if res.EtaMs != 120000 {
		t.Fatalf("eta = %d, want 120000 (remaining on current)", res.EtaMs)
	}

	// A third request waits out the current remainder plus track 2.
	res, err = r.Play(context.Background(), "g1", []track.Track{mkTrack(3, 60000)})
	if err != nil {
		t.Fatalf("third play: %v", err)
	}
	if res.QueuePosition != 2 || res.EtaMs != 240000 {
		t.Fatalf("third: position=%d eta=%d, want 2/240000", res.QueuePosition, res.EtaMs)
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	ctx := context.Background()
	r.Play(ctx, "g1", []track.Track{mkTrack(1, 1000)})
	r.Play(ctx, "g1", []track.Track{mkTrack(2, 1000)})
	r.Play(ctx, "g1", []track.Track{mkTrack(3, 1000)})

	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndFinished})
	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndFinished})

	want := []string{"enc-1", "enc-2", "enc-3"}
	got := player.playedList()
	if len(got) != len(want) {
		t.Fatalf("played %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("played %v, want %v", got, want)
		}
	}
}

func TestUnplayableTrackRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	_, err := r.Play(context.Background(), "g1", []track.Track{{Title: "candidate only"}})
	if !errors.Is(err, ErrNotPlayable) {
		t.Fatalf("err = %v, want ErrNotPlayable", err)
	}
}

func TestEndReplacedIsNoop(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	ctx := context.Background()
	r.Play(ctx, "g1", []track.Track{mkTrack(1, 1000)})
	r.Play(ctx, "g1", []track.Track{mkTrack(2, 1000)})

	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndReplaced})
	if got := player.playedList(); len(got) != 1 {
		t.Fatalf("replaced end must not advance, played %v", got)
	}
	if q := r.Get("g1"); len(q.Pending()) != 1 {
		t.Fatalf("pending should be untouched")
	}
}

func TestExceptionSkipsToNext(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	ctx := context.Background()
	r.Play(ctx, "g1", []track.Track{mkTrack(1, 1000)})
	r.Play(ctx, "g1", []track.Track{mkTrack(2, 1000)})

	r.HandleEvent(Event{Kind: EventException, GuildID: "g1", ErrorMsg: "decoder blew up"})
	got := player.playedList()
	if len(got) != 2 || got[1] != "enc-2" {
		t.Fatalf("exception should advance to next track, played %v", got)
	}
}

func TestQueueExhaustionArmsInactivityTimer(t *testing.T) {
	r, player, notifier := newTestRegistry(t, 30*time.Millisecond)
	r.GetOrCreate("g1", "text", "voice")

	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})
	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndFinished})

	if inactive, _ := r.TimersPending("g1"); !inactive {
		t.Fatalf("inactivity timer should be armed on queue exhaustion")
	}

	deadline := time.After(2 * time.Second)
	for r.Get("g1") != nil {
		select {
		case <-deadline:
			t.Fatalf("inactivity timer never tore the queue down")
		case <-time.After(5 * time.Millisecond):
		}
	}

	player.mu.Lock()
	destroyed := player.destroyed
	player.mu.Unlock()
	if destroyed != 1 {
		t.Fatalf("player destroyed %d times, want 1", destroyed)
	}

	msgs := notifier.list()
	if len(msgs) < 2 || msgs[0] != noticeQueueDone || msgs[1] != noticeInactive {
		t.Fatalf("notices = %v", msgs)
	}
}

func TestStartCancelsBothTimers(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})
	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndFinished}) // idle, arms inactivity
	r.VoiceMembership("g1", 0)                                                 // arms empty-voice

	in, empty := r.TimersPending("g1")
	if !in || !empty {
		t.Fatalf("both timers should be pending, got inactivity=%v empty=%v", in, empty)
	}

	r.Play(context.Background(), "g1", []track.Track{mkTrack(2, 1000)})
	r.HandleEvent(Event{Kind: EventStart, GuildID: "g1"})

	in, empty = r.TimersPending("g1")
	if in || empty {
		t.Fatalf("start must cancel both timers, got inactivity=%v empty=%v", in, empty)
	}
}

func TestEmptyVoiceTimerTearsDownWhileQueueActive(t *testing.T) {
	r, _, notifier := newTestRegistry(t, 30*time.Millisecond)
	r.GetOrCreate("g1", "text", "voice")
	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})

	r.VoiceMembership("g1", 0)

	deadline := time.After(2 * time.Second)
	for r.Get("g1") != nil {
		select {
		case <-deadline:
			t.Fatalf("empty-voice timer never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	msgs := notifier.list()
	if len(msgs) == 0 || msgs[len(msgs)-1] != noticeNoListener {
		t.Fatalf("notices = %v", msgs)
	}
}

func TestHumanRejoinCancelsEmptyVoiceTimer(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")
	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})

	r.VoiceMembership("g1", 0)
	if _, empty := r.TimersPending("g1"); !empty {
		t.Fatalf("empty-voice timer should be armed")
	}
	r.VoiceMembership("g1", 1)
	if _, empty := r.TimersPending("g1"); empty {
		t.Fatalf("rejoin must cancel the empty-voice timer")
	}
}

func TestClosedEventNotifiesUnlessManual(t *testing.T) {
	r, _, notifier := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")
	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})

	r.HandleEvent(Event{Kind: EventClosed, GuildID: "g1"})
	if r.Get("g1") != nil {
		t.Fatalf("closed event must drop the queue")
	}
	msgs := notifier.list()
	if len(msgs) != 1 || msgs[0] != noticeKicked {
		t.Fatalf("notices = %v", msgs)
	}
}

func TestDestroyRemovesQueueAndTimers(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")
	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})
	r.VoiceMembership("g1", 0)

	r.Destroy(context.Background(), "g1", true)

	if r.Get("g1") != nil {
		t.Fatalf("queue should be gone")
	}
	in, empty := r.TimersPending("g1")
	if in || empty {
		t.Fatalf("timers should be cancelled")
	}
	player.mu.Lock()
	destroyed := player.destroyed
	player.mu.Unlock()
	if destroyed != 1 {
		t.Fatalf("player destroy count = %d", destroyed)
	}
}

func TestGetOrCreateRefreshesChannelsOnly(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	q1, created := r.GetOrCreate("g1", "text-a", "voice-a")
	if !created {
		t.Fatalf("first call should create")
	}
	if !q1.MarkEventsAttached() {
		t.Fatalf("first attach should win")
	}

	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})

	q2, created := r.GetOrCreate("g1", "text-b", "voice-b")
	if created || q2 != q1 {
		t.Fatalf("second call must return the same queue")
	}
	if q2.TextChannelID() != "text-b" || q2.VoiceChannelID() != "voice-b" {
		t.Fatalf("channels not refreshed")
	}
	if q2.MarkEventsAttached() {
		t.Fatalf("events must not re-attach")
	}
	if q2.Current() == nil {
		t.Fatalf("re-invocation must not reset playback")
	}
}

func TestPlayRollsBackPlaylistOnStartFailure(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	player.mu.Lock()
	player.failNext = true
	player.mu.Unlock()

	ctx := context.Background()
	_, err := r.Play(ctx, "g1", []track.Track{mkTrack(1, 1000), mkTrack(2, 1000), mkTrack(3, 1000)})
	if err == nil {
		t.Fatalf("play should surface the player error")
	}

	q := r.Get("g1")
	if q.Current() != nil {
		t.Fatalf("current should be cleared after a failed start")
	}
	if pending := q.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %v, want the playlist remainder rolled back", pending)
	}

	// An unrelated follow-up request must not drag the failed batch along.
	res, err := r.Play(ctx, "g1", []track.Track{mkTrack(9, 1000)})
	if err != nil || !res.Started {
		t.Fatalf("follow-up play: res=%+v err=%v", res, err)
	}
	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndFinished})

	got := player.playedList()
	if len(got) != 1 || got[0] != "enc-9" {
		t.Fatalf("played %v, want only the follow-up track", got)
	}
}

func TestFiredTimerClearsItsHandle(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")
	r.Play(context.Background(), "g1", []track.Track{mkTrack(1, 1000)})

	r.armInactivity("g1")
	r.inactivityFired("g1") // declines: queue is not idle
	if r.Get("g1") == nil {
		t.Fatalf("busy queue must survive the inactivity callback")
	}
	player.mu.Lock()
	destroyed := player.destroyed
	player.mu.Unlock()
	if destroyed != 0 {
		t.Fatalf("player destroyed by a declined callback")
	}
	if inactive, _ := r.TimersPending("g1"); inactive {
		t.Fatalf("spent inactivity handle left in the registry")
	}

	r.armEmptyVoice("g1")
	r.mu.Lock()
	delete(r.queues, "g1") // queue torn down while the timer was pending
	r.mu.Unlock()
	r.emptyVoiceFired("g1")
	if _, empty := r.TimersPending("g1"); empty {
		t.Fatalf("spent empty-voice handle left in the registry")
	}
}

func TestAdvanceSkipsTracksThePlayerRefuses(t *testing.T) {
	r, player, _ := newTestRegistry(t, time.Hour)
	r.GetOrCreate("g1", "text", "voice")

	ctx := context.Background()
	r.Play(ctx, "g1", []track.Track{mkTrack(1, 1000)})
	r.Play(ctx, "g1", []track.Track{mkTrack(2, 1000)})
	r.Play(ctx, "g1", []track.Track{mkTrack(3, 1000)})

	player.mu.Lock()
	player.failNext = true
	player.mu.Unlock()

	r.HandleEvent(Event{Kind: EventEnd, GuildID: "g1", EndReason: EndFinished})

	got := player.playedList()
	if len(got) != 2 || got[1] != "enc-3" {
		t.Fatalf("broken track should be skipped, played %v", got)
	}
	if cur := r.Get("g1").Current(); cur == nil || cur.Encoded != "enc-3" {
		t.Fatalf("current should be track 3")
	}
}
