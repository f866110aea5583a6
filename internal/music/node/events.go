package node

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType labels the playback events the node emits.
type EventType string

const (
	EventTrackStart     EventType = "start"
	EventPlayerUpdate   EventType = "update"
	EventTrackEnd       EventType = "end"
	EventTrackException EventType = "exception"
	EventTrackStuck     EventType = "stuck"
	EventClosed         EventType = "closed"
)

// End reasons reported with EventTrackEnd.
const (
	EndFinished   = "finished"
	EndLoadFailed = "loadFailed"
	EndStopped    = "stopped"
	EndReplaced   = "replaced"
	EndCleanup    = "cleanup"
)

// Event is one playback event for one guild.
type Event struct {
	Type       EventType
	GuildID    string
	EndReason  string
	PositionMs int64
	ErrorMsg   string
	Code       int
	ByRemote   bool
}

// EventHandler receives decoded node events.
type EventHandler func(Event)

// Connect establishes the event websocket. It is lazy and idempotent: the
// first caller dials, later callers return immediately. userID is the bot's
// own user id, required by the node handshake.
func (c *Client) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	// Serialize on the dial: a caller arriving mid-handshake waits for the
	// in-flight dial and then sees connected, instead of dialing a second
	// websocket.
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.Connected() {
		return nil
	}
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", c.cfg.Password)
	header.Set("User-Id", c.userID)
	header.Set("Client-Name", clientName)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.wsURL(), header)
	if err != nil {
		return err
	}

	// The node opens with a ready op carrying the REST session id.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ready struct {
		Op        string `json:"op"`
		SessionID string `json:"sessionId"`
	}
	if err := conn.ReadJSON(&ready); err != nil || ready.Op != "ready" {
		conn.Close()
		if err == nil {
			err = websocket.ErrBadHandshake
		}
		return err
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.sessionID = ready.SessionID
	c.connected = true
	c.mu.Unlock()

	c.log.Info("connected to audio node", zap.String("session", ready.SessionID))
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn("node websocket dropped", zap.Error(err))
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			go c.reconnect()
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) reconnect() {
	for {
		time.Sleep(5 * time.Second)

		c.dialMu.Lock()
		if c.Connected() {
			c.dialMu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		c.dialMu.Unlock()

		if err == nil {
			return
		}
		c.log.Warn("node reconnect failed", zap.Error(err))
	}
}

func (c *Client) handleMessage(msg []byte) {
	var head struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return
	}

	switch head.Op {
	case "playerUpdate":
		var pu struct {
			GuildID string `json:"guildId"`
			State   struct {
				Position int64 `json:"position"`
			} `json:"state"`
		}
		if err := json.Unmarshal(msg, &pu); err != nil {
			return
		}
		c.dispatch(Event{Type: EventPlayerUpdate, GuildID: pu.GuildID, PositionMs: pu.State.Position})

	case "event":
		var ev struct {
			Type      string `json:"type"`
			GuildID   string `json:"guildId"`
			Reason    string `json:"reason"`
			Code      int    `json:"code"`
			ByRemote  bool   `json:"byRemote"`
			Exception struct {
				Message string `json:"message"`
			} `json:"exception"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}

		switch ev.Type {
		case "TrackStartEvent":
			c.dispatch(Event{Type: EventTrackStart, GuildID: ev.GuildID})
		case "TrackEndEvent":
			c.dispatch(Event{Type: EventTrackEnd, GuildID: ev.GuildID, EndReason: ev.Reason})
		case "TrackExceptionEvent":
			c.dispatch(Event{Type: EventTrackException, GuildID: ev.GuildID, ErrorMsg: ev.Exception.Message})
		case "TrackStuckEvent":
			c.dispatch(Event{Type: EventTrackStuck, GuildID: ev.GuildID})
		case "WebSocketClosedEvent":
			c.dispatch(Event{Type: EventClosed, GuildID: ev.GuildID, Code: ev.Code, ByRemote: ev.ByRemote})
		}
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
