// Package discord hosts the thin glue between the Discord gateway and the
// music engine: voice channel join/leave, voice credential forwarding to the
// audio node, listener counting and lifecycle notices.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"muselink/internal/music/engine"
	"muselink/internal/music/node"
)

// Bot owns the Discord session and feeds gateway events into the engine and
// the node client.
type Bot struct {
	session *discordgo.Session
	engine  *engine.Engine
	node    *node.Client
	log     *zap.Logger

	mu            sync.Mutex
	voiceChannels map[string]string // guildID -> channel the bot sits in
}

func NewBot(token string, log *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Bot{
		session:       session,
		log:           log,
		voiceChannels: make(map[string]string),
	}, nil
}

// Attach wires the engine and node client in after construction. The engine
// needs the bot as its VoiceClient, so construction is two-phase.
func (b *Bot) Attach(eng *engine.Engine, nodeClient *node.Client) {
	b.engine = eng
	b.node = nodeClient
}

// Run opens the gateway session and blocks until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onVoiceServerUpdate)
	b.session.AddHandler(b.onVoiceStateUpdate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.session.Close()

	<-ctx.Done()
	b.log.Info("shutdown signal received, closing session")
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.engine.SetUserID(r.User.ID)
	b.log.Info("gateway ready",
		zap.String("user", r.User.Username),
		zap.Int("guilds", len(r.Guilds)))
}

// onVoiceServerUpdate forwards the voice server credentials to the node; the
// node pushes them once the matching session id arrives.
func (b *Bot) onVoiceServerUpdate(s *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	b.node.OnVoiceServerUpdate(context.Background(), v.GuildID, v.Token, v.Endpoint)
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.UserID == s.State.User.ID {
		b.mu.Lock()
		if v.ChannelID == "" {
			delete(b.voiceChannels, v.GuildID)
		} else {
			b.voiceChannels[v.GuildID] = v.ChannelID
		}
		b.mu.Unlock()

		if v.ChannelID != "" {
			b.node.OnVoiceSession(context.Background(), v.GuildID, v.SessionID)
		}
		return
	}

	b.mu.Lock()
	botChannel := b.voiceChannels[v.GuildID]
	b.mu.Unlock()
	if botChannel == "" {
		return
	}

	b.engine.VoiceMembership(v.GuildID, b.countHumans(s, v.GuildID, botChannel))
}

// countHumans counts non-bot members in a voice channel from gateway state.
func (b *Bot) countHumans(s *discordgo.Session, guildID, channelID string) int {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return 0
	}

	count := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == s.State.User.ID {
			continue
		}
		member, err := s.State.Member(guildID, vs.UserID)
		if err == nil && member.User != nil && member.User.Bot {
			continue
		}
		count++
	}
	return count
}

// JoinVoice joins a voice channel without opening discordgo's own UDP audio
// path: the node streams the audio, the bot only needs the gateway state.
func (b *Bot) JoinVoice(guildID, channelID string) error {
	return b.session.ChannelVoiceJoinManual(guildID, channelID, false, true)
}

// LeaveVoice disconnects the bot from the guild's voice channel.
func (b *Bot) LeaveVoice(guildID string) error {
	return b.session.ChannelVoiceJoinManual(guildID, "", false, true)
}

// Notify sends a lifecycle notice to the guild's bound text channel.
func (b *Bot) Notify(channelID, message string) {
	if channelID == "" {
		return
	}
	if _, err := b.session.ChannelMessageSend(channelID, message); err != nil {
		b.log.Warn("failed to send notice",
			zap.String("channel", channelID),
			zap.Error(err))
	}
}
