// Package discord implements the console Mirror for Discord.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/vtorres/leadline/internal/console"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}

// Mirror posts conversation messages to a Discord channel.
type Mirror struct {
	sess      session
	channelID string
}

// MirrorOpts holds parameters for creating a Discord Mirror.
type MirrorOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of a real Gateway session.
	Session session
}

// New creates a Discord Mirror and opens the session.
func New(opts MirrorOpts) (*Mirror, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}

	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = &realSession{s: s}
	}
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return &Mirror{sess: sess, channelID: opts.ChannelID}, nil
}

// MirrorMessage posts one conversation message. discordgo handles Discord
// rate limits internally.
func (m *Mirror) MirrorMessage(ctx context.Context, phone, role, content string) error {
	text := console.FormatLine(phone, role, content)
	if _, err := m.sess.ChannelMessageSend(m.channelID, text); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close shuts down the Gateway session.
func (m *Mirror) Close() error { return m.sess.Close() }
