package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordSink posts notifications through a Discord bot session.
type DiscordSink struct {
	session *discordgo.Session
	logger  *zap.Logger
}

// NewDiscordSink creates and opens a Discord sink.
func NewDiscordSink(token string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	// Outbound only; no message intents needed.
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	logger.Info("discord sink connected", zap.String("user", session.State.User.Username))
	return &DiscordSink{session: session, logger: logger}, nil
}

func (s *DiscordSink) Platform() string { return "discord" }

func (s *DiscordSink) Post(_ context.Context, channel, text string) error {
	if _, err := s.session.ChannelMessageSend(channel, "**"+firstLine(text)+"**\n"+rest(text)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (s *DiscordSink) Close() error {
	if s.session != nil {
		return s.session.Close()
	}
	return nil
}

func firstLine(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			return text[:i]
		}
	}
	return text
}

func rest(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			return text[i+1:]
		}
	}
	return ""
}
