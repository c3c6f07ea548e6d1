package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts notifications with the Slack Web API.
type SlackSink struct {
	client *slack.Client
	logger *zap.Logger
}

// NewSlackSink creates a Slack sink from a Bot User OAuth Token (xoxb-...).
func NewSlackSink(botToken string, logger *zap.Logger) *SlackSink {
	return &SlackSink{
		client: slack.New(botToken),
		logger: logger,
	}
}

func (s *SlackSink) Platform() string { return "slack" }

func (s *SlackSink) Post(ctx context.Context, channel, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func (s *SlackSink) Close() error { return nil }
