// Package slack implements the console Mirror for Slack via the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/vtorres/leadline/internal/console"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Mirror posts conversation messages to a Slack channel.
type Mirror struct {
	client  slackClient
	channel string
}

// MirrorOpts holds parameters for creating a Slack Mirror.
type MirrorOpts struct {
	BotToken string // xoxb-... Slack bot token
	Channel  string // channel to post to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Mirror.
func New(opts MirrorOpts) (*Mirror, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}

	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Mirror{client: client, channel: opts.Channel}, nil
}

// MirrorMessage posts one conversation message, honoring Slack rate limits.
func (m *Mirror) MirrorMessage(ctx context.Context, phone, role, content string) error {
	text := console.FormatLine(phone, role, content)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := m.client.PostMessage(m.channel, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close is a no-op: the Web API client holds no connection.
func (m *Mirror) Close() error { return nil }

// retryOnRateLimit retries fn when Slack reports a rate limit, waiting the
// hinted duration (or exponential backoff when no hint is given).
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
