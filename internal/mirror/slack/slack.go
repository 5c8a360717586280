// Package slack mirrors completed turns to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/chatline/internal/mirror"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxMessageLen keeps each post under Slack's text limit.
	maxMessageLen = 3900
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Publisher implements mirror.Publisher for Slack.
type Publisher struct {
	client      slackClient
	channelID   string
	baseBackoff time.Duration
}

// Opts holds parameters for creating a Slack Publisher.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Publisher.
func New(opts Opts) (*Publisher, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Publisher{client: client, channelID: opts.ChannelID, baseBackoff: time.Second}, nil
}

// Publish posts the turn, split into as many messages as needed. The
// first message starts a thread that holds the rest.
func (p *Publisher) Publish(ctx context.Context, post mirror.Post) error {
	var threadTS string
	for i, part := range mirror.Split(mirror.Text(post), maxMessageLen) {
		options := []slackapi.MsgOption{
			slackapi.MsgOptionText(part, false),
			slackapi.MsgOptionDisableLinkUnfurl(),
		}
		if threadTS != "" {
			options = append(options, slackapi.MsgOptionTS(threadTS))
		}
		err := p.retryOnRateLimit(ctx, func() error {
			_, ts, postErr := p.client.PostMessage(p.channelID, options...)
			if postErr == nil && threadTS == "" {
				threadTS = ts
			}
			return postErr
		})
		if err != nil {
			return fmt.Errorf("slack: post part %d of %s: %w", i+1, post.ConversationID, err)
		}
	}
	return nil
}

// Close is a no-op; the web API holds no connection.
func (p *Publisher) Close() error { return nil }

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func (p *Publisher) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		}
		log.Printf("slack: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

var _ mirror.Publisher = (*Publisher)(nil)
