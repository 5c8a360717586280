// Package discord mirrors completed turns to a Discord channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/chatline/internal/mirror"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxMessageLen is Discord's content limit.
	maxMessageLen = 2000

	baseBackoff = 2 * time.Second
	maxBackoff  = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Publisher implements mirror.Publisher for Discord over the REST API.
type Publisher struct {
	sess        session
	channelID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord Publisher.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Publisher.
func New(opts Opts) (*Publisher, error) {
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
		sess = s
	}
	return &Publisher{
		sess:        sess,
		channelID:   opts.ChannelID,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Publish sends the turn as one or more messages. Follow-up parts reply
// to the first so they stay grouped.
func (p *Publisher) Publish(ctx context.Context, post mirror.Post) error {
	var first *discordgo.Message
	for i, part := range mirror.Split(mirror.Text(post), maxMessageLen) {
		data := &discordgo.MessageSend{
			Content:         part,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if first != nil {
			data.Reference = first.Reference()
		}
		err := p.retryOnRateLimit(ctx, func() error {
			msg, sendErr := p.sess.ChannelMessageSendComplex(p.channelID, data)
			if sendErr == nil && first == nil {
				first = msg
			}
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send part %d of %s: %w", i+1, post.ConversationID, err)
		}
	}
	return nil
}

// Close closes the underlying session.
func (p *Publisher) Close() error {
	return p.sess.Close()
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (p *Publisher) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

var _ mirror.Publisher = (*Publisher)(nil)
