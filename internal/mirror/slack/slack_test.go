package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/chatline/internal/mirror"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	posted    []postedMessage
	postErr   error
	rateLimit int
}

type postedMessage struct {
	channelID string
	text      string
	threadTS  string
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rateLimit > 0 {
		m.rateLimit--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	_, values, err := slackapi.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	m.posted = append(m.posted, postedMessage{
		channelID: channelID,
		text:      values.Get("text"),
		threadTS:  values.Get("thread_ts"),
	})
	return channelID, fmt.Sprintf("1700000000.%06d", len(m.posted)), nil
}

func newTestPublisher(t *testing.T, client *mockSlackClient) *Publisher {
	t.Helper()
	p, err := New(Opts{ChannelID: "C123", Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.baseBackoff = time.Millisecond
	return p
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without bot token")
	}
	if _, err := New(Opts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error without channel")
	}
	if _, err := New(Opts{BotToken: "xoxb-1", ChannelID: "C1"}); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestPublish(t *testing.T) {
	client := &mockSlackClient{}
	p := newTestPublisher(t, client)

	err := p.Publish(context.Background(), mirror.Post{ConversationID: "c1", User: "Hello", Assistant: "Hi there!"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(client.posted) != 1 {
		t.Fatalf("posted %d messages, want 1", len(client.posted))
	}
	got := client.posted[0]
	if got.channelID != "C123" {
		t.Errorf("channel = %q, want C123", got.channelID)
	}
	if !strings.Contains(got.text, "Hi there!") || !strings.Contains(got.text, "> Hello") {
		t.Errorf("text = %q", got.text)
	}
	if got.threadTS != "" {
		t.Errorf("first message threaded under %q", got.threadTS)
	}
}

func TestPublish_LongReplyThreads(t *testing.T) {
	client := &mockSlackClient{}
	p := newTestPublisher(t, client)

	long := strings.Repeat("word ", 2000)
	if err := p.Publish(context.Background(), mirror.Post{User: "essay", Assistant: long}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(client.posted) < 3 {
		t.Fatalf("posted %d messages, want the reply split", len(client.posted))
	}
	for i, m := range client.posted {
		if len(m.text) > maxMessageLen {
			t.Errorf("part %d is %d bytes", i, len(m.text))
		}
		if i > 0 && m.threadTS != "1700000000.000001" {
			t.Errorf("part %d thread_ts = %q, want first message ts", i, m.threadTS)
		}
	}
}

func TestPublish_Error(t *testing.T) {
	client := &mockSlackClient{postErr: fmt.Errorf("channel_not_found")}
	p := newTestPublisher(t, client)
	err := p.Publish(context.Background(), mirror.Post{User: "x", Assistant: "y"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("err = %v, want channel_not_found", err)
	}
}

func TestPublish_RetriesRateLimit(t *testing.T) {
	client := &mockSlackClient{rateLimit: 2}
	p := newTestPublisher(t, client)
	if err := p.Publish(context.Background(), mirror.Post{User: "x", Assistant: "y"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("posted %d, want 1", len(client.posted))
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	p := newTestPublisher(t, &mockSlackClient{})
	calls := 0
	err := p.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	p := newTestPublisher(t, &mockSlackClient{})
	calls := 0
	err := p.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	p := newTestPublisher(t, &mockSlackClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
