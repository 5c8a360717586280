// Package export renders conversations as Markdown and publishes them as
// GitHub Gists.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/zulandar/chatline/internal/models"
	"golang.org/x/oauth2"
)

// Markdown renders a conversation. Thinking text goes in a collapsed
// details block and streaming replies are marked as incomplete.
func Markdown(conv models.Conversation, msgs []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", conv.Title)
	fmt.Fprintf(&b, "_Updated %s · %d messages_\n", conv.UpdatedAt.UTC().Format(time.RFC3339), len(msgs))

	for _, m := range msgs {
		role := "User"
		if m.Role == models.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "\n## %s\n\n", role)

		if m.Thinking != "" {
			b.WriteString("<details>\n<summary>Thinking</summary>\n\n")
			b.WriteString(strings.TrimSpace(m.Thinking))
			b.WriteString("\n\n</details>\n\n")
		}
		if img := m.Image(); img != nil {
			fmt.Fprintf(&b, "![image](%s)\n\n", img.URL)
		}
		if m.Content != "" {
			b.WriteString(strings.TrimRight(m.Content, "\n"))
			b.WriteString("\n")
		}
		if m.Streaming {
			b.WriteString("\n_(reply incomplete)_\n")
		}
		if u := usageLine(m); u != "" {
			fmt.Fprintf(&b, "\n<sub>%s</sub>\n", u)
		}
	}
	return b.String()
}

func usageLine(m models.Message) string {
	if len(m.Usage) == 0 {
		return ""
	}
	var u struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
	if err := json.Unmarshal(m.Usage, &u); err != nil || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return ""
	}
	return fmt.Sprintf("%d input tokens · %d output tokens", u.InputTokens, u.OutputTokens)
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename returns a file name for the exported conversation.
func Filename(conv models.Conversation) string {
	name := strings.Trim(unsafeFilename.ReplaceAllString(strings.ToLower(conv.Title), "-"), "-")
	if name == "" {
		name = "conversation"
	}
	if len(name) > 60 {
		name = strings.TrimRight(name[:60], "-")
	}
	return name + ".md"
}

// GistPublisher publishes exports as GitHub Gists.
type GistPublisher struct {
	client *github.Client
	public bool
}

// GistOpts holds parameters for creating a GistPublisher.
type GistOpts struct {
	Token  string // personal access token with the gist scope
	Public bool
	// For testing: inject a client pointed at a fake API.
	Client *github.Client
}

// NewGistPublisher creates a GistPublisher.
func NewGistPublisher(opts GistOpts) (*GistPublisher, error) {
	client := opts.Client
	if client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("export: github token is required")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return &GistPublisher{client: client, public: opts.Public}, nil
}

// Publish creates a gist holding the rendered conversation and returns
// its URL.
func (g *GistPublisher) Publish(ctx context.Context, conv models.Conversation, msgs []models.Message) (string, error) {
	gist := &github.Gist{
		Description: github.Ptr(conv.Title),
		Public:      github.Ptr(g.public),
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(Filename(conv)): {Content: github.Ptr(Markdown(conv, msgs))},
		},
	}
	created, _, err := g.client.Gists.Create(ctx, gist)
	if err != nil {
		return "", fmt.Errorf("export: create gist for %s: %w", conv.ID, err)
	}
	return created.GetHTMLURL(), nil
}
