// Package mirror copies completed chat turns to external chat platforms.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Post is one completed turn: the user's text and the assistant's final
// reply.
type Post struct {
	ConversationID string
	Title          string
	User           string
	ImageURL       string
	Assistant      string
}

// Publisher is the interface platform-specific mirrors must satisfy.
type Publisher interface {
	// Publish delivers a completed turn to the platform.
	Publish(ctx context.Context, p Post) error

	// Close releases the platform connection.
	Close() error
}

// Text renders a post as plain text with lightweight markdown that both
// Slack and Discord display.
func Text(p Post) string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "*%s*\n", p.Title)
	}
	user := p.User
	if user == "" && p.ImageURL != "" {
		user = "[image]"
	}
	fmt.Fprintf(&b, "> %s\n", strings.ReplaceAll(user, "\n", "\n> "))
	if p.ImageURL != "" && p.User != "" {
		fmt.Fprintf(&b, "> [image](%s)\n", p.ImageURL)
	}
	b.WriteString("\n")
	b.WriteString(p.Assistant)
	return b.String()
}

// Split breaks text into pieces of at most max bytes, preferring newline
// then space boundaries and never splitting a UTF-8 sequence.
func Split(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var out []string
	for len(text) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i > max/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(text[:cut], ' '); i > max/2 {
			cut = i + 1
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(text)
			cut = size
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish delivers p to each publisher in turn.
func (m Multi) Publish(ctx context.Context, p Post) error {
	var errs []error
	for _, pub := range m {
		if err := pub.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each publisher.
func (m Multi) Close() error {
	var errs []error
	for _, pub := range m {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
