package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// Event is one `data:` payload of the relay protocol.
type Event struct {
	Type     string `json:"type"` // chunk, done, error
	Text     string `json:"text,omitempty"`
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RelayImage is the image field of a relay request.
type RelayImage struct {
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	MediaType string `json:"media_type,omitempty"`
}

// RelayRequest is the JSON body POSTed to a relay.
type RelayRequest struct {
	Messages     []Turn      `json:"messages"`
	Image        *RelayImage `json:"image,omitempty"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
}

// NewRelayRequest converts a Request to its wire form.
func NewRelayRequest(req Request) RelayRequest {
	rr := RelayRequest{
		Messages:     req.Turns(),
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	}
	if req.Image != nil {
		rr.Image = &RelayImage{URL: req.Image.URL, MediaType: req.Image.MediaType}
		if len(req.Image.Data) > 0 {
			rr.Image.Data = base64.StdEncoding.EncodeToString(req.Image.Data)
		}
	}
	return rr
}

// Request converts the wire form back to a Request. The last message is the
// new user turn.
func (rr RelayRequest) Request() (Request, error) {
	if len(rr.Messages) == 0 {
		return Request{}, errors.New("stream: relay request has no messages")
	}
	last := rr.Messages[len(rr.Messages)-1]
	req := Request{
		History:      rr.Messages[:len(rr.Messages)-1],
		Text:         last.Content,
		SystemPrompt: rr.SystemPrompt,
		MaxTokens:    rr.MaxTokens,
	}
	if rr.Image != nil {
		img := &Image{URL: rr.Image.URL, MediaType: rr.Image.MediaType}
		if rr.Image.Data != "" {
			data, err := base64.StdEncoding.DecodeString(rr.Image.Data)
			if err != nil {
				return Request{}, fmt.Errorf("stream: relay image: %w", err)
			}
			img.Data = data
		}
		req.Image = img
	}
	return req, nil
}

// SSE is a Source that POSTs to a relay endpoint and reads the reply as
// server-sent events.
type SSE struct {
	URL          string
	Client       *http.Client
	SystemPrompt string
	MaxTokens    int
}

// Open implements Source.
func (s *SSE) Open(ctx context.Context, req Request) (Stream, error) {
	if req.SystemPrompt == "" {
		req.SystemPrompt = s.SystemPrompt
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = s.MaxTokens
	}
	body, err := json.Marshal(NewRelayRequest(req))
	if err != nil {
		return nil, fmt.Errorf("stream: encode relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("stream: build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream: relay: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("stream: relay: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body     io.ReadCloser
	r        *bufio.Reader
	finished bool
}

// Next reads lines until a data payload decodes to a delta. Malformed
// payloads are logged and skipped. EOF before done yields io.EOF.
func (s *sseStream) Next(ctx context.Context) (Delta, error) {
	if s.finished {
		return Delta{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return Delta{}, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			s.finished = true
			if errors.Is(err, io.EOF) {
				return Delta{}, io.EOF
			}
			return Delta{}, fmt.Errorf("stream: relay read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			log.Printf("stream: skipping malformed relay event: %v", err)
			continue
		}
		switch evt.Type {
		case "chunk":
			return Chunk(evt.Text), nil
		case "done":
			s.finished = true
			return Done(evt.Content, evt.Thinking, evt.Usage), nil
		case "error":
			s.finished = true
			return Delta{}, fmt.Errorf("stream: relay error: %s", evt.Error)
		}
	}
}

func (s *sseStream) Close() error {
	s.finished = true
	return s.body.Close()
}
