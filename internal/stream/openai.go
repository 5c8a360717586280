package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible source.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// OpenAI is a Source backed by any OpenAI-compatible chat completions API.
type OpenAI struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAI creates an OpenAI-compatible source.
func NewOpenAI(config OpenAIConfig) *OpenAI {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientConfig), config: config}
}

// ChatRequest builds the completion request for req.
func (o *OpenAI) ChatRequest(req Request) openai.ChatCompletionRequest {
	system := req.SystemPrompt
	if system == "" {
		system = o.config.SystemPrompt
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.config.MaxTokens
	}

	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range req.History {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, userMessage(req))

	return openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: float32(o.config.Temperature),
		Stream:      true,
	}
}

// userMessage attaches the image, if any, as a multi-part message.
func userMessage(req Request) openai.ChatCompletionMessage {
	if req.Image == nil {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Text}
	}
	url := req.Image.URL
	if len(req.Image.Data) > 0 {
		url = fmt.Sprintf("data:%s;base64,%s", req.Image.MediaType, base64.StdEncoding.EncodeToString(req.Image.Data))
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Text},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			}},
		},
	}
}

// Open implements Source.
func (o *OpenAI) Open(ctx context.Context, req Request) (Stream, error) {
	s, err := o.client.CreateChatCompletionStream(ctx, o.ChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("stream: openai: %w", err)
	}
	return &openaiStream{stream: s}, nil
}

type openaiStream struct {
	stream   *openai.ChatCompletionStream
	content  strings.Builder
	finished bool
}

// Next skips empty deltas. The upstream end of stream becomes a done delta
// carrying the concatenated text.
func (s *openaiStream) Next(ctx context.Context) (Delta, error) {
	for {
		if s.finished {
			return Delta{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Delta{}, err
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.finished = true
			return Done(s.content.String(), "", nil), nil
		}
		if err != nil {
			s.finished = true
			return Delta{}, fmt.Errorf("stream: openai: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text := resp.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		s.content.WriteString(text)
		return Chunk(text), nil
	}
}

func (s *openaiStream) Close() error {
	s.finished = true
	s.stream.Close()
	return nil
}
