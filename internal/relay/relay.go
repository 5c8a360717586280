// Package relay serves the chat relay endpoint: it accepts a conversation
// and streams the model's reply back as server-sent events.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatline/internal/stream"
)

// DefaultMaxTokens applies when a request does not set max_tokens.
const DefaultMaxTokens = 8192

// Handler streams replies from an upstream source.
type Handler struct {
	source    stream.Source
	maxTokens int
}

// New creates a relay handler backed by source.
func New(source stream.Source, maxTokens int) (*Handler, error) {
	if source == nil {
		return nil, fmt.Errorf("relay: source is required")
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Handler{source: source, maxTokens: maxTokens}, nil
}

// Register mounts the relay at POST /api/chat.
func (h *Handler) Register(router gin.IRoutes) {
	router.POST("/api/chat", h.Chat)
}

// Chat handles one relay request. Problems found before the stream opens
// are plain JSON errors; anything later is sent as an error event.
func (h *Handler) Chat(c *gin.Context) {
	var body stream.RelayRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(body.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Messages are required"})
		return
	}
	req, err := body.Request()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = h.maxTokens
	}

	ctx := c.Request.Context()
	s, err := h.source.Open(ctx, req)
	if err != nil {
		log.Printf("relay: open upstream: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer s.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var chunks int
	for {
		d, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			// Upstream ended without a done event.
			log.Printf("relay: %v [chunks=%d]", stream.ErrNoDone, chunks)
			return
		}
		if err != nil {
			log.Printf("relay: upstream failed after %d chunks: %v", chunks, err)
			writeEvent(c.Writer, stream.Event{Type: "error", Error: err.Error()})
			c.Writer.Flush()
			return
		}
		switch d.Kind {
		case stream.KindChunk:
			chunks++
			writeEvent(c.Writer, stream.Event{Type: "chunk", Text: d.Text})
		case stream.KindDone:
			writeEvent(c.Writer, stream.Event{Type: "done", Content: d.Content, Thinking: d.Thinking, Usage: d.Usage})
			c.Writer.Flush()
			return
		}
		c.Writer.Flush()
	}
}

// writeEvent writes a single relay event as an SSE data line.
func writeEvent(w io.Writer, evt stream.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
