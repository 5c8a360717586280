package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/models"
	"github.com/zulandar/chatline/internal/syncview"
)

// viewEvent is the payload of a "view" event.
type viewEvent struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
	Loading        bool             `json:"loading"`
	Error          string           `json:"error,omitempty"`
	Version        uint64           `json:"version"`
}

func newViewEvent(v syncview.View) viewEvent {
	msgs := v.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	return viewEvent{
		ConversationID: v.ConversationID,
		Messages:       msgs,
		Loading:        v.Loading,
		Error:          v.Error(),
		Version:        v.Version,
	}
}

func startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

func (s *Server) heartbeat(c *gin.Context) {
	writeSSE(c.Writer, "heartbeat", map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()
}

// handleConversationEvents streams the synchronized view of one
// conversation until the client goes away.
func (s *Server) handleConversationEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.ownConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}

	view, err := syncview.New(syncview.Opts{
		Store:             s.opts.Store,
		IdleDebounce:      s.opts.IdleDebounce,
		StreamingDebounce: s.opts.StreamingDebounce,
	})
	if err != nil {
		fail(c, err)
		return
	}
	defer view.Close()

	startSSE(c)
	if err := view.Switch(ctx, id); err != nil {
		log.Printf("server: view %s: %v", id, err)
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.heartbeat(c)
		case v, ok := <-view.Updates():
			if !ok {
				return
			}
			writeSSE(c.Writer, "view", newViewEvent(v))
			c.Writer.Flush()
		}
	}
}

// handleListEvents streams the owner's conversation list on every change.
func (s *Server) handleListEvents(c *gin.Context) {
	ctx := c.Request.Context()
	updates := make(chan logstore.ConversationSnapshot, 1)
	unsub, err := s.opts.Store.SubscribeConversations(ctx, s.opts.Owner, func(snap logstore.ConversationSnapshot) {
		select {
		case <-updates:
		default:
		}
		updates <- snap
	})
	if err != nil {
		fail(c, err)
		return
	}
	defer unsub()

	startSSE(c)
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.heartbeat(c)
		case snap := <-updates:
			if snap.Err != nil {
				writeSSE(c.Writer, "error", gin.H{"error": snap.Err.Error()})
			} else {
				convs := snap.Conversations
				if convs == nil {
					convs = []models.Conversation{}
				}
				writeSSE(c.Writer, "conversations", convs)
			}
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
