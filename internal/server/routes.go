package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatline/internal/export"
	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/models"
	"github.com/zulandar/chatline/internal/session"
)

// SessionHeader identifies a client session.
const SessionHeader = "X-Session-ID"

// registerRoutes sets up all API routes on the Gin router.
func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.POST("/send", s.handleSend)
	api.POST("/select", s.handleSelect)
	api.POST("/new", s.handleNew)

	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.PATCH("/conversations/:id", s.handlePatchConversation)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.GET("/conversations/:id/messages", s.handleListMessages)
	api.DELETE("/conversations/:id/messages/:mid", s.handleDeleteMessage)
	api.GET("/conversations/:id/events", s.handleConversationEvents)
	api.POST("/conversations/:id/export", s.handleExport)
	api.GET("/events", s.handleListEvents)

	api.GET("/starred", s.handleStarred)
	api.GET("/search", s.handleSearch)
	api.GET("/stalled", s.handleStalled)

	api.GET("/prompts", s.handleListPrompts)
	api.POST("/prompts", s.handleCreatePrompt)
	api.DELETE("/prompts/:id", s.handleDeletePrompt)
	api.POST("/prompts/:id/use", s.handleUsePrompt)

	if s.opts.Relay != nil {
		s.opts.Relay.Register(r)
	}
}

// fail writes err as a JSON error with a status derived from its kind.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, logstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, logstore.ErrNotPatchable):
		status = http.StatusConflict
	case errors.Is(err, session.ErrEmptyInput):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *Server) clientController(c *gin.Context) (*session.Controller, bool) {
	id := c.GetHeader(SessionHeader)
	if id == "" {
		id = "default"
	}
	ctrl, err := s.controller(id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return ctrl, true
}

// ownConversation loads a conversation and hides those of other owners.
func (s *Server) ownConversation(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := s.opts.Store.GetConversation(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.Owner != s.opts.Owner {
		return models.Conversation{}, logstore.ErrNotFound
	}
	return conv, nil
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

type sendRequest struct {
	ConversationID string           `json:"conversation_id"`
	Text           string           `json:"text"`
	Image          *models.ImageRef `json:"image"`
}

type sendResponse struct {
	ConversationID     string `json:"conversation_id"`
	Created            bool   `json:"created"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Image != nil && req.Image.URL == "" {
		req.Image = nil
	}
	ctrl, ok := s.clientController(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if req.ConversationID != "" && req.ConversationID != ctrl.Active() {
		if _, err := s.ownConversation(ctx, req.ConversationID); err != nil {
			fail(c, err)
			return
		}
		ctrl.Select(req.ConversationID)
	}

	res, err := ctrl.Send(ctx, session.Input{Text: req.Text, Image: req.Image})
	resp := sendResponse{
		ConversationID:     res.ConversationID,
		Created:            res.Created,
		UserMessageID:      res.User.ID,
		AssistantMessageID: res.Assistant.ID,
	}
	if err != nil {
		if res.User.ID != "" {
			// The turn was stored; the reply failed part way.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": resp})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSelect(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		badRequest(c, "conversation_id is required")
		return
	}
	if _, err := s.ownConversation(c.Request.Context(), req.ConversationID); err != nil {
		fail(c, err)
		return
	}
	ctrl, ok := s.clientController(c)
	if !ok {
		return
	}
	ctrl.Select(req.ConversationID)
	c.JSON(http.StatusOK, gin.H{"conversation_id": req.ConversationID})
}

func (s *Server) handleNew(c *gin.Context) {
	ctrl, ok := s.clientController(c)
	if !ok {
		return
	}
	ctrl.NewChat()
	c.JSON(http.StatusOK, gin.H{"conversation_id": ""})
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.opts.Store.ListConversations(c.Request.Context(), s.opts.Owner)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.ownConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handlePatchConversation(c *gin.Context) {
	var req struct {
		Title   *string `json:"title"`
		Starred *bool   `json:"starred"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		if t == "" {
			badRequest(c, "title must not be blank")
			return
		}
		req.Title = &t
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.ownConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}
	if err := s.opts.Store.PatchConversation(ctx, id, logstore.ConversationPatch{Title: req.Title, Starred: req.Starred}); err != nil {
		fail(c, err)
		return
	}
	conv, err := s.opts.Store.GetConversation(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.ownConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}
	if err := s.opts.Store.DeleteConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.ownConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}
	msgs, err := s.opts.Store.ListMessages(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.ownConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}
	if err := s.opts.Store.DeleteMessage(ctx, id, c.Param("mid")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStarred(c *gin.Context) {
	convs, err := s.opts.Store.Starred(c.Request.Context(), s.opts.Owner)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusOK, []models.Conversation{})
		return
	}
	convs, err := s.opts.Store.Search(c.Request.Context(), s.opts.Owner, q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleStalled(c *gin.Context) {
	if s.opts.Sweeper == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stall sweeper not configured"})
		return
	}
	msgs, err := s.opts.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleExport(c *gin.Context) {
	var req struct {
		Gist bool `json:"gist"`
	}
	// An empty body asks for markdown.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	ctx := c.Request.Context()
	conv, err := s.ownConversation(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	msgs, err := s.opts.Store.ListMessages(ctx, conv.ID)
	if err != nil {
		fail(c, err)
		return
	}

	if !req.Gist {
		c.Header("Content-Disposition", `attachment; filename="`+export.Filename(conv)+`"`)
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(export.Markdown(conv, msgs)))
		return
	}
	if s.opts.Gist == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "gist export not configured"})
		return
	}
	url, err := s.opts.Gist.Publish(ctx, conv, msgs)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

func (s *Server) prompts(c *gin.Context) (logstore.Prompts, bool) {
	if s.opts.Prompts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "prompts not configured"})
		return nil, false
	}
	return s.opts.Prompts, true
}

func (s *Server) handleListPrompts(c *gin.Context) {
	p, ok := s.prompts(c)
	if !ok {
		return
	}
	prompts, err := p.ListPrompts(c.Request.Context(), s.opts.Owner)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prompts)
}

func (s *Server) handleCreatePrompt(c *gin.Context) {
	p, ok := s.prompts(c)
	if !ok {
		return
	}
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		badRequest(c, "title and content are required")
		return
	}
	prompt, err := p.CreatePrompt(c.Request.Context(), s.opts.Owner, req.Title, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, prompt)
}

func (s *Server) handleDeletePrompt(c *gin.Context) {
	p, ok := s.prompts(c)
	if !ok {
		return
	}
	if err := p.DeletePrompt(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUsePrompt(c *gin.Context) {
	p, ok := s.prompts(c)
	if !ok {
		return
	}
	prompt, err := p.TouchPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prompt)
}
