// Package server exposes chatline over HTTP: sends, conversation and
// prompt management, and live views as server-sent events.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatline/internal/export"
	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/relay"
	"github.com/zulandar/chatline/internal/session"
	"github.com/zulandar/chatline/internal/stall"
)

// Defaults.
const (
	DefaultHeartbeat          = 15 * time.Second
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultMaxSessions        = 1024
)

// Opts holds configuration for the server.
type Opts struct {
	Store   logstore.Store
	Prompts logstore.Prompts
	Owner   string

	// NewController builds the controller for a client session.
	NewController func() (*session.Controller, error)

	IdleDebounce      time.Duration
	StreamingDebounce time.Duration
	Heartbeat         time.Duration // defaults to DefaultHeartbeat

	// Client sessions unused for SessionIdleTimeout are dropped, and past
	// MaxSessions the least recently used one is. A dropped client starts
	// over with no active conversation.
	SessionIdleTimeout time.Duration // defaults to DefaultSessionIdleTimeout
	MaxSessions        int           // defaults to DefaultMaxSessions

	// Now overrides the clock in tests.
	Now func() time.Time

	// Optional collaborators. Their endpoints answer 501 when nil.
	Relay   *relay.Handler
	Gist    *export.GistPublisher
	Sweeper *stall.Sweeper

	Port int
	Out  io.Writer
}

// Server routes HTTP requests to the store and per-client controllers.
type Server struct {
	opts   Opts
	router *gin.Engine

	mu       sync.Mutex
	sessions map[string]*clientSession
	retired  sync.WaitGroup
}

type clientSession struct {
	ctrl     *session.Controller
	lastUsed time.Time
}

// New creates a Server and registers its routes.
func New(opts Opts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.NewController == nil {
		return nil, fmt.Errorf("server: controller factory is required")
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("server: owner is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.SessionIdleTimeout <= 0 {
		opts.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		opts:     opts,
		router:   router,
		sessions: make(map[string]*clientSession),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP. It blocks until ctx is cancelled, then shuts down
// gracefully and waits for background replies to finish.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opts.Port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.opts.Out != nil {
		fmt.Fprintf(s.opts.Out, "chatline listening on http://localhost:%d\n", s.opts.Port)
	}

	err := srv.ListenAndServe()
	s.Wait()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Wait blocks until every client's background work has finished,
// including clients already dropped.
func (s *Server) Wait() {
	s.mu.Lock()
	ctrls := make([]*session.Controller, 0, len(s.sessions))
	for _, cs := range s.sessions {
		ctrls = append(ctrls, cs.ctrl)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.Wait()
	}
	s.retired.Wait()
}

// controller returns the controller for a client session, creating it on
// first use. Creating one first drops idle sessions and, at capacity, the
// least recently used.
func (s *Server) controller(id string) (*session.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	if cs, ok := s.sessions[id]; ok {
		cs.lastUsed = now
		return cs.ctrl, nil
	}

	var (
		oldestID string
		oldest   time.Time
	)
	for sid, cs := range s.sessions {
		if now.Sub(cs.lastUsed) > s.opts.SessionIdleTimeout {
			s.dropLocked(sid, "idle")
			continue
		}
		if oldestID == "" || cs.lastUsed.Before(oldest) {
			oldestID, oldest = sid, cs.lastUsed
		}
	}
	if len(s.sessions) >= s.opts.MaxSessions && oldestID != "" {
		s.dropLocked(oldestID, "capacity")
	}

	c, err := s.opts.NewController()
	if err != nil {
		return nil, fmt.Errorf("server: new session %s: %w", id, err)
	}
	s.sessions[id] = &clientSession{ctrl: c, lastUsed: now}
	return c, nil
}

// dropLocked forgets a client session. Its background replies still run
// to completion and are awaited by Wait.
func (s *Server) dropLocked(id, reason string) {
	cs := s.sessions[id]
	delete(s.sessions, id)
	log.Printf("server: dropped session %s [reason=%s]", id, reason)
	s.retired.Add(1)
	go func() {
		defer s.retired.Done()
		cs.ctrl.Wait()
	}()
}
