// Package server accepts websocket sessions, authenticates them and feeds
// their messages to the command dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/semaphore"

	"github.com/codefionn/mcpserver/internal/codec"
	"github.com/codefionn/mcpserver/internal/dispatch"
	"github.com/codefionn/mcpserver/internal/logger"
	"github.com/codefionn/mcpserver/internal/pprof"
	"github.com/codefionn/mcpserver/internal/securemem"
	"github.com/codefionn/mcpserver/internal/session"
)

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Addr           string
	MaxMessageSize int64
	SendQueueSize  int
	MaxInFlight    int64
	// Pprof mounts the token-protected profiling endpoints.
	Pprof bool
}

const (
	DefaultAddr           = "localhost:8000"
	DefaultMaxMessageSize = 16 << 20
	DefaultSendQueueSize  = 256
	DefaultMaxInFlight    = 64
)

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	return o
}

// Server is the HTTP front end: the websocket endpoint and a health check.
type Server struct {
	opts       Options
	token      *securemem.String
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	inflight   *semaphore.Weighted

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	baseCtx    context.Context
	cancel     context.CancelFunc
	serveDone  chan error
}

// New creates a server. token is the shared secret clients must present;
// the server does not take ownership of it.
func New(token *securemem.String, registry *session.Registry, dispatcher *dispatch.Dispatcher, opts Options) *Server {
	opts = opts.withDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:       opts,
		token:      token,
		registry:   registry,
		dispatcher: dispatcher,
		router:     httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		inflight: semaphore.NewWeighted(opts.MaxInFlight),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/:session_id", s.handleWebSocket)
	if s.opts.Pprof {
		pprof.Register(s.router, pprof.Config{}, s.requireToken)
	}
}

// requireToken rejects plain HTTP requests that lack the shared token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.URL.Query().Get("token")) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. Commands
// run under a context derived from ctx that is also cancelled on Shutdown.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(logger.Global(), slog.LevelError),
	}
	s.serveDone = make(chan error, 1)
	httpServer := s.httpServer
	done := s.serveDone
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.cancel)

	logger.Info("MCP server listening on %s", listener.Addr())
	go func() {
		defer stop()
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	return nil
}

// Wait blocks until the server stops serving and returns the serve error,
// if any.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.serveDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	return <-done
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Shutdown stops accepting connections, closes every live session and
// waits for in-flight commands to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Stopping MCP server...")

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	// Hijacked websocket connections are not tracked by http.Server.
	for _, id := range s.registry.IDs() {
		if ch, err := s.registry.Lookup(id); err == nil {
			ch.Close()
		}
	}
	s.cancel()

	if err := s.inflight.Acquire(ctx, s.opts.MaxInFlight); err != nil {
		errs = append(errs, fmt.Errorf("in-flight commands did not finish: %w", err))
	} else {
		s.inflight.Release(s.opts.MaxInFlight)
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	data, err := codec.Serialize(codec.JSON, map[string]string{"status": "ok"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("session_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket for session %s: %v", sessionID, err)
		return
	}

	if !s.authorized(r.URL.Query().Get("token")) {
		logger.Warn("Unauthorized connection attempt for session %s", sessionID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(s, sessionID, conn)
	sess, prev := s.registry.Add(sessionID, client)
	client.sess = sess
	if prev != nil {
		prev.Channel.Close()
	}
	logger.Info("Connection established for session %s (%s)", sessionID, client.sess.ConnID)

	go client.WritePump()
	go client.ReadPump(s.baseCtx)
}

func (s *Server) authorized(token string) bool {
	return s.token != nil && !s.token.IsEmpty() && s.token.Equal(token)
}

// dispatch runs one frame once a slot is free. Receipt is never blocked:
// the caller is already on its own goroutine.
func (s *Server) dispatch(ctx context.Context, sessionID string, frame session.Frame) {
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		logger.Debug("Dropping message for session %s: %v", sessionID, err)
		return
	}
	defer s.inflight.Release(1)
	s.dispatcher.Handle(ctx, sessionID, frame)
}
