package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/snapshot"
	"github.com/vango-dev/livestate/pkg/upload"
	"golang.org/x/sync/errgroup"
)

// Server accepts WebSocket connections and serves the component and upload
// protocol over them.
type Server struct {
	config   *ServerConfig
	registry *Registry
	codec    *snapshot.Codec
	sessions *SessionManager
	uploads  *upload.Manager
	metrics  *Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader
	router   chi.Router

	connMu sync.RWMutex
	conns  map[string]*Conn

	httpServer *http.Server
	closed     chan struct{}
	closeOnce  sync.Once
}

// New creates a Server serving the component types in registry.
func New(config *ServerConfig, registry *Registry) (*Server, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}

	codec, err := snapshot.NewCodec(config.SnapshotKey, snapshot.WithMaxAge(config.SnapshotMaxAge))
	if err != nil {
		return nil, fmt.Errorf("server: snapshot codec: %w", err)
	}

	logger := config.Logger.With("component", "server")
	metrics := NewMetrics(config.Registry)

	s := &Server{
		config:   config,
		registry: registry,
		codec:    codec,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		conns:  make(map[string]*Conn),
		closed: make(chan struct{}),
	}
	s.sessions = NewSessionManager(registry, codec, config.SessionConfig, metrics, config.Logger)
	if config.UploadStore != nil {
		s.uploads = upload.NewManager(config.UploadStore, config.Upload, config.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(config.Path, s.HandleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{}))
	s.router = r

	return s, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint, /healthz
// and /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. It returns once the read and heartbeat goroutines are started.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(uuid.NewString(), ws, s)
	s.addConn(c)

	if err := c.sendTo(protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablished{
		ConnectionID: c.ID,
	}); err != nil {
		s.logger.Debug("connection-established not delivered", "connection_id", c.ID, "error", err)
		c.Close()
		return
	}

	c.logger.Debug("connection opened", "remote", r.RemoteAddr)
	go c.heartbeat()
	go c.readLoop()
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Components  int    `json:"components"`
	Uploads     int    `json:"uploads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Connections: s.ConnCount(),
		Components:  s.sessions.Count(),
	}
	if s.uploads != nil {
		resp.Uploads = s.uploads.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) addConn(c *Conn) {
	s.connMu.Lock()
	s.conns[c.ID] = c
	s.connMu.Unlock()
	s.metrics.connectionOpened()
}

func (s *Server) removeConn(c *Conn) {
	s.connMu.Lock()
	_, ok := s.conns[c.ID]
	delete(s.conns, c.ID)
	s.connMu.Unlock()
	if ok {
		s.metrics.connectionClosed()
	}
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// CloseConnections closes every open connection. Their components are
// detached and stay rebindable for the detach grace window.
func (s *Server) CloseConnections() {
	s.closeConnections()
}

func (s *Server) closeConnections() []*Conn {
	s.connMu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return conns
}

// waitBackground waits for the mount, rehydrate and upload handlers still
// running on conns, or for ctx to end.
func waitBackground(ctx context.Context, conns []*Conn) error {
	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.background.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: waiting for connection handlers: %w", ctx.Err())
	}
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server starting", "address", ln.Addr().String(), "path", s.config.Path)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.closed:
		}
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown stops accepting connections, closes open ones and discards every
// component session.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	s.closeOnce.Do(func() {
		close(s.closed)

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("http shutdown error", "error", err)
				shutdownErr = err
			}
		}

		if err := waitBackground(ctx, s.closeConnections()); err != nil {
			s.logger.Warn("connection handlers still running", "error", err)
			shutdownErr = err
		}

		if err := s.sessions.Shutdown(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if s.uploads != nil {
			s.uploads.Close()
		}
		s.logger.Info("server shutdown complete")
	})
	return shutdownErr
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Uploads returns the upload manager, or nil if uploads are disabled.
func (s *Server) Uploads() *upload.Manager {
	return s.uploads
}

// Registry returns the component registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Codec returns the snapshot codec.
func (s *Server) Codec() *snapshot.Codec {
	return s.codec
}

// Config returns the effective server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
