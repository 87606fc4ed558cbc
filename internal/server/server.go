// Package server exposes the upload engine over websocket connections.
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
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fileferry/ferry/internal/auth"
	"github.com/fileferry/ferry/internal/channel"
	"github.com/fileferry/ferry/internal/health"
	"github.com/fileferry/ferry/internal/upload"
	"github.com/fileferry/ferry/internal/version"
	"github.com/fileferry/ferry/pkg/bugsnag"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShutdownTimeout bounds how long Run waits for in-flight HTTP requests on shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// handshakeTimeout is how long we wait for the websocket handshake
	handshakeTimeout = 5 * time.Second
	// frameSlack covers the binary frame header and JSON envelopes such as a create
	// request carrying metadata
	frameSlack = 64 * 1024
)

// Options configure a Server.
type Options struct {
	Addr string

	// Engine is the template every connection's engine is built from.
	// Storage must be set. Claims defaults to one set shared by every connection.
	Engine upload.Options

	// Authority checks upload tokens; nil leaves /ws open
	Authority *auth.Authority

	// CORSOrigins lists origins (patterns allowed, e.g. http://localhost:*) that may
	// open the websocket from a browser. Empty means same-origin only.
	CORSOrigins []string

	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server accepts websocket connections and runs one upload engine per connection.
type Server struct {
	opts     Options
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	connCtx     context.Context
	cancelConns context.CancelFunc
	conns       sync.WaitGroup
	active      atomic.Int64
}

func New(opts Options) (*Server, error) {
	if opts.Engine.Storage == nil {
		return nil, &upload.Error{Kind: upload.KindConfiguration, Err: errors.New("no storage configured")}
	}
	if err := opts.Engine.Destination.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Engine.Claims == nil {
		// every connection writes into the same directories
		opts.Engine.Claims = upload.NewPathClaims()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{opts: opts, logger: opts.Logger}
	s.connCtx, s.cancelConns = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get(health.Path, s.handleHealth)
	r.Get("/ws", s.handleUpload)

	return r
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Active reports how many upload connections are open.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down: HTTP
// requests get ShutdownTimeout to finish, open upload connections are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: handshakeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Receiver listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down receiver", "connections", s.Active())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.Close()
		if err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close ends every open upload connection and waits for their engines to stop.
func (s *Server) Close() {
	s.cancelConns()
	s.conns.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, health.Report{
		Status:      health.StatusOK,
		Timestamp:   time.Now().UTC(),
		Version:     version.Version,
		Protocol:    version.Protocol,
		Connections: s.Active(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if s.opts.Authority != nil {
		claims, err := s.opts.Authority.Validate(auth.FromRequest(r))
		if err != nil {
			s.logger.Warn("Rejected upload connection", "remote", r.RemoteAddr, "error", err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}
		subject = claims.Subject
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn.SetReadLimit(readLimit(s.opts.Engine.Settings))
	ch := channel.NewWebsocket(conn)
	logger := s.logger.With(
		"request_id", middleware.GetReqID(r.Context()),
		"remote", r.RemoteAddr,
	)
	if subject != "" {
		logger = logger.With("subject", subject)
	}

	opts := s.opts.Engine
	opts.Logger = logger

	engine, err := upload.NewEngine(ch, opts)
	if err != nil {
		logger.Error("Failed to start upload engine", "error", err)
		_ = ch.Close()
		return
	}

	s.conns.Add(1)
	s.active.Add(1)
	go s.serveConn(ch, engine, logger)
}

func (s *Server) serveConn(ch channel.Channel, engine *upload.Engine, logger *slog.Logger) {
	defer s.conns.Done()
	defer s.active.Add(-1)
	defer bugsnag.NotifyOnPanic(s.connCtx)

	logger.Info("Upload connection opened")
	err := engine.Run(s.connCtx)
	_ = ch.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Upload connection ended with error", "error", err)
		return
	}
	logger.Info("Upload connection closed")
}

// checkOrigin admits browser connections from the configured origins. Without any,
// it falls back to requiring the Origin host to match the request host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.CORSOrigins) == 0 {
		return sameOrigin(r, origin)
	}
	for _, pattern := range s.opts.CORSOrigins {
		if pattern == "*" || pattern == origin {
			return true
		}
		if ok, err := doublestar.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// readLimit bounds a single inbound frame: one chunk plus header room. Larger frames
// close the connection before they are buffered.
func readLimit(settings upload.TransferSettings) int64 {
	chunk := settings.ChunkSize
	if chunk <= 0 {
		chunk = upload.DefaultChunkSize
	}
	return int64(chunk) + frameSlack
}
