// Package web serves the two websocket transports, the lock and session
// REST API, and a server-sent event stream of the claim table.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tchow-twistedxcom/tmux-collab/internal/coordinator"
	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/statedb"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Authenticator resolves the identity behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (protocol.Identity, bool)
}

// History reads the claim audit log.
type History interface {
	ClaimHistory(ctx context.Context, session string, limit int) ([]statedb.ClaimEventRow, error)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr  string
	Coordinator *coordinator.Coordinator
	Auth        Authenticator
	// History may be nil when the audit store is disabled.
	History History

	// SendQueue is the per-connection outbound buffer (default 256).
	SendQueue int
	// WriteTimeout bounds a single websocket write (default 10s).
	WriteTimeout time.Duration
	// LockPollInterval is how often /events/locks checks the claim table
	// (default 1s).
	LockPollInterval time.Duration
}

// Server wraps an HTTP server for the collaboration coordinator.
type Server struct {
	cfg        Config
	coord      *coordinator.Coordinator
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a web server with all routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = time.Second
	}

	s := &Server{cfg: cfg, coord: cfg.Coordinator}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/session/{name}", s.handleSessionWS)
	mux.HandleFunc("GET /api/locks", s.handleListLocks)
	mux.HandleFunc("GET /api/locks/history", s.handleLockHistory)
	mux.HandleFunc("GET /api/locks/{session}", s.handleGetLock)
	mux.HandleFunc("POST /api/locks/{session}", s.handleAcquireLock)
	mux.HandleFunc("DELETE /api/locks/{session}", s.handleReleaseLock)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{name}/scrollback", s.handleScrollback)
	mux.HandleFunc("GET /events/locks", s.handleLockEvents)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every websocket connection and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	if s.coord != nil {
		s.coord.CloseAll()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Hijacked websocket connections are not tracked by Shutdown; force close
	// once the grace period is over.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":          true,
		"tmux":        s.coord.TmuxAvailable(r.Context()),
		"connections": s.coord.ConnectionCount(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, resp)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web.Server{addr=%s}", s.cfg.ListenAddr)
}
