// Package control serves a small loopback HTTP API so an external UI can
// drive the launcher and follow its notifications.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/harshul/scope-launcher/internal/app"
	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/orchestrator"
)

// DefaultAddr keeps the API on loopback.
const DefaultAddr = "127.0.0.1:8765"

const (
	requestIDHeader = "X-Request-ID"
	wsWriteTimeout  = 5 * time.Second
)

// Backend is the launcher surface the API drives.
type Backend interface {
	GetSetupState() app.SetupState
	GetSetupStatus() app.SetupStatus
	GetServerStatus() app.ServerStatus
	RunSetup(ctx context.Context) error
	StartServer(ctx context.Context) error
	StopServer() error
	Subscribe(prefix string) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

// Config holds listener settings.
type Config struct {
	Addr         string
	AllowOrigins []string
}

// Message is one bus event as sent over the events websocket.
type Message struct {
	ID      string      `json:"id"`
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// Server is the control API.
type Server struct {
	backend Backend
	cfg     Config
	router  chi.Router
	logger  *slog.Logger

	// jobs outlive the request that started them.
	jobs       context.Context
	cancelJobs context.CancelFunc
}

// New creates a Server.
func New(backend Backend, cfg Config, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	jobs, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend:    backend,
		cfg:        cfg,
		logger:     logger.With("component", "control"),
		jobs:       jobs,
		cancelJobs: cancel,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancelJobs()
		return err
	case <-ctx.Done():
	}

	s.cancelJobs()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.originGuard)

		r.Get("/setup/state", s.handleSetupState)
		r.Get("/setup/status", s.handleSetupStatus)
		r.Post("/setup/run", s.handleSetupRun)

		r.Get("/server/status", s.handleServerStatus)
		r.Post("/server/start", s.handleServerStart)
		r.Post("/server/stop", s.handleServerStop)

		r.Get("/events", s.handleEvents)
	})
	return r
}

// requestID tags every request and response with a UUID, keeping one the
// client already sent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// originGuard applies the origin allow-list to browser requests. Requests
// without an Origin header come from local tools and pass. State-changing
// requests from other origins are rejected; allowed origins get CORS headers
// and a preflight answer.
func (s *Server) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if s.originAllowed(origin, r.Host) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			s.logger.Warn("rejected cross-origin request", "origin", origin, "method", r.Method, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches the origin's host against AllowOrigins the same way
// the events websocket does: same host always passes, patterns use
// path.Match syntax.
func (s *Server) originAllowed(origin, requestHost string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	if host == strings.ToLower(requestHost) {
		return true
	}
	for _, pattern := range s.cfg.AllowOrigins {
		if ok, err := path.Match(strings.ToLower(pattern), host); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetupState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetSetupState())
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetSetupStatus())
}

func (s *Server) handleServerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetServerStatus())
}

// Setup and start can take minutes, so both are accepted and run in the
// background. Progress arrives on /v1/events.
func (s *Server) handleSetupRun(w http.ResponseWriter, r *http.Request) {
	if s.backend.GetSetupStatus().InProgress {
		writeError(w, http.StatusConflict, orchestrator.ErrSetupInProgress.Error())
		return
	}
	id := w.Header().Get(requestIDHeader)
	go func() {
		if err := s.backend.RunSetup(s.jobs); err != nil {
			s.logger.Error("setup via control API failed", "request_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": id})
}

func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if s.backend.GetSetupState().NeedsSetup {
		writeError(w, http.StatusConflict, "setup required")
		return
	}
	id := w.Header().Get(requestIDHeader)
	go func() {
		if err := s.backend.StartServer(s.jobs); err != nil {
			s.logger.Error("start via control API failed", "request_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": id})
}

func (s *Server) handleServerStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.StopServer(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.backend.GetServerStatus())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sub := s.backend.Subscribe("")
	s.logger.Info("events client connected")
	defer func() {
		s.backend.Unsubscribe(sub)
		s.logger.Info("events client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Clients only listen. CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.jobs.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := Message{ID: uuid.NewString(), Topic: ev.Topic, Payload: ev.Payload, Time: ev.Time}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				s.logger.Debug("events write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
