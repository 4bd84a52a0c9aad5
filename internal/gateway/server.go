package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyweave/realtime/internal/auth"
	"github.com/storyweave/realtime/internal/config"
	"github.com/storyweave/realtime/internal/observability"
)

// Server exposes the engine over HTTP.
type Server struct {
	engine *Engine
	jwt    *auth.JWTService
	cfg    *config.Config
	logger *observability.Logger
	http   *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg *config.Config, engine *Engine, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}
	s := &Server{
		engine: engine,
		jwt:    auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		cfg:    cfg,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()

	// Event submission and streaming
	api.HandleFunc("POST /api/events", s.handlePublish)
	api.HandleFunc("POST /api/broadcast", s.handleBroadcast)
	api.HandleFunc("GET /api/stream", s.handleSSE)
	api.HandleFunc("GET /api/ws", s.handleWebSocket)

	// Channels
	api.HandleFunc("POST /api/channels", s.handleCreateChannel)
	api.HandleFunc("POST /api/channels/{id}/join", s.handleJoinChannel)
	api.HandleFunc("POST /api/channels/{id}/leave", s.handleLeaveChannel)
	api.HandleFunc("GET /api/channels/{id}/subscribers", s.handleSubscribers)
	api.HandleFunc("GET /api/channels/{id}/events", s.handleChannelHistory)

	// Collaboration sessions and document coordination
	api.HandleFunc("POST /api/sessions/{documentID}/join", s.handleJoinSession)
	api.HandleFunc("POST /api/sessions/{documentID}/leave", s.handleLeaveSession)
	api.HandleFunc("GET /api/sessions/{documentID}", s.handleGetSession)
	api.HandleFunc("POST /api/documents/{documentID}/lock", s.handleRequestLock)
	api.HandleFunc("DELETE /api/documents/{documentID}/lock", s.handleReleaseLock)
	api.HandleFunc("GET /api/documents/{documentID}/lock", s.handleGetLock)
	api.HandleFunc("POST /api/documents/{documentID}/mutations", s.handleMutation)
	api.HandleFunc("POST /api/documents/{documentID}/typing", s.handleTyping)

	// Presence
	api.HandleFunc("POST /api/presence/heartbeat", s.handleHeartbeat)
	api.HandleFunc("PUT /api/presence/status", s.handleSetStatus)
	api.HandleFunc("GET /api/presence", s.handlePresenceList)
	api.HandleFunc("GET /api/presence/{userID}", s.handleGetPresence)

	// Introspection
	api.HandleFunc("GET /api/realtime/stats", s.handleStats)

	mux.Handle("/api/", auth.Middleware(s.jwt)(api))

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.withRequestMetrics(mux),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// JWT returns the server's token service, used by the serve command to mint
// development tokens and by tests.
func (s *Server) JWT() *auth.JWTService {
	return s.jwt
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusWriter captures the response code for logging and metrics. It keeps
// Flusher and Hijacker passthroughs intact: SSE needs the former and the
// WebSocket upgrade needs the latter.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("gateway: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.engine.clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := s.engine.clock.Now().Sub(start)

		path := metricPath(r.URL.Path)
		s.engine.Metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(sw.status), duration.Seconds())
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", duration.Milliseconds())
	})
}

// metricPath truncates request paths to two segments so path parameters do
// not explode label cardinality.
func metricPath(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
