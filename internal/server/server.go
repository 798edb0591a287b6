package server

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"logteewoop/internal/config"
	"logteewoop/internal/live"
	"logteewoop/internal/sse"
	"logteewoop/internal/streamcache"
	"logteewoop/internal/sysmon"
	"logteewoop/pkg/httperror"
	"logteewoop/pkg/markdown"
)

//go:embed usage.md
var usageMarkdown []byte

type Server struct {
	cfg         *config.Config
	store       *streamcache.Store
	registry    *prometheus.Registry
	liveMetrics *live.Metrics
	upgrader    websocket.Upgrader
	usagePage   []byte
}

// New creates a server in front of store. Live session metrics are
// registered with registry, which is also what /metrics serves.
func New(cfg *config.Config, store *streamcache.Store, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		liveMetrics: live.NewMetrics(registry),
		usagePage:   markdown.Page("logteewoop", usageMarkdown),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     checkOrigin,
	}
	return s
}

// handlerFunc is the signature for all non-websocket handlers
type handlerFunc func(context.Context, *http.Request) ([]byte, error)

// wrapHandler adapts a handlerFunc to http.HandlerFunc
func (s *Server) wrapHandler(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r.Context(), r)
		if err != nil {
			if cte, ok := err.(*contentTypeError); ok {
				w.Header().Set("Content-Type", cte.contentType)
				_, _ = w.Write(cte.data)
				return
			}
			writeError(w, r, err)
			return
		}

		if len(data) > 0 {
			_, _ = w.Write(data)
		}
	}
}

// writeError logs err and answers with its status. Errors that are not an
// httperror.HTTPError become a 500 carrying err's text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httperror.StatusCode(err)
	message := err.Error()
	var he httperror.HTTPError
	if errors.As(err, &he) {
		message = he.Message
	}

	slog.Error("HTTP handler error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err.Error())
	http.Error(w, message, status)
}

// contentTypeError represents a response with a specific content type
type contentTypeError struct {
	contentType string
	data        []byte
}

func (e *contentTypeError) Error() string {
	return fmt.Sprintf("response with content-type: %s", e.contentType)
}

func jsonResponse(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return nil, &contentTypeError{contentType: "application/json", data: data}
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker to support WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.statusCode = http.StatusSwitchingProtocols
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

// Flush implements http.Flusher to support streaming
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.wrapHandler(s.handleIndex))
	mux.HandleFunc("POST /{stream}/write", s.wrapHandler(s.handleWrite))
	mux.HandleFunc("GET /{stream}/tail", s.wrapHandler(s.handleTail))
	mux.HandleFunc("GET /{stream}/follow", s.handleFollow)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /stats", s.wrapHandler(s.handleStats))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return s.loggingMiddleware(mux)
}

func streamID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("stream"))
	if err != nil {
		return uuid.Nil, httperror.Wrap(err, http.StatusBadRequest, "invalid stream id")
	}
	return id, nil
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) ([]byte, error) {
	return nil, &contentTypeError{contentType: "text/html; charset=utf-8", data: s.usagePage}
}

func (s *Server) handleWrite(ctx context.Context, r *http.Request) ([]byte, error) {
	id, err := streamID(r)
	if err != nil {
		return nil, err
	}

	err = s.store.IngestReader(ctx, id, r.Body)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, streamcache.ErrWriteFailed):
		return nil, httperror.Wrap(err, http.StatusInternalServerError, "error reading input")
	case errors.Is(err, streamcache.ErrClosed):
		return nil, httperror.Wrap(err, http.StatusServiceUnavailable, "shutting down")
	default:
		return nil, fmt.Errorf("failed to write to stream %s: %w", id, err)
	}
}

func (s *Server) handleTail(ctx context.Context, r *http.Request) ([]byte, error) {
	id, err := streamID(r)
	if err != nil {
		return nil, err
	}

	lines, err := s.store.Tail(ctx, id, s.cfg.Server.TailLines)
	if err != nil {
		if errors.Is(err, streamcache.ErrClosed) {
			return nil, httperror.Wrap(err, http.StatusServiceUnavailable, "shutting down")
		}
		return nil, fmt.Errorf("failed to tail stream %s: %w", id, err)
	}
	return jsonResponse(lines)
}

func (s *Server) handleStats(ctx context.Context, r *http.Request) ([]byte, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}

	usage, err := sysmon.SelfUsage(ctx)
	if err != nil {
		slog.Warn("Failed to sample process usage", "error", err)
	}

	return jsonResponse(struct {
		Store   streamcache.Stats `json:"store"`
		Process *sysmon.Usage     `json:"process,omitempty"`
	}{
		Store:   stats,
		Process: usage,
	})
}

// handleFollow streams one stream as Server-Sent Events. Headers are only
// written once the subscription exists, so early failures still get a status.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	err = sse.Follow(r.Context(), w, s.store, id, s.cfg.Session.SendBuffer, s.cfg.Session.HeartbeatInterval)
	var he httperror.HTTPError
	switch {
	case err == nil, errors.Is(err, sse.ErrOverflow):
	case errors.As(err, &he):
		writeError(w, r, err)
	default:
		// The event stream has started; the status line is already sent.
		slog.Error("Follow stream ended with error", "stream", id, "error", err)
	}
}

// handleWS upgrades the connection and serves a live session on it until
// the session ends. r.Context() is derived from the server's base context,
// so shutting down the server ends every session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}

	session := live.NewSession(conn, s.store, live.Config{
		HeartbeatInterval: s.cfg.Session.HeartbeatInterval,
		ClientTimeout:     s.cfg.Session.ClientTimeout,
		SendBuffer:        s.cfg.Session.SendBuffer,
		WriteWait:         s.cfg.Session.WriteWait,
	}, s.liveMetrics)
	session.Run(r.Context())
}

// checkOrigin allows same-host origins and clients that send no Origin
// header (non-browser clients).
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	host := r.Host
	for _, expected := range []string{"http://" + host, "https://" + host} {
		if origin == expected {
			return true
		}
	}

	slog.Warn("Rejected WebSocket connection from unauthorized origin", "origin", origin, "host", host)
	return false
}

// NewRegistry returns a Prometheus registry with Go runtime and process
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Run starts the store and serves HTTP on cfg.Addr() until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	return Serve(ctx, cfg, ln)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	registry := NewRegistry()
	store := streamcache.New(streamcache.Options{
		ReapInterval:  cfg.Store.ReapInterval,
		StreamTimeout: cfg.Store.StreamTimeout,
		SnapshotLines: cfg.Store.SnapshotLines,
		Metrics:       streamcache.NewMetrics(registry),
	})
	defer store.Close()

	srv := New(cfg, store, registry)

	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           srv.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		slog.Info("Starting server", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
