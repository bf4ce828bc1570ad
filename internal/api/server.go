// Package api is the host's external surface: an HTTP command endpoint,
// websocket subscriptions for chat and workspace metadata, and the
// Prometheus scrape handler.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muxhq/mux/internal/engine"
	"github.com/muxhq/mux/internal/metrics"
)

// Options assemble a server.
type Options struct {
	Addr        string
	BearerToken string
	Engine      *engine.Engine
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Server serves the command surface and the event subscriptions.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	token   string

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the server; call Start to begin listening.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  opts.Engine,
		metrics: opts.Metrics,
		logger:  logger,
		token:   opts.BearerToken,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("POST /api/command", s.authenticated(s.instrumented("/api/command", s.handleCommand)))
	mux.Handle("GET /api/workspaces", s.authenticated(s.instrumented("/api/workspaces", s.handleListWorkspaces)))
	mux.Handle("GET /ws/chat", s.authenticated(http.HandlerFunc(s.handleChatSocket)))
	mux.Handle("GET /ws/metadata", s.authenticated(http.HandlerFunc(s.handleMetadataSocket)))
	mux.Handle("GET /ws/init", s.authenticated(http.HandlerFunc(s.handleInitSocket)))
	return mux
}

// Start begins serving in the background. The returned address is useful
// when Addr carried port 0.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	addr := listener.Addr().String()
	s.logger.Info("api server listening", "addr", addr)
	return addr, nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// authenticated enforces the bearer token when one is configured.
// Websocket clients that cannot set headers may pass ?token= instead.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !s.tokenMatches(r) {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenMatches(r *http.Request) bool {
	presented := ""
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		presented = strings.TrimSpace(authHeader[7:])
	}
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

// instrumented records request count and latency for a route.
func (s *Server) instrumented(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleCommand decodes one command, dispatches it, and returns the result
// as {"result": ...} or an error payload.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd engine.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid command body: "+err.Error())
		return
	}
	result, err := s.engine.Dispatch(r.Context(), cmd)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrWorkspaceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, engine.ErrRenameWhileStreaming):
			status = http.StatusConflict
		case strings.Contains(err.Error(), "unknown command"),
			strings.Contains(err.Error(), "payload"):
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"workspaces": s.engine.ListWorkspaces()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}
