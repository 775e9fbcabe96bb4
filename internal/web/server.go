// Package web assembles the HTTP surface: JSON APIs for sessions, artifacts
// and module fields, and the SSE chat stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agfin/loanproxy/internal/artifact"
	"github.com/agfin/loanproxy/internal/baas"
	"github.com/agfin/loanproxy/internal/chat"
	"github.com/agfin/loanproxy/internal/modfield"
	"github.com/agfin/loanproxy/internal/reprompt"
	"github.com/agfin/loanproxy/internal/session"
	"github.com/agfin/loanproxy/internal/stream"
	"github.com/agfin/loanproxy/internal/web/handlers"
)

// Deps carries everything the router serves.
type Deps struct {
	Registry *artifact.Registry
	Bridge   *reprompt.Bridge
	Channel  *stream.Channel
	Thread   *chat.Thread
	Sessions *session.Store
	Client   *baas.Client
	Engines  map[int]*modfield.Engine
	Logger   *slog.Logger
}

// NewRouter builds the full route table.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	handlers.NewSessionHandler(d.Sessions, d.Client, d.Logger).Register(mux)
	handlers.NewChatHandler(d.Thread, d.Channel, d.Registry, d.Sessions, d.Client, d.Logger).Register(mux)
	handlers.NewArtifactHandler(d.Registry, d.Bridge, d.Logger).Register(mux)
	handlers.NewFieldHandler(d.Engines, d.Logger).Register(mux)

	return requestLogger(d.Logger, mux)
}

// Server is the HTTP server with lifecycle management.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server for the given handler.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: SSE responses stay open indefinitely.
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// statusWriter records the response status for logging. It forwards Flush
// so SSE streaming keeps working through the middleware.
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

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start))
	})
}
