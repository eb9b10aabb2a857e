package fileapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/manager"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// FileOpener streams a file out of a sandbox. Satisfied by *manager.Manager.
type FileOpener interface {
	OpenFile(ctx context.Context, sandboxID, filePath string) (*sandbox.FileContent, error)
}

// Server serves sandbox files over HTTP so that links returned by the code
// execution tool resolve to downloadable content.
type Server struct {
	logger     *zap.Logger
	opener     FileOpener
	metrics    *metrics.Collector
	httpServer *http.Server
}

// New creates a file API server listening on addr.
func New(logger *zap.Logger, opener FileOpener, collector *metrics.Collector, addr string) *Server {
	s := &Server{
		logger:  logger,
		opener:  opener,
		metrics: collector,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandbox/file", s.handleFile)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.URL.Query().Get("sandbox_id")
	filePath := r.URL.Query().Get("file_path")
	if sandboxID == "" || filePath == "" {
		s.metrics.FileRequestsTotal.WithLabelValues("400").Inc()
		http.Error(w, "sandbox_id and file_path query parameters are required", http.StatusBadRequest)
		return
	}

	content, err := s.opener.OpenFile(r.Context(), sandboxID, filePath)
	if err != nil {
		if manager.IsNotFound(err) {
			s.metrics.FileRequestsTotal.WithLabelValues("404").Inc()
			http.Error(w, fmt.Sprintf("Sandbox or file not found: %s", filePath), http.StatusNotFound)
			return
		}
		s.metrics.FileRequestsTotal.WithLabelValues("500").Inc()
		s.logger.Error("file retrieval failed",
			zap.String("sandbox_id", sandboxID),
			zap.String("file_path", filePath),
			zap.Error(err))
		http.Error(w, fmt.Sprintf("Error fetching file from sandbox %s: %v", sandboxID, err), http.StatusInternalServerError)
		return
	}
	defer content.Body.Close()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Disposition", "inline; filename*=UTF-8''"+url.PathEscape(content.Name))
	if content.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	}

	s.metrics.FileRequestsTotal.WithLabelValues("200").Inc()
	if _, err := io.Copy(w, content.Body); err != nil {
		// Headers are out the door already, all we can do is log.
		s.logger.Warn("file response interrupted",
			zap.String("sandbox_id", sandboxID),
			zap.String("file_path", filePath),
			zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting file API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
