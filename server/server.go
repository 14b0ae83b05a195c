// Package server handles HTTP endpoints and request routing.
package server

import (
	"cninfo-notices/pkg/notice"
	"cninfo-notices/poll"
	"cninfo-notices/query"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Engine interface for creating queries.
type Engine interface {
	Create(ctx context.Context, req query.CreateRequest) (*notice.Query, error)
}

// Store interface for saved query management.
type Store interface {
	Save(ctx context.Context, q *notice.Query) error
	Load(ctx context.Context, name string) (*notice.Query, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*notice.Query, error)
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (*poll.Summary, error)
}

// Server handles HTTP requests.
type Server struct {
	engine        Engine
	store         Store
	poller        Poller
	logger        *slog.Logger
	createLimiter *rate.Limiter
}

// Config holds server configuration.
type Config struct {
	Engine Engine
	Store  Store
	Poller Poller
	Logger *slog.Logger
	// CreateInterval spaces out query creation, which fans out to the portal.
	// Zero disables the limit.
	CreateInterval time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.CreateInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.CreateInterval), 2)
	}
	return &Server{
		engine:        cfg.Engine,
		store:         cfg.Store,
		poller:        cfg.Poller,
		logger:        cfg.Logger,
		createLimiter: limiter,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/queries", s.handleList)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/query/delete", s.handleDelete)
	return mux
}

// ListenAndServe starts the server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // Create and poll may page through the portal
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	summary, err := s.poller.CheckAll(r.Context())
	if errors.Is(err, poll.ErrAlreadyRunning) {
		http.Error(w, "Poll already running", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"total":   summary.Total,
		"updated": summary.Updated,
		"frozen":  summary.Frozen,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
		"reports": summary.Reports,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
