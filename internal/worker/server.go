package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/metrics"
	"github.com/oriys/cumulus/internal/observability"
)

const (
	maxTaskSize       = 4 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Server is the HTTP entrypoint of a worker image. POST /invoke accepts a
// task and runs it in the background; the caller learns the outcome from
// storage, not from the response.
type Server struct {
	router  *chi.Mux
	handler *Handler
	meta    *domain.RuntimeMetadata
	metrics *metrics.Metrics
	logger  *slog.Logger

	// base outlives individual requests; running tasks are drained on
	// shutdown.
	base    context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func NewServer(h *Handler, meta *domain.RuntimeMetadata, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		meta:    meta,
		metrics: m,
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(observability.HTTPMiddleware)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/runtime/metadata", s.handleMetadata)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
	s.router.Post("/invoke", s.handleInvoke)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until ctx is cancelled, then drains running tasks.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Drain(shutdownCtx)
	return err
}

// Drain waits for background tasks, cancelling them when ctx ends first.
func (s *Server) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.meta)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var task domain.Task
	r.Body = http.MaxBytesReader(w, r.Body, maxTaskSize)
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task body"})
		return
	}
	if task.ExecutorID == "" || task.JobID == "" || task.Function == "" || task.Bucket == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "executor_id, job_id, function and bucket are required"})
		return
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		if err := s.handler.Run(s.base, task); err != nil {
			s.logger.Error("task commit failed", "executor", task.ExecutorID, "job", task.JobID,
				"partition", task.Partition.Index, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"executor_id": task.ExecutorID,
		"job_id":      task.JobID,
		"partition":   task.Partition.Index,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
