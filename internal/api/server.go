// Package api exposes the admin HTTP surface: health, metrics and the
// manual run trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mangaleech/mangaleech/internal/leech"
)

// Runner triggers one pipeline pass.
type Runner interface {
	RunOnce(ctx context.Context) (leech.RunReport, error)
	RetryPending(ctx context.Context) (leech.RunReport, error)
}

// Server wires the admin routes. At most one run is in flight at a
// time; a second trigger is rejected with 409.
type Server struct {
	router  chi.Router
	runner  Runner
	store   leech.ProgressStore
	logger  *zap.Logger
	baseCtx context.Context

	mu      sync.Mutex
	running bool
	last    *leech.RunReport
}

// NewServer constructs a Server with middleware and routes. Triggered
// runs inherit ctx, so a process shutdown signal stops them the same
// way it stops CLI-driven passes.
func NewServer(ctx context.Context, runner Runner, store leech.ProgressStore, logger *zap.Logger) *Server {
	s := &Server{
		runner:  runner,
		store:   store,
		logger:  logger,
		baseCtx: ctx,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/run", s.triggerRun)
	r.Get("/run/last", s.lastRun)
	r.Post("/chapters/{chapterID}/refetch", s.refetchChapter)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Retry bool `json:"retry"`
}

// triggerRun starts a pass in the background and returns immediately.
// The report becomes available at /run/last once the pass settles.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.writeError(w, http.StatusConflict, "a run is already in flight")
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.runAsync(req.Retry)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"retry":  req.Retry,
	})
}

func (s *Server) runAsync(retry bool) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx := s.baseCtx
	var report leech.RunReport
	var err error
	if retry {
		report, err = s.runner.RetryPending(ctx)
	} else {
		report, err = s.runner.RunOnce(ctx)
	}
	if err != nil {
		s.logger.Error("triggered run failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if last == nil {
		s.writeError(w, http.StatusNotFound, "no completed run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, last)
}

// refetchChapter is the forced re-fetch surface: it clears every image
// row for the chapter and resets it to PENDING, so the next pass (or a
// retry trigger) downloads all pages from scratch. Normal resumption
// never deletes image rows.
func (s *Server) refetchChapter(w http.ResponseWriter, r *http.Request) {
	chapterID, err := strconv.ParseInt(chi.URLParam(r, "chapterID"), 10, 64)
	if err != nil || chapterID <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid chapter id")
		return
	}

	ctx := r.Context()
	if err := s.store.UpdateChapterStatus(ctx, chapterID, leech.ChapterPending, 0); err != nil {
		if errors.Is(err, leech.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "chapter not found")
			return
		}
		s.logger.Error("reset chapter failed", zap.Int64("chapter_id", chapterID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "reset chapter failed")
		return
	}
	if err := s.store.DeleteChapterImages(ctx, chapterID); err != nil {
		s.logger.Error("delete chapter images failed", zap.Int64("chapter_id", chapterID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "delete chapter images failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "reset",
		"chapter_id": chapterID,
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
