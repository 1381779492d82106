// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/index"
	"github.com/chainscope/harvester/internal/orchestrator"
)

// Searcher is the slice of the indexer the API needs.
type Searcher interface {
	Search(ctx context.Context, query string, f index.Filters) ([]harvest.NormalizedRecord, error)
}

// Server wires HTTP handlers to the summary store and the search index.
type Server struct {
	router    chi.Router
	summaries *orchestrator.SummaryStore
	searcher  Searcher
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The searcher may
// be nil when no index backend is configured; /v1/search then returns 503.
func NewServer(summaries *orchestrator.SummaryStore, searcher Searcher, logger *zap.Logger) *Server {
	s := &Server{
		summaries: summaries,
		searcher:  searcher,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/search", s.search)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Run    *harvest.RunSummary    `json:"run,omitempty"`
	Phases []harvest.PhaseSummary `json:"phases"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	phases, err := s.summaries.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{Phases: phases}
	if run, ok, err := s.summaries.ReadRun(); err == nil && ok {
		resp.Run = &run
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search index is not configured")
		return
	}

	q := r.URL.Query()
	filters := index.Filters{
		Severity: q.Get("severity"),
		Source:   q.Get("source"),
		Tag:      q.Get("tag"),
	}
	if t := q.Get("type"); t != "" {
		rt := harvest.RecordType(strings.ToLower(t))
		if !rt.Valid() {
			writeError(w, http.StatusBadRequest, "unknown record type: "+t)
			return
		}
		filters.Types = []harvest.RecordType{rt}
	}

	recs, err := s.searcher.Search(r.Context(), q.Get("q"), filters)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if recs == nil {
		recs = []harvest.NormalizedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
