// Package api exposes the HTTP interface for the search service. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /crawler/start and /crawler/stop to control runs (secret-key
//     protected when configured).
//   - GET /crawler/status and /crawler/statistics for run reporting.
//   - GET /search for ranked queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbeltran/campus-search/internal/crawler"
	"github.com/jbeltran/campus-search/internal/metrics"
	"github.com/jbeltran/campus-search/internal/search"
	"github.com/jbeltran/campus-search/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	stopTimeout    = 30 * time.Second
	readyTimeout   = 2 * time.Second
)

// Server wires HTTP handlers to the crawler manager and search service.
type Server struct {
	router    chi.Router
	manager   *crawler.Manager
	searchSvc *search.Service
	store     store.Store
	secretKey string
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. An empty
// secretKey disables authentication.
func NewServer(
	manager *crawler.Manager,
	searchSvc *search.Service,
	s store.Store,
	secretKey string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		manager:   manager,
		searchSvc: searchSvc,
		store:     s,
		secretKey: secretKey,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(srv.loggingMiddleware)
	r.Use(srv.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", srv.healthz)
	r.Get("/readyz", srv.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/crawler", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if secretKey != "" {
				r.Use(secretKeyMiddleware(secretKey))
			}
			r.Post("/start", srv.startCrawler)
			r.Post("/stop", srv.stopCrawler)
		})
		r.Get("/status", srv.crawlerStatus)
		r.Get("/statistics", srv.crawlerStatistics)
	})

	r.Get("/search", srv.search)

	srv.router = r
	return srv
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.store.CountDocuments(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	Mode     string   `json:"mode"`
	SeedURLs []string `json:"seed_urls"`
}

func (s *Server) startCrawler(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mode, err := crawler.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.manager.Start(r.Context(), mode, req.SeedURLs); err != nil {
		if errors.Is(err, crawler.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "a crawl is already running")
			return
		}
		s.logger.Error("crawler start failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start crawl")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"mode":   string(mode),
	})
}

func (s *Server) stopCrawler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.manager.Stop(ctx); err != nil {
		if errors.Is(err, crawler.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "no crawl is running")
			return
		}
		s.logger.Error("crawler stop failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to stop crawl")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) crawlerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.Context())
	if err != nil {
		s.logger.Error("crawler status failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) crawlerStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.manager.Statistics(ctx)
	if err != nil {
		s.logger.Error("crawler statistics failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	documents, err := s.store.CountDocuments(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	terms, err := s.store.CountTerms(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	entries, err := s.store.CountIndexEntries(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"recorded_at":    stats.RecordedAt,
		"urls_crawled":   stats.URLsCrawled,
		"urls_failed":    stats.URLsFailed,
		"unique_domains": stats.UniqueDomains,
		"documents":      documents,
		"terms":          terms,
		"index_entries":  entries,
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := queryInt(r, "per_page", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	resp, err := s.searchSvc.Search(r.Context(), query, page, perPage)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", query), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	metrics.ObserveSearch(time.Since(start))
	s.writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
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
			zap.Duration("dur", time.Since(start)),
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

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, strconv.Itoa(ww.status), route, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func secretKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Secret-Key") != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
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
