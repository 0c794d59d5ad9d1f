package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/metrics"
	"github.com/JakeFAU/sitepdf-client/internal/pageview"
	"github.com/JakeFAU/sitepdf-client/internal/session"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	requestTimeout   = 10 * time.Second
)

// StatusSource reports the session status.
type StatusSource interface {
	Status() session.Status
	PageDownloads() []job.Artifact
}

// Server wires HTTP handlers to the session.
type Server struct {
	router chi.Router
	source StatusSource
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. gatherer backs
// /metrics; httpMetrics may be nil.
func NewServer(source StatusSource, gatherer prometheus.Gatherer, httpMetrics *metrics.HTTP, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{source: source, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Get("/pages", s.listPages)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSessionDTO(s.source.Status()))
}

// listPages handles GET /v1/session/pages?q=&limit=&offset=. Pages are
// returned in server order and filtered like the page list view.
func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	st := s.source.Status()
	links := make(map[string]string)
	for _, a := range s.source.PageDownloads() {
		links[a.PageURL] = a.URL
	}
	matched := make([]pageDTO, 0, len(st.Job.Pages))
	for _, p := range st.Job.Pages {
		if p.Matches(query) {
			matched = append(matched, pageDTO{
				URL:      p.URL,
				Title:    p.Title,
				PDFURL:   links[p.URL],
				HasVideo: p.HasVideo,
				Rendered: p.Rendered(),
			})
		}
	}
	total := len(matched)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": st.Job.ID,
		"total":  total,
		"pages":  matched[start:end],
	})
}

type sessionDTO struct {
	State      string        `json:"state"`
	SessionID  string        `json:"session_id,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
	Phase      string        `json:"phase"`
	SourceURL  string        `json:"source_url,omitempty"`
	Error      string        `json:"error,omitempty"`
	Stats      statsDTO      `json:"stats"`
	Downloads  []downloadDTO `json:"downloads,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

type statsDTO struct {
	PagesFound     int `json:"pages_found"`
	PDFsGenerated  int `json:"pdfs_generated"`
	VideosDetected int `json:"videos_detected"`
	TotalPages     int `json:"total_pages"`
	Progress       int `json:"progress"`
}

type downloadDTO struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type pageDTO struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	PDFURL   string `json:"pdf_url,omitempty"`
	HasVideo bool   `json:"has_video"`
	Rendered bool   `json:"rendered"`
}

func toSessionDTO(st session.Status) sessionDTO {
	stats := pageview.Compute(st.Job)
	dto := sessionDTO{
		State:     string(st.State),
		SessionID: st.SessionID,
		JobID:     st.Job.ID,
		Phase:     string(st.Job.Phase),
		SourceURL: st.Job.SourceURL,
		Stats: statsDTO{
			PagesFound:     stats.PagesFound,
			PDFsGenerated:  stats.PDFsGenerated,
			VideosDetected: stats.VideosDetected,
			TotalPages:     stats.TotalPages,
			Progress:       stats.Progress,
		},
		ObservedAt: time.Now().UTC(),
	}
	if st.Err != nil {
		dto.Error = st.Err.Error()
	}
	for _, d := range st.Downloads {
		dto.Downloads = append(dto.Downloads, downloadDTO{Kind: string(d.Kind), URL: d.URL})
	}
	return dto
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := defaultLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(v, maxLimit)
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
