// Package backendtest provides a scripted in-process crawl backend for tests.
// It speaks the same wire format as the real service: POST /api/crawl and
// GET /api/status/{job_id}, plus static artifact files.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DropConnection as a reply code closes the connection without a response.
const DropConnection = -1

// Reply is one scripted HTTP response.
type Reply struct {
	Code int
	// Body is JSON-encoded unless Raw is set.
	Body any
	Raw  string
}

// Server is a scripted backend. The zero value is not usable; call New.
type Server struct {
	mu          sync.Mutex
	srv         *httptest.Server
	jobIDs      []string
	submitPlan  []Reply
	submissions []string
	scripts     map[string][]Reply
	calls       map[string]int
	gates       map[string]chan struct{}
	files       map[string][]byte
}

// New starts a Server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		scripts: make(map[string][]Reply),
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		files:   make(map[string][]byte),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Post("/api/crawl", s.createJob)
	r.Get("/api/status/{job_id}", s.jobStatus)
	r.Get("/*", s.serveFile)
	s.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		s.ReleaseAll()
		s.srv.Close()
	})
	return s
}

// URL returns the backend base address.
func (s *Server) URL() string {
	return s.srv.URL
}

// QueueJobIDs fixes the identifiers handed out by the next submissions.
func (s *Server) QueueJobIDs(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobIDs = append(s.jobIDs, ids...)
}

// FailSubmissions makes the next submissions reply with the given replies
// before falling back to success.
func (s *Server) FailSubmissions(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitPlan = append(s.submitPlan, replies...)
}

// Script queues status replies for jobID. Each poll consumes one reply; the
// last reply repeats once the script is exhausted.
func (s *Server) Script(jobID string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[jobID] = append(s.scripts[jobID], replies...)
}

// Hold blocks status requests for jobID until the returned release func runs.
func (s *Server) Hold(jobID string) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.gates[jobID]; ok {
		close(prev)
	}
	gate := make(chan struct{})
	s.gates[jobID] = gate
	// A gate is closed only by whoever removes it from the map.
	return func() {
		s.mu.Lock()
		current, ok := s.gates[jobID]
		if !ok || current != gate {
			s.mu.Unlock()
			return
		}
		delete(s.gates, jobID)
		s.mu.Unlock()
		close(gate)
	}
}

// ReleaseAll unblocks every held status request.
func (s *Server) ReleaseAll() {
	s.mu.Lock()
	gates := s.gates
	s.gates = make(map[string]chan struct{})
	s.mu.Unlock()
	for _, gate := range gates {
		close(gate)
	}
}

// ServeFile publishes an artifact at the server-relative path.
func (s *Server) ServeFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[strings.TrimLeft(path, "/")] = append([]byte(nil), data...)
}

// StatusCalls reports how many status requests jobID received.
func (s *Server) StatusCalls(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[jobID]
}

// Submissions returns the URLs submitted so far, including failed attempts.
func (s *Server) Submissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submissions...)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, req.URL)
	var planned *Reply
	if len(s.submitPlan) > 0 {
		next := s.submitPlan[0]
		s.submitPlan = s.submitPlan[1:]
		planned = &next
	}
	var jobID string
	if planned == nil {
		if len(s.jobIDs) > 0 {
			jobID = s.jobIDs[0]
			s.jobIDs = s.jobIDs[1:]
		} else {
			jobID = uuid.NewString()
		}
		if _, ok := s.scripts[jobID]; !ok {
			s.scripts[jobID] = nil
		}
	}
	s.mu.Unlock()

	if planned != nil {
		writeReply(w, *planned)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	s.mu.Lock()
	s.calls[jobID]++
	gate := s.gates[jobID]
	script, known := s.scripts[jobID]
	var reply Reply
	switch {
	case !known:
		reply = Reply{Code: http.StatusNotFound, Body: map[string]string{"detail": "Job not found"}}
	case len(script) == 0:
		reply = Reply{Code: http.StatusOK, Body: Status("processing")}
	default:
		reply = script[0]
		if len(script) > 1 {
			s.scripts[jobID] = script[1:]
		}
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	writeReply(w, reply)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.files[strings.TrimLeft(r.URL.Path, "/")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Status builds a status payload. Optional fields are added with the With*
// helpers so tests control which keys are present.
func Status(status string) map[string]any {
	return map[string]any{"status": status}
}

// WithPages sets the pages key.
func WithPages(body map[string]any, pages ...map[string]any) map[string]any {
	list := make([]map[string]any, 0, len(pages))
	list = append(list, pages...)
	body["pages"] = list
	return body
}

// Page builds a page entry with only the url key.
func Page(url string) map[string]any {
	return map[string]any{"url": url}
}

// OK wraps a body in a 200 reply.
func OK(body any) Reply {
	return Reply{Code: http.StatusOK, Body: body}
}

func writeReply(w http.ResponseWriter, reply Reply) {
	if reply.Code == DropConnection {
		hj, ok := w.(http.Hijacker)
		if !ok {
			writeError(w, http.StatusInternalServerError, "hijack unsupported")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	code := reply.Code
	if code == 0 {
		code = http.StatusOK
	}
	if reply.Raw != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = fmt.Fprint(w, reply.Raw)
		return
	}
	writeJSON(w, code, reply.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}
