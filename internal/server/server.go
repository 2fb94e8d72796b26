// Package server exposes the tool surface over HTTP: synchronous
// invocation, the async job queue, liveness and readiness probes, and
// Prometheus metrics.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/health"
	"github.com/medlit/medlit/internal/jobs"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/tool"
)

// maxBodyBytes caps request bodies on the invoke and enqueue paths.
const maxBodyBytes = 1 << 20

// Options wires the server's collaborators.
type Options struct {
	Invoker *tool.Invoker
	Queue   *jobs.Queue
	Jobs    store.JobStore
	Health  *health.Checker
	Metrics *Metrics
	Logger  *slog.Logger
	// AuthSecret guards /invoke and /v1/jobs when non-empty.
	AuthSecret string
}

// Server is the HTTP tool surface.
type Server struct {
	invoker *tool.Invoker
	queue   *jobs.Queue
	jobs    store.JobStore
	health  *health.Checker
	metrics *Metrics
	logger  *slog.Logger
	secret  string
	router  chi.Router
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	s := &Server{
		invoker: opts.Invoker,
		queue:   opts.Queue,
		jobs:    opts.Jobs,
		health:  opts.Health,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		secret:  opts.AuthSecret,
	}

	r := chi.NewRouter()
	r.Use(s.recoverer, s.instrument)

	r.Get("/live", s.handleLive)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/invoke", s.handleInvoke)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", s.handleEnqueueJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// errorBody is the uniform JSON error shape outside tool envelopes.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coded error onto status, body, and the Retry-After
// hint for back-pressure responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	if code == errors.CodeRateLimit && s.invoker != nil {
		w.Header().Set("Retry-After", retryAfterSeconds(s.invoker.RetryAfter()))
	}
	writeJSON(w, code.HTTPStatus(), errorBody{
		ErrorCode: string(code),
		Message:   wireMessage(err),
	})
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

// wireMessage keeps response messages bounded for structured errors.
func wireMessage(err error) string {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return appErr.WireMessage()
	}
	return err.Error()
}

// handleLive reports process liveness only.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports composite readiness; unhealthy dependencies turn
// the endpoint into a 503 so load balancers drain traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleInvoke runs one synchronous tool call. The tool name rides in
// the query string and the body is passed through as tool params.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("tool")
	if name == "" {
		s.writeError(w, errors.Validation("tool", "tool query parameter is required"))
		return
	}

	params, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, errors.Validation("body", "request body unreadable or too large"))
		return
	}

	env, err := s.invoker.Invoke(r.Context(), name, params)
	if err != nil {
		code := errors.CodeOf(err)
		s.metrics.invocations.WithLabelValues(name, string(code)).Inc()
		if code == errors.CodeRateLimit {
			w.Header().Set("Retry-After", retryAfterSeconds(s.invoker.RetryAfter()))
		}
		writeJSON(w, code.HTTPStatus(), env)
		return
	}
	s.metrics.invocations.WithLabelValues(name, "ok").Inc()
	writeJSON(w, http.StatusOK, env)
}

// enqueueRequest is the /v1/jobs submission body.
type enqueueRequest struct {
	Tool           string          `json:"tool"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// jobView is the wire shape of a job.
type jobView struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Status     store.JobStatus `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func viewOf(j *store.Job) *jobView {
	return &jobView{
		ID:         j.ID,
		Tool:       j.Tool,
		Status:     j.Status,
		Progress:   j.Progress,
		Message:    j.Message,
		Result:     j.Result,
		ErrorCode:  j.ErrorCode,
		Attempts:   j.Attempts,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// handleEnqueueJob accepts a job. A fresh insert answers 202; an
// idempotency-key match answers 200 with the existing job.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, errors.Validation("body", "request body unreadable or too large"))
		return
	}

	var req enqueueRequest
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, errors.Validation("body", "malformed job submission: "+err.Error()))
		return
	}
	if req.Tool == "" {
		s.writeError(w, errors.Validation("tool", "tool is required"))
		return
	}

	job, inserted, err := s.queue.Enqueue(r.Context(), req.Tool, req.Params, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if inserted {
		status = http.StatusAccepted
		s.metrics.enqueued.Inc()
	}
	writeJSON(w, status, viewOf(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

var validJobStatuses = map[store.JobStatus]bool{
	store.JobQueued:    true,
	store.JobRunning:   true,
	store.JobSucceeded: true,
	store.JobFailed:    true,
	store.JobCancelled: true,
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Tool: r.URL.Query().Get("tool")}

	if v := r.URL.Query().Get("status"); v != "" {
		status := store.JobStatus(v)
		if !validJobStatuses[status] {
			s.writeError(w, errors.Validation("status", "unknown job status "+v))
			return
		}
		filter.Status = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errors.Validation("limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	list, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]*jobView, len(list))
	for i, j := range list {
		views[i] = viewOf(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": len(views)})
}

// handleCancelJob flags a job for cancellation. Queued jobs cancel
// immediately; running jobs stop at their next suspension point.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.RequestCancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// auth enforces the bearer secret when one is configured. Probes and
// metrics stay open for infrastructure.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				ErrorCode: string(errors.CodeValidation),
				Message:   "missing or invalid bearer token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer confines handler panics to a 500 without leaking the panic
// value to the client.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("http handler panicked",
					"path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody{
					ErrorCode: string(errors.CodeInvariant),
					Message:   "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records per-route latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.requests.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
