// Package httpapi exposes the orchestrator and scheduler over HTTP/JSON and
// provides the matching client used by remote agents.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/yirzhou/beacon"
)

const (
	authHeaderName  = "X-API-Token"
	defaultPageSize = 100
	maxBodyBytes    = 4 << 20
)

// Orchestrator is the orchestrator surface served by Server.
type Orchestrator interface {
	beacon.Orchestrator
	Workers() []beacon.WorkerInfo
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	Heartbeat   *beacon.WorkerHeartbeat `json:"heartbeat"`
	Diagnostics *beacon.DiagnosticInfo  `json:"diagnostics,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ServerOptions struct {
	// APIToken, when set, is required in the X-API-Token header.
	APIToken string
	Logger   hclog.Logger
}

type Server struct {
	orch      Orchestrator
	scheduler *beacon.JobScheduler
	token     string
	logger    hclog.Logger
}

func NewServer(orch Orchestrator, scheduler *beacon.JobScheduler, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		orch:      orch,
		scheduler: scheduler,
		token:     strings.TrimSpace(opts.APIToken),
		logger:    logger.Named("http"),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.withAuth)

	r.Post("/workers/{workerID}/job", s.getAvailableJob)
	r.Get("/workers", s.listWorkers)
	r.Post("/heartbeat", s.heartbeat)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.createJob)
		r.Get("/{jobID}", s.getJob)
		r.Delete("/{jobID}", s.deleteJob)
		r.Post("/{jobID}/cancel", s.cancelJob)
		r.Post("/{jobID}/reset", s.resetJob)
	})
	return r
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get(authHeaderName) != s.token {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) getAvailableJob(w http.ResponseWriter, r *http.Request) {
	var req beacon.JobRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	instr, err := s.orch.GetAvailableJob(r.Context(), chi.URLParam(r, "workerID"), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if instr == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, instr)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.orch.SendHeartbeat(r.Context(), req.Heartbeat, req.Diagnostics)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []beacon.HeartbeatResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Workers())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := &beacon.JobQuery{ConfigurationType: q.Get("type")}
	if raw := q.Get("status"); raw != "" {
		status, err := beacon.ParseJobStatus(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		query.Status = &status
	}
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	list, err := s.scheduler.ListJobs(r.Context(), query, q.Get("token"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var job beacon.Job
	if !s.decode(w, r, &job) {
		return
	}
	created, err := s.scheduler.NewJob(r.Context(), &job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.scheduler.DeleteJob)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.scheduler.CancelJob)
}

func (s *Server) resetJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.scheduler.ResetJob)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, jobID string) (*beacon.Job, error)) {
	job, err := fn(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.logger.Warn("invalid request body", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return false
	}
	return true
}

// statusFor maps repository and orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, beacon.ErrConflict), errors.Is(err, beacon.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, beacon.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, beacon.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, beacon.ErrStore), errors.Is(err, beacon.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
