// Package http is the HTTP adapter for the job API.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalmap/waybackd/internal/api"
	"github.com/signalmap/waybackd/internal/domain"
	"github.com/signalmap/waybackd/internal/metrics"
)

// DefaultDirectTimeout bounds a synchronous snapshot request.
const DefaultDirectTimeout = 120 * time.Second

// Pinger reports whether the job store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's collaborators.
type Options struct {
	Addr string
	// Jobs is nil when the job store could not be opened. Job endpoints then
	// answer 503 and only the direct path works.
	Jobs          *domain.JobService
	Direct        *domain.Collector
	DirectTimeout time.Duration
	// DirectMaxSample caps the sample of a direct fetch so it can finish
	// within DirectTimeout. Zero leaves the platform bounds alone.
	DirectMaxSample int
	Storage         Pinger
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Server is the HTTP adapter for the job API.
type Server struct {
	jobs            *domain.JobService
	direct          *domain.Collector
	directTimeout   time.Duration
	directMaxSample int
	storage         Pinger
	metrics         *metrics.Metrics
	logger          *slog.Logger
	engine          *gin.Engine
	server          *http.Server
	now             func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.DirectTimeout <= 0 {
		opts.DirectTimeout = DefaultDirectTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		jobs:            opts.Jobs,
		direct:          opts.Direct,
		directTimeout:   opts.DirectTimeout,
		directMaxSample: opts.DirectMaxSample,
		storage:         opts.Storage,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		engine:          gin.New(),
		now:             time.Now,
	}
	s.engine.Use(requestID(), requestLogger(s.logger), recovery(s.logger))
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.POST("/jobs", s.handleCreateJob)
	s.engine.GET("/jobs", s.handleListJobs)
	s.engine.GET("/jobs/:id", s.handleGetJob)
	s.engine.DELETE("/jobs/:id", s.handleDeleteJob)
	s.engine.POST("/jobs/:id/cancel", s.handleCancelJob)
	s.engine.GET("/snapshots", s.handleDirect)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.metrics.Handler())
	s.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "no such endpoint")
	})
}

func (s *Server) handleCreateJob(c *gin.Context) {
	if s.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_unavailable", "job storage is unavailable")
		return
	}
	var req api.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	job, err := s.jobs.Create(c.Request.Context(), req.Domain())
	if err != nil {
		s.fail(c, "create job", err)
		return
	}
	c.Set("jobId", job.ID)
	s.metrics.JobSubmitted()
	s.logger.Info("job submitted", "job_id", job.ID, "platform", job.Platform, "identity", job.Identity)
	c.JSON(http.StatusCreated, api.JobStatusResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	if s.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_unavailable", "job storage is unavailable")
		return
	}
	id := c.Param("id")
	c.Set("jobId", id)
	view, err := s.jobs.GetWithSeries(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "get job", err)
		return
	}
	c.JSON(http.StatusOK, api.FromView(view))
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	if s.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_unavailable", "job storage is unavailable")
		return
	}
	id := c.Param("id")
	c.Set("jobId", id)
	if err := s.jobs.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete job", err)
		return
	}
	c.JSON(http.StatusOK, api.DeleteResponse{Deleted: true})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	if s.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_unavailable", "job storage is unavailable")
		return
	}
	id := c.Param("id")
	c.Set("jobId", id)
	status, err := s.jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "cancel job", err)
		return
	}
	c.JSON(http.StatusOK, api.JobStatusResponse{JobID: id, Status: string(status)})
}

func (s *Server) handleListJobs(c *gin.Context) {
	if s.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_unavailable", "job storage is unavailable")
		return
	}
	filter := domain.JobFilter{Identity: strings.TrimSpace(c.Query("identity"))}
	if raw := c.Query("platform"); raw != "" {
		p, err := domain.ParsePlatform(raw)
		if err != nil {
			s.fail(c, "list jobs", err)
			return
		}
		filter.Platform = p
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, "list jobs", &domain.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		filter.Limit = n
	}

	jobs, err := s.jobs.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "list jobs", err)
		return
	}
	out := api.JobList{Jobs: make([]api.JobSummary, 0, len(jobs))}
	for i := range jobs {
		out.Jobs = append(out.Jobs, api.Summarize(&jobs[i]))
	}
	c.JSON(http.StatusOK, out)
}

// handleDirect runs a best-effort collection inline, without a job record
// and without the cache.
func (s *Server) handleDirect(c *gin.Context) {
	if s.direct == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "direct fetch is disabled")
		return
	}
	req, err := directRequest(c)
	if err != nil {
		s.fail(c, "direct fetch", err)
		return
	}
	job, err := domain.NormalizeRequest(req, s.now())
	if err != nil {
		s.fail(c, "direct fetch", err)
		return
	}
	if s.directMaxSample > 0 && job.SampleSize > s.directMaxSample {
		job.SampleSize = s.directMaxSample
	}
	s.metrics.DirectRequest()

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.directTimeout)
	defer cancel()

	progress := &domain.MemoryProgress{}
	col, err := s.direct.Collect(ctx, job, progress)
	// Once candidates are listed, running out of time still leaves an
	// answer worth returning.
	timedOut := errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil
	if err != nil && !(timedOut && col.Sampled > 0) {
		switch {
		case timedOut:
			writeError(c, http.StatusGatewayTimeout, "timeout", "snapshot listing timed out")
		case errors.Is(err, context.Canceled):
			writeError(c, http.StatusServiceUnavailable, "cancelled", "request cancelled")
		default:
			s.fail(c, "direct fetch", err)
		}
		return
	}
	if timedOut {
		col.Summary = fmt.Sprintf("Timed out after %d of %d snapshots.", len(col.Results), col.Sampled)
		s.logger.Warn("direct fetch timed out",
			"platform", job.Platform, "identity", job.Identity,
			"processed", len(col.Results), "sampled", col.Sampled, "timeout", s.directTimeout)
	}

	c.JSON(http.StatusOK, api.DirectResponse{
		Platform:  string(job.Platform),
		Identity:  job.Identity,
		Metric:    job.Platform.MetricName(),
		Total:     progress.Total,
		Stats:     api.FromStats(col.Stats),
		Summary:   col.Summary,
		Cancelled: col.Cancelled,
		TimedOut:  timedOut,
		Results:   api.FromResults(col.Results),
		Series:    api.FromSeries(domain.ChartSeries(col.Results)),
	})
}

func directRequest(c *gin.Context) (domain.JobRequest, error) {
	req := domain.JobRequest{
		Platform: c.Query("platform"),
		Identity: c.Query("identity"),
		FromDate: c.Query("from_date"),
		ToDate:   c.Query("to_date"),
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"from_year", &req.FromYear},
		{"to_year", &req.ToYear},
		{"sample", &req.SampleSize},
	}
	for _, f := range ints {
		raw := c.Query(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, &domain.ValidationError{Field: f.name, Reason: "must be an integer"}
		}
		*f.dst = n
	}
	return req, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	storage := "ok"
	if s.storage == nil {
		storage = "unavailable"
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ping(ctx); err != nil {
			storage = "unavailable"
		}
	}
	c.JSON(http.StatusOK, api.Health{Status: "ok", Storage: storage})
}

// fail maps a service error onto the HTTP contract.
func (s *Server) fail(c *gin.Context, op string, err error) {
	var (
		perm *domain.PermanentError
		tran *domain.TransientError
	)
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(c, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(c, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrStorage):
		s.logger.Error(op+" failed", "request_id", c.GetString(requestIDKey), "error", err)
		writeError(c, http.StatusServiceUnavailable, "storage_unavailable", "job storage is unavailable")
	case errors.As(err, &perm), errors.As(err, &tran):
		s.logger.Warn(op+" upstream error", "request_id", c.GetString(requestIDKey), "error", err)
		writeError(c, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		s.logger.Error(op+" failed", "request_id", c.GetString(requestIDKey), "error", err)
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{Error: api.ErrorBody{Code: code, Message: message}})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
