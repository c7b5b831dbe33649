// Package client talks to a waybackd server: it submits jobs, polls them to
// completion and falls back to the synchronous path when jobs are unavailable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/signalmap/waybackd/internal/api"
)

const (
	DefaultPollInterval  = 1500 * time.Millisecond
	DefaultDirectTimeout = 120 * time.Second
)

var (
	// ErrUnavailable means the server cannot accept jobs right now.
	ErrUnavailable = errors.New("job service unavailable")
	ErrNotFound    = errors.New("job not found")
)

// Error is a non-2xx answer from the server.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	PollInterval  time.Duration
	DirectTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	base          string
	http          *http.Client
	pollInterval  time.Duration
	directTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultDirectTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:          strings.TrimRight(cfg.BaseURL, "/"),
		http:          cfg.HTTPClient,
		pollInterval:  cfg.PollInterval,
		directTimeout: cfg.DirectTimeout,
		logger:        cfg.Logger,
	}
}

// Submit creates a job. It returns an error matching ErrUnavailable on 503.
func (c *Client) Submit(ctx context.Context, req api.CreateJobRequest) (*api.JobStatusResponse, error) {
	var out api.JobStatusResponse
	if err := c.do(ctx, c.http, http.MethodPost, "/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job fetches a job with its results and series.
func (c *Client) Job(ctx context.Context, id string) (*api.Job, error) {
	var out api.Job
	if err := c.do(ctx, c.http, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the server to stop a job.
func (c *Client) Cancel(ctx context.Context, id string) (*api.JobStatusResponse, error) {
	var out api.JobStatusResponse
	if err := c.do(ctx, c.http, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a job.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, c.http, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

// List returns recent job summaries.
func (c *Client) List(ctx context.Context, identity, platform string, limit int) ([]api.JobSummary, error) {
	q := url.Values{}
	if identity != "" {
		q.Set("identity", identity)
	}
	if platform != "" {
		q.Set("platform", platform)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.JobList
	if err := c.do(ctx, c.http, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Direct runs the synchronous best-effort fetch, bounded by the direct timeout.
func (c *Client) Direct(ctx context.Context, req api.CreateJobRequest) (*api.DirectResponse, error) {
	q := url.Values{}
	q.Set("platform", req.Platform)
	q.Set("identity", req.Identity)
	for k, v := range map[string]int{"from_year": req.FromYear, "to_year": req.ToYear, "sample": req.Sample} {
		if v != 0 {
			q.Set(k, strconv.Itoa(v))
		}
	}
	if req.FromDate != "" {
		q.Set("from_date", req.FromDate)
	}
	if req.ToDate != "" {
		q.Set("to_date", req.ToDate)
	}

	ctx, cancel := context.WithTimeout(ctx, c.directTimeout)
	defer cancel()
	hc := *c.http
	hc.Timeout = 0

	var out api.DirectResponse
	if err := c.do(ctx, &hc, http.MethodGet, "/snapshots?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var eb api.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb) == nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
