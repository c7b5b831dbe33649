// Package wayback implements domain.SnapshotSource against the Internet
// Archive's CDX index and archived page store.
package wayback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/signalmap/waybackd/internal/domain"
)

const maxPageBytes = 2 << 20

// Config configures the upstream endpoints.
type Config struct {
	CDXURL         string
	WebURL         string
	UserAgent      string
	Timeout        time.Duration
	CandidateLimit int
}

// DefaultConfig returns the public Wayback Machine endpoints.
func DefaultConfig() Config {
	return Config{
		CDXURL:         "https://web.archive.org/cdx/search/cdx",
		WebURL:         "https://web.archive.org",
		UserAgent:      "Mozilla/5.0 (compatible; SignalMap/1.0; research tool)",
		Timeout:        30 * time.Second,
		CandidateLimit: 2000,
	}
}

// Limiter gates outbound requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Client talks to the archive. Every request waits on the shared limiter.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  Limiter
	registry *Registry
	logger   *slog.Logger
}

// New creates a Client. A nil registry means DefaultRegistry.
func New(cfg Config, limiter Limiter, registry *Registry, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.CDXURL == "" {
		cfg.CDXURL = def.CDXURL
	}
	if cfg.WebURL == "" {
		cfg.WebURL = def.WebURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		registry: registry,
		logger:   logger,
	}
}

// ListCandidates looks up the platform's URL variants in the index.
func (c *Client) ListCandidates(ctx context.Context, platform domain.Platform, canonicalURL string, r domain.Range) ([]domain.Candidate, error) {
	prof := c.registry.Match(platform)
	if prof == nil {
		return nil, &domain.PermanentError{Reason: fmt.Sprintf("no profile for platform %q", platform)}
	}

	var all []domain.Candidate
	for _, q := range prof.Variants(canonicalURL) {
		body, status, err := c.get(ctx, cdxURL(c.cfg.CDXURL, q, r, c.cfg.CandidateLimit))
		if err == nil && status != http.StatusOK {
			err = classify(status, nil)
		}
		if err != nil {
			var perm *domain.PermanentError
			if errors.As(err, &perm) {
				c.logger.Warn("cdx variant rejected", "platform", platform, "url", q.URL, "error", err)
				continue
			}
			return nil, err
		}

		rows, err := parseCDX(body)
		if err != nil {
			c.logger.Warn("cdx variant unreadable", "platform", platform, "url", q.URL, "error", err)
			continue
		}
		kept := rows[:0]
		for _, row := range rows {
			if q.Keep == nil || q.Keep(row.OriginalURL) {
				kept = append(kept, row)
			}
		}
		all = append(all, kept...)
		if len(kept) > 0 && !prof.MergeAll {
			break
		}
	}
	return dedupe(all), nil
}

// FetchAndExtract downloads one capture and reads the metric from it.
func (c *Client) FetchAndExtract(ctx context.Context, platform domain.Platform, cand domain.Candidate) (domain.SnapshotResult, error) {
	res := domain.SnapshotResult{
		Timestamp:   cand.Timestamp,
		OriginalURL: cand.OriginalURL,
		ArchivedURL: ArchivedURL(c.cfg.WebURL, cand),
		Source:      domain.SourceFetched,
	}
	prof := c.registry.Match(platform)
	if prof == nil {
		return res, &domain.PermanentError{Reason: fmt.Sprintf("no profile for platform %q", platform)}
	}

	body, status, err := c.get(ctx, res.ArchivedURL)
	if err != nil {
		return res, err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return res, nil
	case status != http.StatusOK:
		return res, classify(status, nil)
	case len(body) > maxPageBytes:
		c.logger.Debug("capture too large", "url", res.ArchivedURL, "bytes", len(body))
		return res, nil
	}

	ext := prof.Extract(body)
	res.Value = ext.Value
	res.Confidence = ext.Confidence
	res.Evidence = ext.Evidence
	res.Following = ext.Following
	res.Posts = ext.Posts
	return res, nil
}

// ArchivedURL is the replay URL of a capture.
func ArchivedURL(webURL string, c domain.Candidate) string {
	return strings.TrimRight(webURL, "/") + "/web/" + c.Timestamp + "/" + c.OriginalURL
}

// get performs one rate-limited GET. Non-2xx statuses are returned to the
// caller; 429 and 5xx are turned into TransientErrors here.
func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &domain.PermanentError{Reason: err.Error()}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, resp.StatusCode, classify(resp.StatusCode, resp.Header)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &domain.TransientError{Err: fmt.Errorf("read body: %w", err)}
	}
	return body, resp.StatusCode, nil
}

func classify(status int, h http.Header) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return &domain.TransientError{StatusCode: status, RetryAfter: retryAfter(h)}
	}
	return &domain.PermanentError{StatusCode: status, Reason: http.StatusText(status)}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
