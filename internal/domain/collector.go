package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// CollectorOptions tunes retries and cache use.
type CollectorOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	// RefetchEmpty re-fetches cached entries that hold no value instead of
	// trusting them as confirmed absences.
	RefetchEmpty bool
}

// Collection is what one run over a job's sampled snapshots produced.
type Collection struct {
	Results   []SnapshotResult
	Stats     JobStats
	Sampled   int
	Cancelled bool
	Summary   string
}

// Outcome converts the collection into the terminal record for its job.
func (c *Collection) Outcome(err error) Outcome {
	out := Outcome{Summary: c.Summary, Stats: c.Stats}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// Collector runs the snapshot collection for a job.
type Collector struct {
	source SnapshotSource
	cache  SnapshotCache
	opts   CollectorOptions
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewCollector creates a Collector. A nil cache bypasses caching entirely.
func NewCollector(source SnapshotSource, cache SnapshotCache, opts CollectorOptions, logger *slog.Logger) *Collector {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{source: source, cache: cache, opts: opts, logger: logger, sleep: sleepCtx}
}

// WithoutCache returns a copy of c that neither reads nor writes the cache.
func (c *Collector) WithoutCache() *Collector {
	cp := *c
	cp.cache = nil
	return &cp
}

// Collect lists, samples and extracts the snapshots for job, reporting each
// result to progress in chronological order. The returned Collection holds
// whatever was gathered, also when err is non-nil.
func (c *Collector) Collect(ctx context.Context, job *Job, progress Progress) (*Collection, error) {
	col := &Collection{}
	log := c.logger.With("job_id", job.ID, "platform", job.Platform, "identity", job.Identity)

	var candidates []Candidate
	err := c.retry(ctx, func() error {
		var err error
		candidates, err = c.source.ListCandidates(ctx, job.Platform, job.CanonicalURL, job.Range)
		return err
	})
	if err != nil {
		return col, err
	}
	candidates = dedupeCandidates(candidates)
	sampled := SampleEvenly(candidates, job.SampleSize)
	col.Stats.Found = len(candidates)
	col.Sampled = len(sampled)
	if err := progress.Start(ctx, len(sampled), len(candidates)); err != nil {
		return col, err
	}
	log.Info("collecting snapshots", "found", len(candidates), "sampled", len(sampled))

	for _, cand := range sampled {
		cancelled, err := progress.Cancelled(ctx)
		if err != nil {
			return col, err
		}
		if cancelled {
			col.Cancelled = true
			col.Summary = fmt.Sprintf("Cancelled after %d of %d snapshots.", len(col.Results), len(sampled))
			log.Info("collection cancelled", "processed", len(col.Results))
			return col, nil
		}

		result, err := c.resolve(ctx, job, cand, col)
		if err != nil {
			return col, err
		}
		if result.HasValue() {
			col.Stats.WithMetrics++
		}
		if err := progress.Record(ctx, result); err != nil {
			return col, err
		}
		col.Results = append(col.Results, result)
	}

	col.Summary = Summarize(col.Stats, len(sampled))
	return col, nil
}

// resolve returns the result for one candidate, from the cache when possible.
func (c *Collector) resolve(ctx context.Context, job *Job, cand Candidate, col *Collection) (SnapshotResult, error) {
	if c.cache != nil {
		hit, err := c.cache.Get(ctx, job.Platform, job.Identity, cand.Timestamp)
		if err != nil {
			return SnapshotResult{}, err
		}
		if hit != nil && (hit.HasValue() || !c.opts.RefetchEmpty) {
			hit.Source = SourceCache
			col.Stats.Cached++
			return *hit, nil
		}
	}

	var result SnapshotResult
	err := c.retry(ctx, func() error {
		var err error
		result, err = c.source.FetchAndExtract(ctx, job.Platform, cand)
		return err
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return SnapshotResult{}, ctx.Err()
	case IsTransient(err):
		c.logger.Warn("snapshot skipped", "job_id", job.ID, "timestamp", cand.Timestamp, "error", err)
		col.Stats.Failed++
		return SnapshotResult{
			Timestamp:   cand.Timestamp,
			OriginalURL: cand.OriginalURL,
			Source:      SourceFetched,
			FetchError:  err.Error(),
		}, nil
	default:
		return SnapshotResult{}, err
	}

	result.Source = SourceFetched
	col.Stats.Fetched++
	if c.cache != nil {
		if err := c.cache.Put(ctx, job.Platform, job.Identity, result); err != nil {
			return SnapshotResult{}, err
		}
	}
	return result, nil
}

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
func (c *Collector) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == c.opts.MaxAttempts {
			return err
		}
		delay := c.opts.BackoffBase << (attempt - 1)
		var te *TransientError
		if errors.As(err, &te) && te.RetryAfter > delay {
			delay = te.RetryAfter
		}
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

func dedupeCandidates(in []Candidate) []Candidate {
	seen := make(map[string]bool, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if c.Timestamp == "" || seen[c.Timestamp] {
			continue
		}
		seen[c.Timestamp] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
