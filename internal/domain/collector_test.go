package domain

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

// checkingProgress wraps the repo-backed progress and asserts the progress
// invariants after every write.
type checkingProgress struct {
	t    *testing.T
	repo *memRepo
	id   string
	Progress
}

func (p *checkingProgress) Record(ctx context.Context, r SnapshotResult) error {
	if err := p.Progress.Record(ctx, r); err != nil {
		return err
	}
	job, _ := p.repo.Get(ctx, p.id)
	if job.Processed > job.Total {
		p.t.Errorf("processed %d exceeds total %d", job.Processed, job.Total)
	}
	if len(job.Results) != job.Processed {
		p.t.Errorf("len(results) = %d, processed = %d", len(job.Results), job.Processed)
	}
	return nil
}

func newTestCollector(src SnapshotSource, cache SnapshotCache, opts CollectorOptions) *Collector {
	c := NewCollector(src, cache, opts, nil)
	c.sleep = noSleep
	return c
}

func runJob(t *testing.T, svc *JobService, repo *memRepo, c *Collector, id string) (*Collection, error) {
	t.Helper()
	ctx := context.Background()
	if err := svc.MarkRunning(ctx, id); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	job, _ := svc.Get(ctx, id)
	progress := &checkingProgress{t: t, repo: repo, id: id, Progress: svc.Progress(id)}
	col, err := c.Collect(ctx, job, progress)

	status := StatusCompleted
	switch {
	case err != nil:
		status = StatusFailed
	case col.Cancelled:
		status = StatusCancelled
	}
	if ferr := svc.Finish(ctx, id, status, col.Outcome(err)); ferr != nil {
		t.Fatalf("Finish() error = %v", ferr)
	}
	return col, err
}

func TestCollector_InstagramScenario(t *testing.T) {
	repo := newMemRepo()
	cache := newMemCache()
	svc := NewJobService(repo, cache)
	ctx := context.Background()

	cands := candidatesBetween(2012, 2026, 6)
	src := newFakeSource(cands)
	for i, c := range cands {
		if i%2 == 0 {
			src.values[c.Timestamp] = int64(1000 + i)
		}
	}

	job, err := svc.Create(ctx, JobRequest{Platform: "instagram", Identity: "acct", FromYear: 2012, ToYear: 2026, SampleSize: 24})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("Status = %q, want queued", job.Status)
	}

	col, err := runJob(t, svc, repo, newTestCollector(src, cache, CollectorOptions{MaxAttempts: 3}), job.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Total != 24 || got.Processed != 24 {
		t.Errorf("total/processed = %d/%d, want 24/24", got.Total, got.Processed)
	}
	if !sort.SliceIsSorted(got.Results, func(i, j int) bool { return got.Results[i].Timestamp < got.Results[j].Timestamp }) {
		t.Error("results are not in ascending timestamp order")
	}
	if got.FinishedAt == nil || repo.finishes[job.ID] != 1 {
		t.Errorf("finished_at = %v, finishes = %d, want set once", got.FinishedAt, repo.finishes[job.ID])
	}
	if col.Stats.Fetched != 24 || col.Stats.Found != len(cands) {
		t.Errorf("stats = %+v", col.Stats)
	}
	if cache.puts != 24 {
		t.Errorf("cache puts = %d, want 24", cache.puts)
	}

	// A second job for the same profile is served from the cache.
	job2, _ := svc.Create(ctx, JobRequest{Platform: "instagram", Identity: "acct", FromYear: 2012, ToYear: 2026, SampleSize: 24})
	col2, err := runJob(t, svc, repo, newTestCollector(src, cache, CollectorOptions{MaxAttempts: 3}), job2.ID)
	if err != nil {
		t.Fatalf("second Collect() error = %v", err)
	}
	if src.totalFetches() != 24 {
		t.Errorf("fetches = %d, want 24 after a cached rerun", src.totalFetches())
	}
	if col2.Summary != "All snapshots served from cache." {
		t.Errorf("Summary = %q", col2.Summary)
	}
}

func TestCollector_FewerCandidatesThanSample(t *testing.T) {
	repo := newMemRepo()
	svc := NewJobService(repo, nil)
	src := newFakeSource(candidatesBetween(2020, 2020, 5))

	job, _ := svc.Create(context.Background(), JobRequest{Platform: "twitter", Identity: "acct", SampleSize: 24})
	col, err := runJob(t, svc, repo, newTestCollector(src, nil, CollectorOptions{MaxAttempts: 1}), job.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	got, _ := svc.Get(context.Background(), job.ID)
	if got.Total != 5 || got.Processed != 5 {
		t.Errorf("total/processed = %d/%d, want 5/5", got.Total, got.Processed)
	}
	if col.Summary != "Snapshots found but no extractable metrics." {
		t.Errorf("Summary = %q", col.Summary)
	}
}

func TestCollector_NoCandidates(t *testing.T) {
	repo := newMemRepo()
	svc := NewJobService(repo, nil)
	job, _ := svc.Create(context.Background(), JobRequest{Platform: "youtube", Identity: "@chan"})

	col, err := runJob(t, svc, repo, newTestCollector(newFakeSource(nil), nil, CollectorOptions{}), job.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	got, _ := svc.Get(context.Background(), job.ID)
	if got.Status != StatusCompleted || got.Total != 0 {
		t.Errorf("status/total = %q/%d", got.Status, got.Total)
	}
	if col.Summary != "No Wayback snapshots found for selected date range." {
		t.Errorf("Summary = %q", col.Summary)
	}
}

func TestCollector_CancelBeforeProcessing(t *testing.T) {
	repo := newMemRepo()
	svc := NewJobService(repo, nil)
	ctx := context.Background()
	src := newFakeSource(candidatesBetween(2015, 2020, 4))

	job, _ := svc.Create(ctx, JobRequest{Platform: "instagram", Identity: "acct", SampleSize: 10})
	if err := svc.MarkRunning(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	status, err := svc.Cancel(ctx, job.ID)
	if err != nil || status != StatusRunning {
		t.Fatalf("second Cancel() = %q, %v", status, err)
	}

	running, _ := svc.Get(ctx, job.ID)
	col, err := newTestCollector(src, nil, CollectorOptions{}).Collect(ctx, running, svc.Progress(job.ID))
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !col.Cancelled {
		t.Fatal("collection was not cancelled")
	}
	if err := svc.Finish(ctx, job.ID, StatusCancelled, col.Outcome(nil)); err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.Status != StatusCancelled || got.Processed != 0 || len(got.Results) != 0 {
		t.Errorf("got status=%q processed=%d results=%d", got.Status, got.Processed, len(got.Results))
	}
	if src.totalFetches() != 0 {
		t.Errorf("fetches = %d, want 0", src.totalFetches())
	}
	if status, _ := svc.Cancel(ctx, job.ID); status != StatusCancelled {
		t.Errorf("Cancel() on terminal job = %q", status)
	}
}

func TestCollector_CancelMidway(t *testing.T) {
	repo := newMemRepo()
	svc := NewJobService(repo, nil)
	ctx := context.Background()
	cands := candidatesBetween(2015, 2020, 2)
	src := newFakeSource(cands)

	job, _ := svc.Create(ctx, JobRequest{Platform: "instagram", Identity: "acct", SampleSize: 12})
	src.onFetch = func(c Candidate) {
		if c.Timestamp == cands[2].Timestamp {
			svc.Cancel(ctx, job.ID)
		}
	}
	col, err := runJob(t, svc, repo, newTestCollector(src, nil, CollectorOptions{}), job.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	got, _ := svc.Get(ctx, job.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	// The in-flight snapshot completes before the flag is observed.
	if got.Processed != 3 || len(col.Results) != 3 {
		t.Errorf("processed = %d, want 3", got.Processed)
	}
}

func TestCollector_TransientErrors(t *testing.T) {
	cands := candidatesBetween(2020, 2020, 3)
	transient := &TransientError{StatusCode: 429}

	tests := []struct {
		name        string
		errs        []error
		maxAttempts int
		wantFailed  int
		wantFetches int
		wantPuts    int
	}{
		{name: "recovers within attempts", errs: []error{transient, transient}, maxAttempts: 3, wantFailed: 0, wantFetches: 5, wantPuts: 3},
		{name: "exhausted attempts skip snapshot", errs: []error{transient, transient, transient}, maxAttempts: 3, wantFailed: 1, wantFetches: 5, wantPuts: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			cache := newMemCache()
			svc := NewJobService(repo, cache)
			src := newFakeSource(cands)
			src.errs[cands[1].Timestamp] = tt.errs

			job, _ := svc.Create(context.Background(), JobRequest{Platform: "instagram", Identity: "acct", SampleSize: 3})
			col, err := runJob(t, svc, repo, newTestCollector(src, cache, CollectorOptions{MaxAttempts: tt.maxAttempts}), job.ID)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if col.Stats.Failed != tt.wantFailed {
				t.Errorf("Failed = %d, want %d", col.Stats.Failed, tt.wantFailed)
			}
			if n := src.totalFetches(); n != tt.wantFetches {
				t.Errorf("fetches = %d, want %d", n, tt.wantFetches)
			}
			if cache.puts != tt.wantPuts {
				t.Errorf("cache puts = %d, want %d", cache.puts, tt.wantPuts)
			}
			got, _ := svc.Get(context.Background(), job.ID)
			if got.Status != StatusCompleted || got.Processed != 3 {
				t.Errorf("status/processed = %q/%d", got.Status, got.Processed)
			}
			if tt.wantFailed > 0 && got.Results[1].FetchError == "" {
				t.Error("skipped snapshot has no fetch error")
			}
		})
	}
}

func TestCollector_BackoffHonoursRetryAfter(t *testing.T) {
	cands := candidatesBetween(2020, 2020, 1)
	src := newFakeSource(cands)
	src.errs[cands[0].Timestamp] = []error{
		&TransientError{StatusCode: 503},
		&TransientError{StatusCode: 429, RetryAfter: 10 * time.Second},
	}

	var delays []time.Duration
	c := NewCollector(src, nil, CollectorOptions{MaxAttempts: 3, BackoffBase: time.Second}, nil)
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	job := &Job{ID: "j", Platform: PlatformInstagram, Identity: "acct", SampleSize: 1}
	if _, err := c.Collect(context.Background(), job, &MemoryProgress{}); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	want := []time.Duration{time.Second, 10 * time.Second}
	if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestCollector_PermanentErrorFailsJob(t *testing.T) {
	repo := newMemRepo()
	svc := NewJobService(repo, nil)
	cands := candidatesBetween(2020, 2020, 4)
	src := newFakeSource(cands)
	src.errs[cands[2].Timestamp] = []error{&PermanentError{StatusCode: 403, Reason: "forbidden"}}

	job, _ := svc.Create(context.Background(), JobRequest{Platform: "instagram", Identity: "acct", SampleSize: 4})
	_, err := runJob(t, svc, repo, newTestCollector(src, nil, CollectorOptions{MaxAttempts: 3}), job.ID)
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("Collect() error = %v, want PermanentError", err)
	}

	got, _ := svc.Get(context.Background(), job.ID)
	if got.Status != StatusFailed || got.Error == "" {
		t.Errorf("status/error = %q/%q", got.Status, got.Error)
	}
	if got.Processed != 2 || len(got.Results) != 2 {
		t.Errorf("partial results = %d, want 2", got.Processed)
	}
	if src.fetches[cands[2].Timestamp] != 1 {
		t.Errorf("permanent error retried %d times", src.fetches[cands[2].Timestamp])
	}
}

func TestCollector_StorageErrorFailsJob(t *testing.T) {
	repo := newMemRepo()
	cache := newMemCache()
	cache.getErr = &StorageError{Op: "cache get", Err: errBoom}
	svc := NewJobService(repo, cache)

	job, _ := svc.Create(context.Background(), JobRequest{Platform: "instagram", Identity: "acct", SampleSize: 4})
	_, err := runJob(t, svc, repo, newTestCollector(newFakeSource(candidatesBetween(2020, 2020, 4)), cache, CollectorOptions{}), job.ID)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Collect() error = %v, want ErrStorage", err)
	}
	got, _ := svc.Get(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
}

func TestCollector_CachedAbsence(t *testing.T) {
	cands := candidatesBetween(2020, 2020, 2)

	tests := []struct {
		name         string
		refetchEmpty bool
		wantFetches  int
	}{
		{name: "confirmed absence is trusted", refetchEmpty: false, wantFetches: 1},
		{name: "refetch empty entries", refetchEmpty: true, wantFetches: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newMemCache()
			cache.Put(context.Background(), PlatformInstagram, "acct", SnapshotResult{Timestamp: cands[0].Timestamp})
			src := newFakeSource(cands)
			src.values[cands[0].Timestamp] = 42

			c := newTestCollector(src, cache, CollectorOptions{RefetchEmpty: tt.refetchEmpty})
			job := &Job{ID: "j", Platform: PlatformInstagram, Identity: "acct", SampleSize: 2}
			col, err := c.Collect(context.Background(), job, &MemoryProgress{})
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if n := src.totalFetches(); n != tt.wantFetches {
				t.Errorf("fetches = %d, want %d", n, tt.wantFetches)
			}
			if tt.refetchEmpty && !col.Results[0].HasValue() {
				t.Error("refetched entry has no value")
			}
		})
	}
}

func TestCollector_WithoutCacheBypassesCache(t *testing.T) {
	cands := candidatesBetween(2020, 2020, 2)
	cache := newMemCache()
	cache.Put(context.Background(), PlatformInstagram, "acct", SnapshotResult{Timestamp: cands[0].Timestamp, Value: int64p(7), Confidence: 0.75})
	cache.puts = 0
	src := newFakeSource(cands)

	c := newTestCollector(src, cache, CollectorOptions{}).WithoutCache()
	progress := &MemoryProgress{}
	job := &Job{ID: "direct", Platform: PlatformInstagram, Identity: "acct", SampleSize: 5}
	if _, err := c.Collect(context.Background(), job, progress); err != nil {
		t.Fatal(err)
	}
	if src.totalFetches() != 2 || cache.puts != 0 {
		t.Errorf("fetches = %d, puts = %d", src.totalFetches(), cache.puts)
	}
	if progress.Total != 2 || len(progress.Results) != 2 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestCollector_ContextCancelled(t *testing.T) {
	cands := candidatesBetween(2020, 2020, 3)
	src := newFakeSource(cands)
	ctx, cancel := context.WithCancel(context.Background())
	src.onFetch = func(Candidate) { cancel() }
	src.errs[cands[0].Timestamp] = []error{&TransientError{Err: context.Canceled}}

	c := NewCollector(src, nil, CollectorOptions{MaxAttempts: 3, BackoffBase: time.Hour}, nil)
	job := &Job{ID: "j", Platform: PlatformInstagram, Identity: "acct", SampleSize: 3}
	_, err := c.Collect(ctx, job, &MemoryProgress{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Collect() error = %v, want context.Canceled", err)
	}
}
