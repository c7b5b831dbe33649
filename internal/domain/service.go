package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSampleSize = 30
	DefaultListLimit  = 10
	MaxListLimit      = 100

	dateLayout       = "2006-01-02"
	firstArchiveYear = 1996
)

// JobRequest is a submission as received from a client.
type JobRequest struct {
	Platform   string
	Identity   string
	FromYear   int
	ToYear     int
	FromDate   string
	ToDate     string
	SampleSize int
}

// JobView is a job together with everything known for its profile.
type JobView struct {
	Job        *Job
	AllResults []SnapshotResult
	Series     []ChartPoint
}

// JobService orchestrates job operations.
type JobService struct {
	repo  JobRepository
	cache SnapshotCache
	now   func() time.Time
}

// NewJobService creates a new JobService. cache may be nil, in which case
// views only contain the job's own results.
func NewJobService(repo JobRepository, cache SnapshotCache) *JobService {
	return &JobService{repo: repo, cache: cache, now: time.Now}
}

// NormalizeRequest validates req and builds the queued job it describes.
// It is shared by job submission and the direct fetch path.
func NormalizeRequest(req JobRequest, now time.Time) (*Job, error) {
	platform, err := ParsePlatform(req.Platform)
	if err != nil {
		return nil, err
	}
	identity, canonical, err := NormalizeIdentity(platform, req.Identity)
	if err != nil {
		return nil, err
	}
	r, err := normalizeRange(platform, req, now)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:           uuid.New().String(),
		Platform:     platform,
		Identity:     identity,
		CanonicalURL: canonical,
		Range:        r,
		SampleSize:   clampSample(platform, req.SampleSize),
		Status:       StatusQueued,
		CreatedAt:    now.UTC(),
	}, nil
}

func normalizeRange(platform Platform, req JobRequest, now time.Time) (Range, error) {
	hasYears := req.FromYear != 0 || req.ToYear != 0
	hasDates := req.FromDate != "" || req.ToDate != ""
	if hasYears && hasDates {
		return Range{}, &ValidationError{Field: "range", Reason: "give either a year range or a date range, not both"}
	}

	if hasDates {
		from := req.FromDate
		if from == "" {
			from = time.Date(platform.DefaultFromYear(), 1, 1, 0, 0, 0, 0, time.UTC).Format(dateLayout)
		}
		to := req.ToDate
		if to == "" {
			to = now.UTC().Format(dateLayout)
		}
		fromT, err := time.Parse(dateLayout, from)
		if err != nil {
			return Range{}, &ValidationError{Field: "from_date", Reason: "expected YYYY-MM-DD"}
		}
		toT, err := time.Parse(dateLayout, to)
		if err != nil {
			return Range{}, &ValidationError{Field: "to_date", Reason: "expected YYYY-MM-DD"}
		}
		if fromT.After(toT) {
			return Range{}, &ValidationError{Field: "range", Reason: "from_date is after to_date"}
		}
		return Range{FromDate: from, ToDate: to}, nil
	}

	from, to := req.FromYear, req.ToYear
	if from == 0 {
		from = platform.DefaultFromYear()
	}
	if to == 0 {
		to = now.UTC().Year()
	}
	if from < firstArchiveYear || to > now.UTC().Year()+1 {
		return Range{}, &ValidationError{Field: "range", Reason: "years must fall between 1996 and next year"}
	}
	if from > to {
		return Range{}, &ValidationError{Field: "range", Reason: "from_year is after to_year"}
	}
	return Range{FromYear: from, ToYear: to}, nil
}

func clampSample(platform Platform, n int) int {
	if n == 0 {
		n = DefaultSampleSize
	}
	if n < 1 {
		return 1
	}
	if max := platform.MaxSample(); n > max {
		return max
	}
	return n
}

// Create validates and persists a new queued job. It never waits for fetching.
func (s *JobService) Create(ctx context.Context, req JobRequest) (*Job, error) {
	job, err := NormalizeRequest(req, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by ID, including its own results.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// GetWithSeries returns the job merged with every cached result for its profile.
func (s *JobService) GetWithSeries(ctx context.Context, id string) (*JobView, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var cached []SnapshotResult
	if s.cache != nil {
		cached, err = s.cache.ListByIdentity(ctx, job.Platform, job.Identity)
		if err != nil {
			return nil, err
		}
	}
	all := MergeResults(cached, job.Results)
	return &JobView{Job: job, AllResults: all, Series: ChartSeries(all)}, nil
}

// Cancel asks a job to stop and returns the status it is left in.
// Terminal jobs are left untouched.
func (s *JobService) Cancel(ctx context.Context, id string) (JobStatus, error) {
	return s.repo.RequestCancel(ctx, id)
}

// Delete removes a job and its results.
func (s *JobService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// List returns job summaries, most recent first.
func (s *JobService) List(ctx context.Context, filter JobFilter) ([]Job, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	return s.repo.List(ctx, filter)
}

// GetQueued retrieves queued jobs up to the limit.
func (s *JobService) GetQueued(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.FindQueued(ctx, limit)
}

// MarkRunning claims a queued job for this worker.
func (s *JobService) MarkRunning(ctx context.Context, id string) error {
	return s.repo.Claim(ctx, id)
}

// Progress returns the progress sink that persists a job's results.
func (s *JobService) Progress(id string) Progress {
	return &repoProgress{repo: s.repo, id: id}
}

// Finish moves a running job to a terminal state.
func (s *JobService) Finish(ctx context.Context, id string, status JobStatus, outcome Outcome) error {
	return s.repo.Finish(ctx, id, status, outcome)
}

// RecoverStale requeues jobs left running by a crash.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}

type repoProgress struct {
	repo JobRepository
	id   string
}

func (p *repoProgress) Start(ctx context.Context, total, found int) error {
	return p.repo.SetTotal(ctx, p.id, total, found)
}

func (p *repoProgress) Cancelled(ctx context.Context) (bool, error) {
	return p.repo.CancelRequested(ctx, p.id)
}

func (p *repoProgress) Record(ctx context.Context, result SnapshotResult) error {
	return p.repo.AppendResult(ctx, p.id, result)
}

// MemoryProgress collects results for runs that have no job record.
type MemoryProgress struct {
	Total   int
	Found   int
	Results []SnapshotResult
}

func (p *MemoryProgress) Start(_ context.Context, total, found int) error {
	p.Total, p.Found = total, found
	return nil
}

func (p *MemoryProgress) Cancelled(context.Context) (bool, error) { return false, nil }

func (p *MemoryProgress) Record(_ context.Context, result SnapshotResult) error {
	p.Results = append(p.Results, result)
	return nil
}
