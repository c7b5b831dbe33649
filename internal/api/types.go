// Package api holds the JSON bodies exchanged between waybackd and its clients.
package api

import (
	"time"

	"github.com/signalmap/waybackd/internal/domain"
)

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Platform string `json:"platform"`
	Identity string `json:"identity"`
	FromYear int    `json:"from_year,omitempty"`
	ToYear   int    `json:"to_year,omitempty"`
	FromDate string `json:"from_date,omitempty"`
	ToDate   string `json:"to_date,omitempty"`
	Sample   int    `json:"sample,omitempty"`
}

// Domain converts the body to a service request.
func (r CreateJobRequest) Domain() domain.JobRequest {
	return domain.JobRequest{
		Platform:   r.Platform,
		Identity:   r.Identity,
		FromYear:   r.FromYear,
		ToYear:     r.ToYear,
		FromDate:   r.FromDate,
		ToDate:     r.ToDate,
		SampleSize: r.Sample,
	}
}

// JobStatusResponse answers submission and cancellation.
type JobStatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// DeleteResponse answers DELETE /jobs/{id}.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// Stats mirrors domain.JobStats.
type Stats struct {
	SnapshotsFound       int `json:"snapshots_found"`
	SnapshotsWithMetrics int `json:"snapshots_with_metrics"`
	SnapshotsCached      int `json:"snapshots_cached"`
	SnapshotsFetched     int `json:"snapshots_fetched"`
	SnapshotsFailed      int `json:"snapshots_failed"`
}

// Snapshot is one extracted capture.
type Snapshot struct {
	Timestamp   string  `json:"timestamp"`
	Date        string  `json:"date"`
	OriginalURL string  `json:"original_url,omitempty"`
	ArchivedURL string  `json:"archived_url"`
	Value       *int64  `json:"value"`
	Confidence  float64 `json:"confidence"`
	Evidence    string  `json:"evidence,omitempty"`
	Source      string  `json:"source"`
	FetchError  string  `json:"fetch_error,omitempty"`
	Following   *int64  `json:"following,omitempty"`
	Posts       *int64  `json:"posts,omitempty"`
}

// ChartPoint is one point of the rendered series. A null value is a gap.
type ChartPoint struct {
	Date        string  `json:"date"`
	Value       *int64  `json:"value"`
	Confidence  float64 `json:"confidence"`
	ArchivedURL string  `json:"archived_url"`
}

// JobSummary is a job without its snapshots, as listed by GET /jobs.
type JobSummary struct {
	ID              string     `json:"job_id"`
	Platform        string     `json:"platform"`
	Identity        string     `json:"identity"`
	CanonicalURL    string     `json:"canonical_url"`
	FromYear        int        `json:"from_year,omitempty"`
	ToYear          int        `json:"to_year,omitempty"`
	FromDate        string     `json:"from_date,omitempty"`
	ToDate          string     `json:"to_date,omitempty"`
	SampleSize      int        `json:"sample"`
	Metric          string     `json:"metric"`
	Status          string     `json:"status"`
	Total           int        `json:"total"`
	Processed       int        `json:"processed"`
	CancelRequested bool       `json:"cancel_requested"`
	Stats           Stats      `json:"stats"`
	Summary         string     `json:"summary,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job will not change any more.
func (j JobSummary) Terminal() bool {
	return domain.JobStatus(j.Status).Terminal()
}

// Job is the full job document. Results is always present, empty before
// the first snapshot is processed.
type Job struct {
	JobSummary
	Results    []Snapshot   `json:"results"`
	AllResults []Snapshot   `json:"all_results,omitempty"`
	Series     []ChartPoint `json:"series,omitempty"`
}

// JobList answers GET /jobs.
type JobList struct {
	Jobs []JobSummary `json:"jobs"`
}

// DirectResponse answers GET /snapshots.
type DirectResponse struct {
	Platform  string `json:"platform"`
	Identity  string `json:"identity"`
	Metric    string `json:"metric"`
	Total     int    `json:"total"`
	Stats     Stats  `json:"stats"`
	Summary   string `json:"summary"`
	Cancelled bool   `json:"cancelled,omitempty"`
	// TimedOut marks a partial answer cut off by the direct fetch timeout.
	TimedOut bool         `json:"timed_out,omitempty"`
	Results  []Snapshot   `json:"results"`
	Series   []ChartPoint `json:"series"`
}

// Health answers GET /health.
type Health struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

// ErrorBody is the standard error object.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
