package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Platform identifies the social platform a profile belongs to.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformYouTube   Platform = "youtube"
)

// ParsePlatform maps user input to a known platform.
func ParsePlatform(raw string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "instagram", "ig":
		return PlatformInstagram, nil
	case "twitter", "x":
		return PlatformTwitter, nil
	case "youtube", "yt":
		return PlatformYouTube, nil
	}
	return "", &ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", raw)}
}

// MaxSample is the upper bound a sample size is clamped to.
func (p Platform) MaxSample() int {
	if p == PlatformInstagram {
		return 100
	}
	return 50
}

// DefaultFromYear is the first year the archive is searched when no range is given.
func (p Platform) DefaultFromYear() int {
	switch p {
	case PlatformTwitter:
		return 2006
	case PlatformYouTube:
		return 2005
	}
	return 2010
}

// MetricName names the value extracted from a profile capture.
func (p Platform) MetricName() string {
	if p == PlatformYouTube {
		return "subscribers"
	}
	return "followers"
}

// Range bounds the archive search. Either the year pair or the date pair is set, never both.
type Range struct {
	FromYear int
	ToYear   int
	FromDate string // YYYY-MM-DD
	ToDate   string
}

// IsDateRange reports whether the range was given as dates.
func (r Range) IsDateRange() bool {
	return r.FromDate != "" || r.ToDate != ""
}

// CDXBounds renders the range as the from/to values the CDX index accepts.
func (r Range) CDXBounds() (from, to string) {
	if r.IsDateRange() {
		return strings.ReplaceAll(r.FromDate, "-", ""), strings.ReplaceAll(r.ToDate, "-", "")
	}
	if r.FromYear > 0 {
		from = fmt.Sprintf("%04d", r.FromYear)
	}
	if r.ToYear > 0 {
		to = fmt.Sprintf("%04d", r.ToYear)
	}
	return from, to
}

// JobStats counts how the sampled snapshots were served.
type JobStats struct {
	Found       int
	WithMetrics int
	Cached      int
	Fetched     int
	Failed      int
}

// Job is one asynchronous snapshot collection for a profile and range.
type Job struct {
	ID              string
	Platform        Platform
	Identity        string
	CanonicalURL    string
	Range           Range
	SampleSize      int
	Status          JobStatus
	Total           int
	Processed       int
	CancelRequested bool
	Stats           JobStats
	Summary         string
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Results         []SnapshotResult
}

// JobFilter narrows List results.
type JobFilter struct {
	Identity string
	Platform Platform
	Limit    int
}

// Source records where a snapshot result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceFetched Source = "fetched"
)

// Candidate is one capture listed by the archive index.
type Candidate struct {
	Timestamp   string // YYYYMMDDhhmmss
	OriginalURL string
}

// SnapshotResult is the metric extracted from one archived capture.
type SnapshotResult struct {
	Timestamp   string
	OriginalURL string
	ArchivedURL string
	Value       *int64
	Confidence  float64
	Evidence    string
	Source      Source
	FetchError  string

	// Following and Posts are read alongside followers on instagram
	// profiles. Other platforms leave them nil.
	Following *int64
	Posts     *int64
}

// HasValue reports whether a metric was extracted.
func (r SnapshotResult) HasValue() bool {
	return r.Value != nil
}

// Date returns the capture day as YYYY-MM-DD.
func (r SnapshotResult) Date() string {
	if len(r.Timestamp) < 8 {
		return r.Timestamp
	}
	return r.Timestamp[0:4] + "-" + r.Timestamp[4:6] + "-" + r.Timestamp[6:8]
}
