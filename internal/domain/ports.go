package domain

import "context"

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	FindQueued(ctx context.Context, limit int) ([]Job, error)
	Claim(ctx context.Context, id string) error
	SetTotal(ctx context.Context, id string, total, found int) error
	AppendResult(ctx context.Context, id string, result SnapshotResult) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	RequestCancel(ctx context.Context, id string) (JobStatus, error)
	Finish(ctx context.Context, id string, status JobStatus, outcome Outcome) error
	Delete(ctx context.Context, id string) error
	RecoverStale(ctx context.Context) (int64, error)
}

// SnapshotCache is the driven port for extracted snapshot values shared across jobs.
type SnapshotCache interface {
	// Get returns nil, nil when nothing is cached for the key.
	Get(ctx context.Context, platform Platform, identity, timestamp string) (*SnapshotResult, error)
	Put(ctx context.Context, platform Platform, identity string, result SnapshotResult) error
	ListByIdentity(ctx context.Context, platform Platform, identity string) ([]SnapshotResult, error)
}

// SnapshotSource is the driven port for the upstream archive.
type SnapshotSource interface {
	ListCandidates(ctx context.Context, platform Platform, canonicalURL string, r Range) ([]Candidate, error)
	FetchAndExtract(ctx context.Context, platform Platform, c Candidate) (SnapshotResult, error)
}

// Progress receives collection progress for one job.
type Progress interface {
	Start(ctx context.Context, total, found int) error
	Cancelled(ctx context.Context) (bool, error)
	Record(ctx context.Context, result SnapshotResult) error
}

// Outcome is what gets written when a job reaches a terminal state.
type Outcome struct {
	Summary string
	Error   string
	Stats   JobStats
}
