package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/signalmap/waybackd/internal/domain"
)

const (
	jobsTable    = "wayback_jobs"
	resultsTable = "wayback_job_snapshots"
)

var jobColumns = []string{
	"id", "platform", "identity", "canonical_url",
	"from_year", "to_year", "from_date", "to_date",
	"sample_size", "status", "cancel_requested", "total", "processed",
	"snapshots_found", "snapshots_with_metrics", "snapshots_cached", "snapshots_fetched", "snapshots_failed",
	"summary", "error", "created_at", "started_at", "finished_at",
}

var resultColumns = []string{
	"snapshot_ts", "original_url", "archived_url", "metric_value", "confidence", "evidence",
	"following_count", "posts_count", "source", "fetch_error",
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	q := s.sb.Insert(jobsTable).
		Columns("id", "platform", "identity", "canonical_url", "from_year", "to_year", "from_date", "to_date",
			"sample_size", "status", "created_at").
		Values(job.ID, string(job.Platform), job.Identity, job.CanonicalURL,
			nullInt(job.Range.FromYear), nullInt(job.Range.ToYear),
			nullString(job.Range.FromDate), nullString(job.Range.ToDate),
			job.SampleSize, string(job.Status), job.CreatedAt.UTC())
	_, err := s.exec(ctx, s.db, "create job", q)
	return err
}

// Get retrieves a job by ID together with its results.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, wrapErr("get job", err)
	}

	query, args, err = s.sb.Select(resultColumns...).From(resultsTable).
		Where(sq.Eq{"job_id": id}).OrderBy("snapshot_ts ASC").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("get job results", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanResult(rows, true)
		if err != nil {
			return nil, wrapErr("scan job result", err)
		}
		job.Results = append(job.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get job results", err)
	}
	return job, nil
}

// List returns job summaries, most recent first.
func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	q := s.sb.Select(jobColumns...).From(jobsTable).OrderBy("created_at DESC")
	if filter.Identity != "" {
		q = q.Where(sq.Eq{"identity": filter.Identity})
	}
	if filter.Platform != "" {
		q = q.Where(sq.Eq{"platform": string(filter.Platform)})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return s.queryJobs(ctx, "list jobs", q)
}

// FindQueued returns queued jobs up to limit, oldest first.
func (s *Store) FindQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	q := s.sb.Select(jobColumns...).From(jobsTable).
		Where(sq.Eq{"status": string(domain.StatusQueued)}).
		OrderBy("created_at ASC").
		Limit(uint64(limit))
	return s.queryJobs(ctx, "find queued", q)
}

func (s *Store) queryJobs(ctx context.Context, op string, q sq.SelectBuilder) ([]domain.Job, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return jobs, nil
}

// Claim atomically moves a queued job to running.
func (s *Store) Claim(ctx context.Context, id string) error {
	q := s.sb.Update(jobsTable).
		Set("status", string(domain.StatusRunning)).
		Set("started_at", s.now()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(domain.StatusQueued)})
	n, err := s.exec(ctx, s.db, "claim job", q)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// SetTotal records how many snapshots will be processed.
func (s *Store) SetTotal(ctx context.Context, id string, total, found int) error {
	q := s.sb.Update(jobsTable).
		Set("total", total).
		Set("snapshots_found", found).
		Where(sq.Eq{"id": id})
	n, err := s.exec(ctx, s.db, "set total", q)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// AppendResult stores one result and advances processed in the same
// transaction, so readers never see them disagree.
func (s *Store) AppendResult(ctx context.Context, id string, r domain.SnapshotResult) error {
	return s.inTx(ctx, "append result", func(tx *sql.Tx) error {
		bump := s.sb.Update(jobsTable).
			Set("processed", sq.Expr("processed + 1")).
			Where(sq.Eq{"id": id}).
			Where(sq.Eq{"status": string(domain.StatusRunning)}).
			Where("processed < total")
		n, err := s.exec(ctx, tx, "append result", bump)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("append result to %s: %w", id, domain.ErrJobNotFound)
		}

		ins := s.sb.Insert(resultsTable).
			Columns("job_id", "snapshot_ts", "original_url", "archived_url", "metric_value",
				"confidence", "evidence", "following_count", "posts_count", "source", "fetch_error").
			Values(id, r.Timestamp, r.OriginalURL, r.ArchivedURL, nullInt64(r.Value),
				r.Confidence, r.Evidence, nullInt64(r.Following), nullInt64(r.Posts),
				string(r.Source), r.FetchError)
		_, err = s.exec(ctx, tx, "append result", ins)
		return err
	})
}

// CancelRequested reports whether a cancel was requested for a running job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	query, args, err := s.sb.Select("cancel_requested").From(jobsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	var requested bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&requested); err != nil {
		return false, wrapErr("cancel requested", err)
	}
	return requested, nil
}

// RequestCancel cancels a queued job outright and flags a running one.
// Terminal jobs are left as they are. The resulting status is returned.
func (s *Store) RequestCancel(ctx context.Context, id string) (domain.JobStatus, error) {
	var status string
	err := s.inTx(ctx, "cancel job", func(tx *sql.Tx) error {
		queued := s.sb.Update(jobsTable).
			Set("status", string(domain.StatusCancelled)).
			Set("finished_at", s.now()).
			Set("summary", "Cancelled before any snapshot was processed.").
			Where(sq.Eq{"id": id}).
			Where(sq.Eq{"status": string(domain.StatusQueued)})
		if _, err := s.exec(ctx, tx, "cancel job", queued); err != nil {
			return err
		}

		running := s.sb.Update(jobsTable).
			Set("cancel_requested", true).
			Where(sq.Eq{"id": id}).
			Where(sq.Eq{"status": string(domain.StatusRunning)})
		if _, err := s.exec(ctx, tx, "cancel job", running); err != nil {
			return err
		}

		query, args, err := s.sb.Select("status").From(jobsTable).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&status); err != nil {
			return wrapErr("cancel job", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return domain.JobStatus(status), nil
}

// Finish moves a running job to a terminal status. finished_at is written
// here and by RequestCancel only, each guarded by the source status.
func (s *Store) Finish(ctx context.Context, id string, status domain.JobStatus, outcome domain.Outcome) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job %s: %q is not a terminal status", id, status)
	}
	q := s.sb.Update(jobsTable).
		Set("status", string(status)).
		Set("summary", outcome.Summary).
		Set("error", outcome.Error).
		Set("snapshots_found", outcome.Stats.Found).
		Set("snapshots_with_metrics", outcome.Stats.WithMetrics).
		Set("snapshots_cached", outcome.Stats.Cached).
		Set("snapshots_fetched", outcome.Stats.Fetched).
		Set("snapshots_failed", outcome.Stats.Failed).
		Set("finished_at", s.now()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(domain.StatusRunning)})
	n, err := s.exec(ctx, s.db, "finish job", q)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish job %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

// Delete removes a job and its results.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete job", func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, "delete job results", s.sb.Delete(resultsTable).Where(sq.Eq{"job_id": id})); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, "delete job", s.sb.Delete(jobsTable).Where(sq.Eq{"id": id}))
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrJobNotFound
		}
		return nil
	})
}

// RecoverStale resets running jobs back to queued (for crash recovery).
// Their partial results are dropped since the run starts over.
func (s *Store) RecoverStale(ctx context.Context) (int64, error) {
	var count int64
	err := s.inTx(ctx, "recover stale", func(tx *sql.Tx) error {
		del := s.sb.Delete(resultsTable).
			Where(sq.Expr("job_id IN (SELECT id FROM "+jobsTable+" WHERE status = ?)", string(domain.StatusRunning)))
		if _, err := s.exec(ctx, tx, "recover stale", del); err != nil {
			return err
		}
		upd := s.sb.Update(jobsTable).
			Set("status", string(domain.StatusQueued)).
			Set("processed", 0).
			Set("total", 0).
			Set("error", "recovered after crash").
			Set("started_at", nil).
			Where(sq.Eq{"status": string(domain.StatusRunning)})
		n, err := s.exec(ctx, tx, "recover stale", upd)
		count = n
		return err
	})
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                   domain.Job
		platform, status      string
		fromYear, toYear      sql.NullInt64
		fromDate, toDate      sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &platform, &job.Identity, &job.CanonicalURL,
		&fromYear, &toYear, &fromDate, &toDate,
		&job.SampleSize, &status, &job.CancelRequested, &job.Total, &job.Processed,
		&job.Stats.Found, &job.Stats.WithMetrics, &job.Stats.Cached, &job.Stats.Fetched, &job.Stats.Failed,
		&job.Summary, &job.Error, &job.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Platform = domain.Platform(platform)
	job.Status = domain.JobStatus(status)
	job.Range = domain.Range{
		FromYear: int(fromYear.Int64),
		ToYear:   int(toYear.Int64),
		FromDate: fromDate.String,
		ToDate:   toDate.String,
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

// scanResult reads resultColumns, or the cache columns when withSource is false.
func scanResult(row scanner, withSource bool) (domain.SnapshotResult, error) {
	var (
		r                       domain.SnapshotResult
		value, following, posts sql.NullInt64
		source                  string
	)
	dest := []any{&r.Timestamp, &r.OriginalURL, &r.ArchivedURL, &value, &r.Confidence, &r.Evidence, &following, &posts}
	if withSource {
		dest = append(dest, &source, &r.FetchError)
	}
	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	r.Value = int64Ptr(value)
	r.Following = int64Ptr(following)
	r.Posts = int64Ptr(posts)
	r.Source = domain.Source(source)
	return r, nil
}

func wrapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StorageError{Op: op, Err: err}
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
