package api

import "github.com/signalmap/waybackd/internal/domain"

// FromJob renders the full job document.
func FromJob(j *domain.Job) Job {
	return Job{
		JobSummary: Summarize(j),
		Results:    FromResults(j.Results),
	}
}

// Summarize renders a job for listings.
func Summarize(j *domain.Job) JobSummary {
	return JobSummary{
		ID:              j.ID,
		Platform:        string(j.Platform),
		Identity:        j.Identity,
		CanonicalURL:    j.CanonicalURL,
		FromYear:        j.Range.FromYear,
		ToYear:          j.Range.ToYear,
		FromDate:        j.Range.FromDate,
		ToDate:          j.Range.ToDate,
		SampleSize:      j.SampleSize,
		Metric:          j.Platform.MetricName(),
		Status:          string(j.Status),
		Total:           j.Total,
		Processed:       j.Processed,
		CancelRequested: j.CancelRequested,
		Stats:           FromStats(j.Stats),
		Summary:         j.Summary,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

// FromView renders a job together with its merged profile history.
func FromView(v *domain.JobView) Job {
	out := FromJob(v.Job)
	out.AllResults = FromResults(v.AllResults)
	out.Series = FromSeries(v.Series)
	return out
}

// FromStats mirrors domain stats.
func FromStats(s domain.JobStats) Stats {
	return Stats{
		SnapshotsFound:       s.Found,
		SnapshotsWithMetrics: s.WithMetrics,
		SnapshotsCached:      s.Cached,
		SnapshotsFetched:     s.Fetched,
		SnapshotsFailed:      s.Failed,
	}
}

func FromResults(rs []domain.SnapshotResult) []Snapshot {
	out := make([]Snapshot, 0, len(rs))
	for _, r := range rs {
		out = append(out, Snapshot{
			Timestamp:   r.Timestamp,
			Date:        r.Date(),
			OriginalURL: r.OriginalURL,
			ArchivedURL: r.ArchivedURL,
			Value:       r.Value,
			Confidence:  r.Confidence,
			Evidence:    r.Evidence,
			Source:      string(r.Source),
			FetchError:  r.FetchError,
			Following:   r.Following,
			Posts:       r.Posts,
		})
	}
	return out
}

func FromSeries(ps []domain.ChartPoint) []ChartPoint {
	out := make([]ChartPoint, 0, len(ps))
	for _, p := range ps {
		out = append(out, ChartPoint{
			Date:        p.Date,
			Value:       p.Value,
			Confidence:  p.Confidence,
			ArchivedURL: p.ArchivedURL,
		})
	}
	return out
}
