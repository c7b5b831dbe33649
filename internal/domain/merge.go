package domain

import (
	"fmt"
	"sort"
)

// SampleEvenly picks at most n candidates spread across the whole window.
// Pick i is at index i*(len-1)/(n-1), so the first and last captures are
// always kept.
func SampleEvenly(candidates []Candidate, n int) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	if n <= 0 || len(sorted) == 0 {
		return nil
	}
	if len(sorted) <= n {
		return sorted
	}

	if n == 1 {
		return sorted[:1]
	}
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sorted[i*(len(sorted)-1)/(n-1)])
	}
	return out
}

// MergeResults combines cache entries with a job's own results, one per timestamp,
// ascending. Job results win unless they carry no value and the cache does.
func MergeResults(cached, fetched []SnapshotResult) []SnapshotResult {
	byTS := make(map[string]SnapshotResult, len(cached)+len(fetched))
	for _, r := range fetched {
		byTS[r.Timestamp] = r
	}
	for _, r := range cached {
		cur, ok := byTS[r.Timestamp]
		if !ok || (!cur.HasValue() && r.HasValue()) {
			r.Source = SourceCache
			byTS[r.Timestamp] = r
		}
	}

	out := make([]SnapshotResult, 0, len(byTS))
	for _, r := range byTS {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// ChartPoint is one plotted sample. A nil Value is drawn as a gap.
type ChartPoint struct {
	Date        string
	Value       *int64
	Confidence  float64
	ArchivedURL string
}

// ChartSeries projects merged results into chart points, keeping empty captures.
func ChartSeries(results []SnapshotResult) []ChartPoint {
	points := make([]ChartPoint, 0, len(results))
	for _, r := range results {
		points = append(points, ChartPoint{
			Date:        r.Date(),
			Value:       r.Value,
			Confidence:  r.Confidence,
			ArchivedURL: r.ArchivedURL,
		})
	}
	return points
}

// Summarize renders the human readable outcome of a finished collection.
func Summarize(stats JobStats, sampled int) string {
	switch {
	case stats.Found == 0 || sampled == 0:
		return "No Wayback snapshots found for selected date range."
	case stats.WithMetrics == 0:
		return "Snapshots found but no extractable metrics."
	case stats.Cached == sampled:
		return "All snapshots served from cache."
	}
	return fmt.Sprintf("%d snapshots with data out of %d sampled", stats.WithMetrics, sampled)
}
