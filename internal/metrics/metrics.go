// Package metrics keeps process counters and renders them in the Prometheus
// text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/signalmap/waybackd/internal/domain"
)

// Metrics is safe for concurrent use. The zero value is not usable; call New.
type Metrics struct {
	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
	jobsCancelled atomic.Uint64
	jobsRunning   atomic.Int64

	snapshotsCached  atomic.Uint64
	snapshotsFetched atomic.Uint64
	snapshotsFailed  atomic.Uint64

	directRequests atomic.Uint64

	jobDuration *histogram
}

// New creates an empty set of metrics.
func New() *Metrics {
	return &Metrics{
		jobDuration: newHistogram([]float64{1000, 5000, 15000, 60000, 120000, 300000, 600000, 1800000}),
	}
}

// JobSubmitted counts an accepted job.
func (m *Metrics) JobSubmitted() { m.jobsSubmitted.Add(1) }

// DirectRequest counts a synchronous fetch.
func (m *Metrics) DirectRequest() { m.directRequests.Add(1) }

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() { m.jobsRunning.Add(1) }

// JobFinished records a job reaching status after durationMs, along with
// how its snapshots were served.
func (m *Metrics) JobFinished(status domain.JobStatus, stats domain.JobStats, durationMs float64) {
	m.jobsRunning.Add(-1)
	switch status {
	case domain.StatusCompleted:
		m.jobsCompleted.Add(1)
	case domain.StatusFailed:
		m.jobsFailed.Add(1)
	case domain.StatusCancelled:
		m.jobsCancelled.Add(1)
	}
	m.snapshotsCached.Add(uint64(stats.Cached))
	m.snapshotsFetched.Add(uint64(stats.Fetched))
	m.snapshotsFailed.Add(uint64(stats.Failed))
	if durationMs < 0 {
		durationMs = 0
	}
	m.jobDuration.Observe(durationMs)
}

// Handler exposes metrics in Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, m.Render())
	}
}

// Render renders metrics in Prometheus text format.
func (m *Metrics) Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "waybackd_jobs_submitted_total", "Jobs accepted", m.jobsSubmitted.Load())
	writeCounter(&buf, "waybackd_jobs_completed_total", "Jobs completed", m.jobsCompleted.Load())
	writeCounter(&buf, "waybackd_jobs_failed_total", "Jobs failed", m.jobsFailed.Load())
	writeCounter(&buf, "waybackd_jobs_cancelled_total", "Jobs cancelled", m.jobsCancelled.Load())
	writeGauge(&buf, "waybackd_jobs_running", "Jobs currently running", m.jobsRunning.Load())
	writeCounter(&buf, "waybackd_snapshots_cached_total", "Snapshots served from cache", m.snapshotsCached.Load())
	writeCounter(&buf, "waybackd_snapshots_fetched_total", "Snapshots fetched from the archive", m.snapshotsFetched.Load())
	writeCounter(&buf, "waybackd_snapshots_failed_total", "Snapshots skipped after retries", m.snapshotsFailed.Load())
	writeCounter(&buf, "waybackd_direct_requests_total", "Synchronous snapshot requests", m.directRequests.Load())
	writeHistogram(&buf, "waybackd_job_duration_ms", "Job run time in milliseconds", m.jobDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe counts value in the first bucket it fits.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeGauge(buf *bytes.Buffer, name, help string, value int64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s gauge\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

// writeHistogram emits cumulative buckets from per-bucket counts.
func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
