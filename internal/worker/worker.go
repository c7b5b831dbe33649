// Package worker runs queued jobs in the background.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/signalmap/waybackd/internal/domain"
	"github.com/signalmap/waybackd/internal/metrics"
)

// Worker polls for queued jobs and runs up to concurrency of them at once.
type Worker struct {
	svc          *domain.JobService
	collector    *domain.Collector
	pollInterval time.Duration
	concurrency  int
	metrics      *metrics.Metrics
	logger       *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a new worker.
func New(svc *domain.JobService, collector *domain.Collector, pollInterval time.Duration, concurrency int, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		svc:          svc,
		collector:    collector,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		metrics:      m,
		logger:       logger,
		sem:          make(chan struct{}, concurrency),
		now:          time.Now,
	}
}

// Run starts the worker loop until context is cancelled, then waits for
// running jobs to return.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "poll_interval", w.pollInterval, "concurrency", w.concurrency)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			w.wg.Wait()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	free := w.concurrency - len(w.sem)
	if free <= 0 {
		return
	}
	jobs, err := w.svc.GetQueued(ctx, free)
	if err != nil {
		w.logger.Error("poll error", "error", err)
		return
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		job := jobs[i]
		if err := w.svc.MarkRunning(ctx, job.ID); err != nil {
			// Another worker got it first, or it was cancelled meanwhile.
			w.logger.Debug("claim failed", "job_id", job.ID, "error", err)
			continue
		}
		job.Status = domain.StatusRunning

		w.sem <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer func() {
				<-w.sem
				w.wg.Done()
			}()
			w.processJob(ctx, &job)
		}()
	}
}

// processJob runs the collection for a claimed job and records its outcome.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	log := w.logger.With("job_id", job.ID, "platform", job.Platform, "identity", job.Identity)
	log.Info("job started", "sample", job.SampleSize)
	w.metrics.JobStarted()
	start := w.now()

	col, err := w.collector.Collect(ctx, job, w.svc.Progress(job.ID))
	elapsed := float64(w.now().Sub(start).Milliseconds())

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Shutdown mid-run: the job stays running and is requeued on the next start.
		log.Warn("job interrupted by shutdown", "processed", len(col.Results))
		w.metrics.JobFinished("", col.Stats, elapsed)
		return
	}

	status := domain.StatusCompleted
	switch {
	case err != nil:
		status = domain.StatusFailed
		log.Error("job failed", "error", err, "processed", len(col.Results))
	case col.Cancelled:
		status = domain.StatusCancelled
		log.Info("job cancelled", "processed", len(col.Results))
	default:
		log.Info("job completed", "summary", col.Summary, "with_metrics", col.Stats.WithMetrics)
	}

	// The outcome must be recorded even when the run context is gone.
	if ferr := w.svc.Finish(context.WithoutCancel(ctx), job.ID, status, col.Outcome(err)); ferr != nil {
		log.Error("finish failed", "status", status, "error", ferr)
	}
	w.metrics.JobFinished(status, col.Stats, elapsed)
}
