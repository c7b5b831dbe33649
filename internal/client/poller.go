package client

import (
	"context"
	"errors"
	"time"

	"github.com/signalmap/waybackd/internal/api"
)

// ProgressFunc is called after every poll with the latest job state.
type ProgressFunc func(job *api.Job)

// Poll fetches the job at a fixed interval until it is terminal or ctx ends.
func (c *Client) Poll(ctx context.Context, id string, progress ProgressFunc) (*api.Job, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(job)
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result is what Run produced: a finished job, or a direct response when
// the server could not take jobs.
type Result struct {
	Job    *api.Job
	Direct *api.DirectResponse
}

// Run submits req and polls it to completion. When the server answers 503
// it falls back to the synchronous fetch.
func (c *Client) Run(ctx context.Context, req api.CreateJobRequest, progress ProgressFunc) (*Result, error) {
	sub, err := c.Submit(ctx, req)
	if errors.Is(err, ErrUnavailable) {
		c.logger.Warn("job service unavailable, using direct fetch", "platform", req.Platform, "identity", req.Identity)
		direct, derr := c.Direct(ctx, req)
		if derr != nil {
			return nil, derr
		}
		return &Result{Direct: direct}, nil
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("job submitted", "job_id", sub.JobID)
	job, err := c.Poll(ctx, sub.JobID, progress)
	if err != nil {
		return &Result{Job: job}, err
	}
	return &Result{Job: job}, nil
}
