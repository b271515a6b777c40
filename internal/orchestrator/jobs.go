package orchestrator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobRunner drives the background sweeps on jittered tickers. Jitter spreads
// the first run of each job so replicas starting together do not sweep in
// lockstep.
type JobRunner struct {
	jobs []Job
	wg   sync.WaitGroup
}

// NewJobRunner creates a runner for the given jobs.
func NewJobRunner(jobs ...Job) *JobRunner {
	return &JobRunner{jobs: jobs}
}

// Start launches one goroutine per job. Jobs stop when ctx is canceled; Wait
// blocks until they have all returned.
func (r *JobRunner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runJob(ctx, job)
		}()
	}
}

// Wait blocks until all job goroutines have stopped.
func (r *JobRunner) Wait() {
	r.wg.Wait()
}

func (r *JobRunner) runJob(ctx context.Context, job Job) {
	// Up to 10% of the interval as initial jitter.
	jitter := time.Duration(rand.Int64N(int64(job.Interval)/10 + 1))
	slog.Info("Starting background job", "job", job.Name, "interval", job.Interval, "initial_delay", jitter)

	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		if err := job.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Background job failed", "job", job.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("Stopping background job", "job", job.Name)
			return
		case <-ticker.C:
		}
	}
}
