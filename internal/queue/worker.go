package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m0wer/aibot/internal/storage"
)

// HandlerFunc executes one job. The returned value is marshaled into the
// job's result slot. A returned error marks the job failed; it never
// propagates past the worker boundary.
type HandlerFunc func(ctx context.Context, job storage.Job) (any, error)

// Worker claims jobs from a set of queues and dispatches them to registered
// handlers by job type. Multiple workers, in this process or others, may run
// against the same store: claims are atomic.
type Worker struct {
	fabric   *Fabric
	queues   []string
	handlers map[string]HandlerFunc
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker for the given queues.
// If pollInterval is <= 0, it defaults to 200ms.
func NewWorker(fabric *Fabric, queues []string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &Worker{
		fabric:   fabric,
		queues:   queues,
		handlers: make(map[string]HandlerFunc),
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Handle registers the handler for a job type.
func (w *Worker) Handle(jobType string, fn HandlerFunc) {
	w.handlers[jobType] = fn
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "queues", w.queues, "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.fabric.store.ClaimNextJob(w.queues)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	started := time.Now()
	result, err := w.execute(ctx, *job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.fabric.fail(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.fabric.complete(job.ID, result); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Debug("job completed", "job_id", job.ID, "type", job.Type, "elapsed", time.Since(started))
	return true, nil
}

// execute runs the handler, converting panics into job failures so a bad
// payload cannot take the worker loop down.
func (w *Worker) execute(ctx context.Context, job storage.Job) (result any, err error) {
	fn, ok := w.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return fn(ctx, job)
}
