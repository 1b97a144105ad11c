// Package queue is the job queue fabric: three named queues backed by the
// jobs table, executed at most once per enqueue by worker loops that may
// live in the orchestrator process or in a separate worker process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m0wer/aibot/internal/storage"
)

// Queue names. Conversation turns run on Default, speech synthesis on High
// (kept fast so voice does not lag behind text), speech-to-text on GPU,
// serialized against the accelerator.
const (
	Default = "default"
	High    = "high"
	GPU     = "gpu"
)

var (
	// ErrAwaitTimeout means the result slot was still empty at the deadline.
	// The underlying job keeps running; the wait is simply abandoned.
	ErrAwaitTimeout = errors.New("job result not available before deadline")

	// ErrJobFailed means the job reached a terminal failed state.
	ErrJobFailed = errors.New("job failed")
)

// Store is the subset of the storage layer the fabric needs.
type Store interface {
	EnqueueJob(storage.Job) error
	ClaimNextJob(queues []string) (*storage.Job, error)
	CompleteJob(id string, resultJSON string) error
	FailJob(id string, errMsg string) error
	GetJob(id string) (storage.Job, error)
}

// Fabric enqueues jobs and resolves their results. Completions performed by
// a worker in the same process wake waiters immediately; completions from
// another process are picked up by the Await fallback poll.
type Fabric struct {
	store  Store
	poll   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan storage.Job
}

// New creates a Fabric. If pollInterval is <= 0, it defaults to 100ms.
func New(store Store, pollInterval time.Duration) *Fabric {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Fabric{
		store:   store,
		poll:    pollInterval,
		logger:  slog.Default(),
		waiters: make(map[string][]chan storage.Job),
	}
}

// Handle refers to one enqueued job.
type Handle struct {
	ID     string
	fabric *Fabric
}

// Enqueue marshals payload and inserts a pending job on the named queue,
// returning immediately with a handle.
func (f *Fabric) Enqueue(queue, jobType string, payload any) (*Handle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", jobType, err)
	}

	job := storage.Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Type:        jobType,
		PayloadJSON: string(body),
	}
	if err := f.store.EnqueueJob(job); err != nil {
		return nil, fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}

	f.logger.Debug("job enqueued", "job_id", job.ID, "queue", queue, "type", jobType)
	return &Handle{ID: job.ID, fabric: f}, nil
}

// Poll is the non-blocking result check: it returns the job and true once
// the job is terminal (completed or failed).
func (h *Handle) Poll() (storage.Job, bool, error) {
	job, err := h.fabric.store.GetJob(h.ID)
	if err != nil {
		return storage.Job{}, false, err
	}
	done := job.Status == storage.JobStatusCompleted || job.Status == storage.JobStatusFailed
	return job, done, nil
}

// Await blocks until the job's result slot is filled or timeout elapses.
// On timeout it returns ErrAwaitTimeout without cancelling the job. A job
// that terminated in failure returns ErrJobFailed, distinguishable from a
// timeout by the caller.
func (f *Fabric) Await(ctx context.Context, h *Handle, timeout time.Duration) (storage.Job, error) {
	ch := f.subscribe(h.ID)
	defer f.unsubscribe(h.ID, ch)

	// The job may already be terminal, or may have been completed by
	// another process between enqueue and subscribe.
	if job, done, err := h.Poll(); err != nil {
		return storage.Job{}, err
	} else if done {
		return job, terminalErr(job)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(f.poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return storage.Job{}, ctx.Err()
		case <-deadline.C:
			return storage.Job{}, fmt.Errorf("awaiting job %s: %w", h.ID, ErrAwaitTimeout)
		case job := <-ch:
			return job, terminalErr(job)
		case <-tick.C:
			// Fallback for jobs finished by a worker in another process,
			// which cannot signal this fabric's waiters.
			job, done, err := h.Poll()
			if err != nil {
				return storage.Job{}, err
			}
			if done {
				return job, terminalErr(job)
			}
		}
	}
}

func terminalErr(job storage.Job) error {
	if job.Status == storage.JobStatusFailed {
		return fmt.Errorf("job %s: %s: %w", job.ID, job.LastError, ErrJobFailed)
	}
	return nil
}

// Unmarshal decodes a payload or result slot into v.
func Unmarshal(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}

func (f *Fabric) subscribe(jobID string) chan storage.Job {
	ch := make(chan storage.Job, 1)
	f.mu.Lock()
	f.waiters[jobID] = append(f.waiters[jobID], ch)
	f.mu.Unlock()
	return ch
}

func (f *Fabric) unsubscribe(jobID string, ch chan storage.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chans := f.waiters[jobID]
	for i, c := range chans {
		if c == ch {
			f.waiters[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(f.waiters[jobID]) == 0 {
		delete(f.waiters, jobID)
	}
}

// notify wakes in-process waiters for a terminal job.
func (f *Fabric) notify(jobID string) {
	job, err := f.store.GetJob(jobID)
	if err != nil {
		f.logger.Error("loading job for notification", "job_id", jobID, "error", err)
		return
	}

	f.mu.Lock()
	chans := f.waiters[jobID]
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- job:
		default:
		}
	}
}

// complete fills the result slot and wakes waiters.
func (f *Fabric) complete(jobID string, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := f.store.CompleteJob(jobID, string(body)); err != nil {
		return err
	}
	f.notify(jobID)
	return nil
}

// fail marks the job failed and wakes waiters.
func (f *Fabric) fail(jobID string, errMsg string) error {
	if err := f.store.FailJob(jobID, errMsg); err != nil {
		return err
	}
	f.notify(jobID)
	return nil
}
