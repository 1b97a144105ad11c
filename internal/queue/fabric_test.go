package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m0wer/aibot/internal/storage"
)

func newTestFabric(t *testing.T) (*Fabric, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, 10*time.Millisecond), s
}

type echoPayload struct {
	Text string `json:"text"`
}

func TestEnqueueReturnsImmediately(t *testing.T) {
	f, _ := newTestFabric(t)

	start := time.Now()
	h, err := f.Enqueue(Default, "echo", echoPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Enqueue blocked for %v", elapsed)
	}

	job, done, err := h.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if done {
		t.Error("job done before any worker ran")
	}
	if job.Queue != Default || job.Status != storage.JobStatusPending {
		t.Errorf("job = %q/%q, want default/pending", job.Queue, job.Status)
	}
}

func TestAwaitReceivesResult(t *testing.T) {
	f, _ := newTestFabric(t)

	w := NewWorker(f, []string{Default}, 10*time.Millisecond)
	w.Handle("echo", func(ctx context.Context, job storage.Job) (any, error) {
		var p echoPayload
		if err := Unmarshal(job.PayloadJSON, &p); err != nil {
			return nil, err
		}
		return echoPayload{Text: p.Text + "!"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	h, err := f.Enqueue(Default, "echo", echoPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := f.Await(ctx, h, 5*time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	var out echoPayload
	if err := Unmarshal(job.ResultJSON, &out); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if out.Text != "hi!" {
		t.Errorf("result = %q, want %q", out.Text, "hi!")
	}
}

func TestAwaitTimesOutWithoutBlocking(t *testing.T) {
	f, _ := newTestFabric(t)

	// No worker running: the job never completes.
	h, err := f.Enqueue(Default, "echo", echoPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start := time.Now()
	_, err = f.Await(context.Background(), h, 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("Await error = %v, want ErrAwaitTimeout", err)
	}
	if elapsed > time.Second {
		t.Errorf("Await returned after %v, want ~100ms", elapsed)
	}

	// Abandoning the wait must not cancel the job.
	job, _, pollErr := h.Poll()
	if pollErr != nil {
		t.Fatalf("Poll: %v", pollErr)
	}
	if job.Status != storage.JobStatusPending {
		t.Errorf("job status after abandoned wait = %q, want pending", job.Status)
	}
}

func TestAwaitDistinguishesFailure(t *testing.T) {
	f, _ := newTestFabric(t)

	w := NewWorker(f, []string{Default}, 10*time.Millisecond)
	w.Handle("boom", func(ctx context.Context, job storage.Job) (any, error) {
		return nil, errors.New("backend unreachable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	h, err := f.Enqueue(Default, "boom", echoPayload{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = f.Await(ctx, h, 5*time.Second)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("Await error = %v, want ErrJobFailed", err)
	}
	if errors.Is(err, ErrAwaitTimeout) {
		t.Error("failure reported as timeout")
	}
}

func TestAwaitSeesCrossProcessCompletion(t *testing.T) {
	// Complete the job directly on the store, bypassing the fabric's
	// notifier, the way a worker in another process would.
	f, s := newTestFabric(t)

	h, err := f.Enqueue(Default, "echo", echoPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		if _, err := s.ClaimNextJob([]string{Default}); err != nil {
			t.Errorf("ClaimNextJob: %v", err)
			return
		}
		if err := s.CompleteJob(h.ID, `{"text":"done"}`); err != nil {
			t.Errorf("CompleteJob: %v", err)
		}
	}()

	job, err := f.Await(context.Background(), h, 5*time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if job.ResultJSON != `{"text":"done"}` {
		t.Errorf("result = %q", job.ResultJSON)
	}
}
