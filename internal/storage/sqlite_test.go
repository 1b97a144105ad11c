package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestGetOrCreateUser(t *testing.T) {
	s := openTestStore(t)

	u1, err := s.GetOrCreateUser(42)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if u1.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("new user prompt = %q, want default", u1.SystemPrompt)
	}

	u2, err := s.GetOrCreateUser(42)
	if err != nil {
		t.Fatalf("second GetOrCreateUser: %v", err)
	}
	if u2.ID != u1.ID {
		t.Errorf("second call created a new row: %d != %d", u2.ID, u1.ID)
	}

	u3, err := s.GetOrCreateUser(43)
	if err != nil {
		t.Fatalf("GetOrCreateUser(43): %v", err)
	}
	if u3.ID == u1.ID {
		t.Error("distinct telegram ids mapped to the same user")
	}
}

func TestSetSystemPrompt(t *testing.T) {
	s := openTestStore(t)

	u, err := s.GetOrCreateUser(1)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	if err := s.SetSystemPrompt(u.ID, "Be terse."); err != nil {
		t.Fatalf("SetSystemPrompt: %v", err)
	}

	got, err := s.GetUser(u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.SystemPrompt != "Be terse." {
		t.Errorf("prompt = %q, want %q", got.SystemPrompt, "Be terse.")
	}

	if err := s.SetSystemPrompt(9999, "x"); err != ErrNotFound {
		t.Errorf("SetSystemPrompt(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRecentMessagesOrderAndCap(t *testing.T) {
	s := openTestStore(t)

	u, err := s.GetOrCreateUser(1)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.SaveMessage(u.ID, content, true); err != nil {
			t.Fatalf("SaveMessage(%q): %v", content, err)
		}
	}

	msgs, err := s.RecentMessages(u.ID, time.Hour, 20)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "one" || msgs[2].Content != "three" {
		t.Errorf("messages not oldest-to-newest: %q ... %q", msgs[0].Content, msgs[2].Content)
	}

	capped, err := s.RecentMessages(u.ID, time.Hour, 2)
	if err != nil {
		t.Fatalf("RecentMessages(limit=2): %v", err)
	}
	if len(capped) != 2 {
		t.Errorf("got %d messages with limit 2, want 2", len(capped))
	}
}

func TestRecentMessagesIsolatedPerUser(t *testing.T) {
	s := openTestStore(t)

	a, _ := s.GetOrCreateUser(1)
	b, _ := s.GetOrCreateUser(2)

	if _, err := s.SaveMessage(a.ID, "from a", true); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if _, err := s.SaveMessage(b.ID, "from b", true); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	msgs, err := s.RecentMessages(a.ID, time.Hour, 20)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	for _, m := range msgs {
		if m.UserID != a.ID {
			t.Errorf("user A context contains message for user %d", m.UserID)
		}
		if m.Content == "from b" {
			t.Error("user A context contains user B's message")
		}
	}
}

func TestResetMessagesIdempotent(t *testing.T) {
	s := openTestStore(t)

	u, _ := s.GetOrCreateUser(1)
	s.SaveMessage(u.ID, "hello", true)
	s.SaveMessage(u.ID, "hi there", false)

	n1, err := s.ResetMessages(u.ID)
	if err != nil {
		t.Fatalf("ResetMessages: %v", err)
	}
	if n1 != 2 {
		t.Errorf("first reset changed %d rows, want 2", n1)
	}

	n2, err := s.ResetMessages(u.ID)
	if err != nil {
		t.Fatalf("second ResetMessages: %v", err)
	}
	if n2 != 0 {
		t.Errorf("second reset changed %d rows, want 0", n2)
	}

	msgs, err := s.RecentMessages(u.ID, time.Hour, 20)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("context after reset has %d messages, want 0", len(msgs))
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "j1", Queue: "default", Type: "conversation", PayloadJSON: `{"x":1}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob([]string{"default"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected to claim the pending job")
	}
	if claimed.Status != JobStatusRunning {
		t.Errorf("claimed status = %q, want running", claimed.Status)
	}

	// Second claim finds nothing: at-most-once execution per enqueue.
	again, err := s.ClaimNextJob([]string{"default"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed job %s twice", again.ID)
	}

	if err := s.CompleteJob("j1", `{"text":"ok"}`); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusCompleted || got.ResultJSON != `{"text":"ok"}` {
		t.Errorf("job after complete = %q/%q", got.Status, got.ResultJSON)
	}

	// Result slot is write-once.
	if err := s.CompleteJob("j1", `{"text":"other"}`); err != ErrNotFound {
		t.Errorf("re-complete = %v, want ErrNotFound", err)
	}
}

func TestClaimRespectsQueue(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "g1", Queue: "gpu", Type: "stt", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	j, err := s.ClaimNextJob([]string{"default", "high"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed gpu job from default/high worker: %s", j.ID)
	}

	j, err = s.ClaimNextJob([]string{"gpu"})
	if err != nil {
		t.Fatalf("ClaimNextJob(gpu): %v", err)
	}
	if j == nil || j.ID != "g1" {
		t.Errorf("gpu worker did not claim g1: %+v", j)
	}
}

func TestFailJob(t *testing.T) {
	s := openTestStore(t)

	s.EnqueueJob(Job{ID: "j1", Queue: "default", Type: "conversation", PayloadJSON: "{}"})
	if _, err := s.ClaimNextJob([]string{"default"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	if err := s.FailJob("j1", "backend unreachable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.LastError != "backend unreachable" {
		t.Errorf("last_error = %q", got.LastError)
	}

	// Failed jobs are never requeued by the store.
	j, err := s.ClaimNextJob([]string{"default"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("failed job was reclaimed: %s", j.ID)
	}
}

func TestProcessingTimes(t *testing.T) {
	s := openTestStore(t)

	u, _ := s.GetOrCreateUser(1)
	if err := s.SaveProcessingTime(u.ID, "inference", 1200*time.Millisecond, 7); err != nil {
		t.Fatalf("SaveProcessingTime: %v", err)
	}
	if err := s.SaveProcessingTime(u.ID, "tts", 300*time.Millisecond, 0); err != nil {
		t.Fatalf("SaveProcessingTime(no message): %v", err)
	}

	rows, err := s.ProcessingTimesFor(u.ID, 10)
	if err != nil {
		t.Fatalf("ProcessingTimesFor: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Operation == "inference" && r.Duration != 1200*time.Millisecond {
			t.Errorf("inference duration = %v", r.Duration)
		}
	}
}
