package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddRejectsBadSpec(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Add(Job{Name: "bad", Spec: "not a cron", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAddSkipsEmptySpec(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.Add(Job{Name: "disabled", Spec: ""}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(s.jobs) != 0 {
		t.Fatalf("jobs = %d", len(s.jobs))
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	s := NewScheduler(nil)
	now := time.Date(2026, 3, 1, 3, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	var ran atomic.Int32
	if err := s.Add(Job{
		Name: "backup",
		Spec: "0 3 * * *", // daily at 03:00
		Run:  func(context.Context) error { ran.Add(1); return nil },
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Not yet due: next run is tomorrow 03:00.
	s.tick(context.Background())
	if ran.Load() != 0 {
		t.Fatalf("ran = %d", ran.Load())
	}

	// Cross the next boundary.
	now = now.Add(24 * time.Hour)
	s.tick(context.Background())
	if ran.Load() != 1 {
		t.Fatalf("ran = %d", ran.Load())
	}

	// Firing reschedules; an immediate second tick is a no-op.
	s.tick(context.Background())
	if ran.Load() != 1 {
		t.Fatalf("ran = %d after reschedule", ran.Load())
	}
}
