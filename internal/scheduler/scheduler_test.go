package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	for _, expr := range []string{"* * * * *", "0 * * * *", "@hourly", "@every 10m"} {
		if err := s.AddJob("noop", expr, func() {}); err != nil {
			t.Errorf("AddJob(%q): unexpected error %v", expr, err)
		}
	}
	if got := s.Jobs(); got != 4 {
		t.Errorf("expected 4 jobs, got %d", got)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("bad", "not a cron", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
	if got := s.Jobs(); got != 0 {
		t.Errorf("expected no jobs, got %d", got)
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func() { runs.Add(1) }); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()
	if runs.Load() == 0 {
		t.Error("job never ran")
	}
}
