package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := New()
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	if err := s.AddJob(ctx, "recover", "*/5 * * * *", noop); err != nil {
		t.Fatalf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob(ctx, "recover", "@hourly", noop); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Expected ErrDuplicateJob, got %v", err)
	}
	if err := s.AddJob(ctx, "", "@hourly", noop); !errors.Is(err, ErrEmptyJobName) {
		t.Errorf("Expected ErrEmptyJobName, got %v", err)
	}
	if err := s.AddJob(ctx, "broken", "every tuesday", noop); err == nil {
		t.Error("Expected an error for an invalid expression")
	}
	// seconds are rejected without WithSeconds
	if err := s.AddJob(ctx, "fast", "* * * * * *", noop); err == nil {
		t.Error("Expected an error for a six-field expression")
	}
}

func TestSchedulerNextAndRemove(t *testing.T) {
	s := New()
	if err := s.AddJob(context.Background(), "hourly", "@hourly", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	go s.Run(t.Context())

	deadline := time.Now().Add(time.Second)
	var next time.Time
	for time.Now().Before(deadline) {
		next, _ = s.Next("hourly")
		if !next.IsZero() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if next.IsZero() || next.Minute() != 0 {
		t.Errorf("Expected the next run on the hour, got %v", next)
	}

	s.RemoveJob("hourly")
	s.RemoveJob("unknown")
	if _, ok := s.Next("hourly"); ok {
		t.Error("Removed job should have no next run")
	}
}

func TestSchedulerRunsJobsAndSurvivesFailures(t *testing.T) {
	var buf bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	s := New(WithSeconds())
	ctx, cancel := context.WithCancel(context.Background())
	var runs, panics atomic.Int32
	if err := s.AddJob(ctx, "count", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return errors.New("store unavailable")
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(ctx, "panic", "* * * * * *", func(context.Context) error {
		panics.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for (runs.Load() < 2 || panics.Load() < 2) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if runs.Load() < 2 || panics.Load() < 2 {
		t.Fatalf("Expected repeated runs, got %d runs and %d panics", runs.Load(), panics.Load())
	}
	out := buf.String()
	if !strings.Contains(out, "store unavailable") || !strings.Contains(out, "run=run-") {
		t.Errorf("Expected the job failure to be logged with a run id, got %q", out)
	}
}

func TestRunTaskSkipsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	runTask(ctx, "late", func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("Task should not run once its context is cancelled")
	}
}
