// Package scheduler runs periodic maintenance jobs on cron expressions.
//
// DialogPipe uses it to requeue chat replies left in the sending state by a
// crashed or restarted process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/util"
	"github.com/robfig/cron/v3"
)

// Errors returned by AddJob.
var (
	ErrDuplicateJob = errors.New("job already scheduled")
	ErrEmptyJobName = errors.New("job name is required")
)

// Task is one run of a job. A returned error is logged and the job stays scheduled.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

type opts struct {
	seconds bool
}

// Option configures a Scheduler.
type Option func(*opts)

// WithSeconds accepts six-field expressions with a leading seconds field.
func WithSeconds() Option {
	return func(o *opts) { o.seconds = true }
}

// New creates a stopped scheduler. Jobs start running once Run is called.
func New(options ...Option) *Scheduler {
	var o opts
	for _, opt := range options {
		opt(&o)
	}
	fields := cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
	if o.seconds {
		fields |= cron.Second
	}
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(cron.NewParser(fields)),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	return &Scheduler{cron: c, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name using expr. Each run receives ctx.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(ctx context.Context, name, expr string, task Task) error {
	if name == "" {
		return ErrEmptyJobName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(expr, func() { runTask(ctx, name, task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	s.jobs[name] = id
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// RemoveJob unschedules name. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Next returns the next activation time of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.cron.Start()
	slog.Info("Scheduler.Run: started", "jobs", n)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
}

func runTask(ctx context.Context, name string, task Task) {
	if ctx.Err() != nil {
		return
	}
	runID := util.GenerateRandomID("run-", 8)
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.Error("Scheduler.runTask: job failed", "job", name, "run", runID, "error", err)
		return
	}
	slog.Debug("Scheduler.runTask: job finished", "job", name, "run", runID, "duration", time.Since(start))
}

// slogLogger routes cron's own messages to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
