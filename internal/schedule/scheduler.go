// Package schedule runs the periodic credential jobs on robfig/cron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("job not registered")
)

const defaultJobTimeout = time.Minute

// Job is a named task run on a cron spec. Specs use the standard five-field
// syntax or descriptors such as "@every 30m". RunOnStart also runs the job
// once when the scheduler starts.
type Job struct {
	Name       string
	Spec       string
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type entry struct {
	id  cron.EntryID
	job Job
}

// Scheduler owns a cron runner. Runs of one job never overlap.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]entry
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "schedule"))
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]entry{},
	}
}

// Add registers job. A job with an empty spec is disabled and skipped.
func (s *Scheduler) Add(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" || job.Run == nil {
		return fmt.Errorf("schedule: job name and run func are required")
	}
	if strings.TrimSpace(job.Spec) == "" {
		s.logger.Info("job disabled", slog.String("job", name))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("schedule %s: %w", name, ErrDuplicateJob)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	job.Name = name
	s.entries[name] = entry{id: id, job: job}
	s.logger.Info("job scheduled", slog.String("job", name), slog.String("spec", job.Spec))
	return nil
}

// RunNow runs a registered job once, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", name, ErrUnknownJob)
	}
	return s.execute(ctx, e.job)
}

// Jobs returns the names of scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Next returns the next activation of a scheduled job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

// Start begins scheduling and kicks off the RunOnStart jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	var startup []string
	for name, e := range s.entries {
		if e.job.RunOnStart {
			startup = append(startup, name)
		}
	}
	s.mu.Unlock()
	for _, name := range startup {
		go func(name string) {
			if err := s.RunNow(s.ctx, name); err != nil {
				s.logger.Warn("startup run failed", slog.String("job", name), slog.Any("error", err))
			}
		}(name)
	}
}

// Stop stops scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string, job Job) {
	start := time.Now()
	if err := s.execute(s.ctx, job); err != nil {
		s.logger.Warn("job failed", slog.String("job", name), slog.Any("error", err))
		return
	}
	took := time.Since(start)
	next, _ := s.Next(name)
	s.logger.Debug("job finished", slog.String("job", name), slog.Duration("took", took), slog.Time("next", next))
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return job.Run(ctx)
}

// cronLogger routes cron's logr-style output to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron "+msg, append(keysAndValues, "error", err)...)
}
