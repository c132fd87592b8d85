// Package jobs runs the periodic work of the service: mailbox polling,
// syslog queue draining and connector synchronization.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/otchange/changeval/internal/utils"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner is one unit of scheduled work
type Runner interface {
	Run(ctx context.Context) (int, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) (int, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context) (int, error) { return f(ctx) }

// Scheduler runs named jobs on cron schedules. A job still running when its
// next tick fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]Runner
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler. timeout bounds each run; zero means no bound.
func NewScheduler(timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cronLogger := cron.PrintfLogger(logger.Log())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Runner),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job under name with a cron spec such as "@every 5m"
func (s *Scheduler) Add(name, spec string, job Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		_, _ = s.run(s.ctx, name, job)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.jobs[name] = job
	s.entries[name] = id
	logger.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("Scheduled job")
	return nil
}

// RunNow executes the named job immediately, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, name, job)
}

// Jobs returns the registered job names with their next run time
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, name string, job Runner) (int, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	n, err := job.Run(ctx)
	log := logger.WithFields(logrus.Fields{"job": name, "duration": utils.FormatDuration(time.Since(started))})
	if err != nil {
		metrics.IncJobRun(name, "error")
		log.WithError(err).Error("Job failed")
		return n, err
	}
	metrics.IncJobRun(name, "success")
	if n > 0 {
		log.WithField("count", n).Info("Job completed")
	} else {
		log.Debug("Job completed")
	}
	return n, nil
}

// Start begins running scheduled jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Log().Info("Scheduler stopped")
	case <-ctx.Done():
		logger.Log().Warn("Scheduler stop timed out")
	}
}
