// Package scheduler runs a refresh job on a fixed interval.
//
// The job runs once immediately and then on every tick. Runs never
// overlap: a run that outlasts the interval delays the next tick instead
// of stacking up behind it. Each run gets its own timeout and a panic in
// the job is recovered and reported as a failed run.
//
// Trigger requests an extra run as soon as the current one (if any) has
// finished; repeated triggers while a run is in progress collapse into one.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/logging"
)

var log = logging.Component("scheduler")

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Config holds scheduler configuration.
type Config struct {
	// Interval between the start of consecutive runs.
	Interval time.Duration

	// Timeout bounds a single run. Zero means Interval.
	Timeout time.Duration
}

// Stats is a point-in-time view of the scheduler counters.
type Stats struct {
	Runs                int64
	Failures            int64
	ConsecutiveFailures int64
	LastSuccess         time.Time
	LastError           string
}

// Scheduler runs a Job periodically.
type Scheduler struct {
	cfg Config
	job Job

	wakeup chan struct{}

	runs        atomic.Int64
	failures    atomic.Int64
	consecutive atomic.Int64
	lastSuccess atomic.Int64 // unix nanos
	lastError   atomic.Pointer[string]
}

// New creates a scheduler.
func New(cfg Config, job Job) (*Scheduler, error) {
	if job == nil {
		return nil, errors.NewMissingField("job")
	}
	if cfg.Interval <= 0 {
		return nil, errors.NewInvalidValue("interval", cfg.Interval, "must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}

	return &Scheduler{
		cfg:    cfg,
		job:    job,
		wakeup: make(chan struct{}, 1),
	}, nil
}

// Run executes the job until ctx is cancelled. It always returns nil
// after cancellation; job failures are counted, not returned.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info("scheduler started", "interval", s.cfg.Interval, "timeout", s.cfg.Timeout)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.execute(ctx)

		select {
		case <-ctx.Done():
			log.Info("scheduler stopped", "runs", s.runs.Load(), "failures", s.failures.Load())
			return nil
		case <-ticker.C:
		case <-s.wakeup:
			ticker.Reset(s.cfg.Interval)
		}
	}
}

// Trigger requests a run without waiting for the next tick.
func (s *Scheduler) Trigger() {
	select {
	case s.wakeup <- struct{}{}:
	default:
		// Already signaled
	}
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Runs:                s.runs.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
	}
	if ns := s.lastSuccess.Load(); ns != 0 {
		st.LastSuccess = time.Unix(0, ns)
	}
	if msg := s.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (s *Scheduler) execute(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := s.executeWithRecovery(ctx)
	s.runs.Add(1)

	if err != nil {
		s.failures.Add(1)
		n := s.consecutive.Add(1)
		msg := err.Error()
		s.lastError.Store(&msg)
		log.Warn("scheduled run failed",
			"error", err,
			"consecutive_failures", n,
			"retriable", errors.IsRetriable(err))
		return
	}

	s.consecutive.Store(0)
	s.lastSuccess.Store(time.Now().UnixNano())
	log.Debug("scheduled run complete", "duration", time.Since(start))
}

// executeWithRecovery runs the job with the per-run timeout and converts a
// panic into an error.
func (s *Scheduler) executeWithRecovery(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scheduled run", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	return s.job(jobCtx)
}
