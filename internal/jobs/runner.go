// Package jobs runs the periodic maintenance that keeps windowed counters,
// activity maps and labels current between events.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/metrics"
)

// Job is one periodic task. Run reports how many items it handled.
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) (int, error)
}

// Runner ticks every registered job on its own interval until closed. A
// failing tick is logged and counted; the job keeps its schedule.
type Runner struct {
	clock  quartz.Clock
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	waiters []quartz.Waiter
	wg      sync.WaitGroup
}

func NewRunner(clock quartz.Clock, logger *slog.Logger) *Runner {
	return &Runner{
		clock:  clock,
		logger: logger.With("component", "jobs"),
	}
}

func (r *Runner) Add(jobs ...Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobs...)
}

func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}

func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	for _, job := range r.jobs {
		if job.RunAtStart {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.tick(ctx, job)
			}()
		}
		r.waiters = append(r.waiters, r.clock.TickerFunc(ctx, job.Interval, func() error {
			r.tick(ctx, job)
			return nil
		}, "jobs", job.Name))
	}
	r.logger.Info("job runner started", "jobs", len(r.jobs))
}

// Close stops every job and waits for running ticks to return.
func (r *Runner) Close() error {
	r.mu.Lock()
	cancel, waiters := r.cancel, r.waiters
	r.cancel, r.waiters = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var errs []error
	for _, w := range waiters {
		if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	r.logger.Info("job runner stopped")
	return errors.Join(errs...)
}

func (r *Runner) tick(ctx context.Context, job Job) {
	start := r.clock.Now()
	n, err := job.Run(ctx)
	elapsed := r.clock.Since(start)
	metrics.RecordJob(job.Name, elapsed, n, err)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("job failed", "job", job.Name, "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("job finished", "job", job.Name, "items", n, "duration", elapsed)
	}
}
