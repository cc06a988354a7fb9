// Package janitor runs periodic maintenance: revoking expired leases and
// purging spent pairing codes.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"antrian-wa/internal/metrics"

	"github.com/robfig/cron/v3"
)

// Job is one maintenance task. Run returns how many rows it touched.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Janitor runs its jobs on a cron schedule.
type Janitor struct {
	schedule string
	timeout  time.Duration
	jobs     []Job
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates schedule and returns a Janitor. timeout bounds every run.
func New(schedule string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger, jobs ...Job) (*Janitor, error) {
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", schedule, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Janitor{
		schedule: schedule,
		timeout:  timeout,
		jobs:     jobs,
		metrics:  m,
		logger:   logger.With("component", "janitor"),
	}, nil
}

// Run schedules the jobs and blocks until ctx is done. A run still in
// progress when the next tick fires is not overlapped.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.logger.Info("janitor started", "schedule", j.schedule, "jobs", len(j.jobs))

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
	return nil
}

// RunOnce runs every job once. A failing job does not stop the others.
func (j *Janitor) RunOnce(ctx context.Context) {
	for _, job := range j.jobs {
		if ctx.Err() != nil {
			return
		}
		jctx, cancel := context.WithTimeout(ctx, j.timeout)
		n, err := job.Run(jctx)
		cancel()
		if err != nil {
			j.logger.Error("janitor job failed", "job", job.Name, "error", err)
			if j.metrics != nil {
				j.metrics.Errors.WithLabelValues("janitor").Inc()
			}
			continue
		}
		if n > 0 {
			j.logger.Info("janitor job done", "job", job.Name, "affected", n)
		}
	}
}
