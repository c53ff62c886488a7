package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/storage"
	"golang.org/x/sync/errgroup"
)

// heartbeatInterval is how often the runner reports liveness. The
// orchestrator sweeps runners silent for 90s, so three misses in a row put
// a runner offline.
const heartbeatInterval = 30 * time.Second

// Register announces the runner to the orchestrator, retrying with
// exponential backoff while the orchestrator comes up.
func Register(ctx context.Context, api *client.Client, config Config, logger *slog.Logger) (*storage.Runner, error) {
	const (
		maxAttempts  = 10
		initialDelay = 500 * time.Millisecond
		maxDelay     = 30 * time.Second
	)

	delay := initialDelay

	for attempt := 1; ; attempt++ {
		runner, err := api.RegisterRunner(ctx, config.RunnerID, config.Capabilities)
		if err == nil {
			if attempt > 1 {
				logger.Info("registered with orchestrator", "attempts", attempt)
			}

			return runner, nil
		}

		if attempt >= maxAttempts {
			return nil, fmt.Errorf("failed to register runner after %d attempts: %w", maxAttempts, err)
		}

		logger.Warn("failed to register with orchestrator",
			"attempt", attempt, "max_attempts", maxAttempts, "retry_in", delay, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay = min(delay*2, maxDelay)
	}
}

// Poller drives the runner: it polls for queued jobs, hands them to workers
// bounded by a permit pool, and heartbeats the orchestrator. Jobs that find
// no free permit are left queued for a later tick.
type Poller struct {
	config  Config
	api     *client.Client
	logger  *slog.Logger
	permits chan struct{}
	workers sync.WaitGroup
}

func NewPoller(config Config, api *client.Client, logger *slog.Logger) *Poller {
	permits := make(chan struct{}, config.MaxParallelJobs)
	for range config.MaxParallelJobs {
		permits <- struct{}{}
	}

	return &Poller{
		config:  config,
		api:     api,
		logger:  logger,
		permits: permits,
	}
}

// Run polls until ctx is cancelled, then stops accepting jobs and waits for
// in-flight workers up to the job timeout before abandoning them.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting job poller",
		"poll_interval", p.config.PollInterval,
		"max_parallel_jobs", p.config.MaxParallelJobs)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		p.poll(groupCtx)

		return nil
	})

	group.Go(func() error {
		p.heartbeat(groupCtx)

		return nil
	})

	err := group.Wait()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.JobTimeout):
		p.logger.Warn("shutdown grace period expired, abandoning in-flight jobs")
	}

	return err
}

func (p *Poller) poll(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := p.api.ListScheduledJobs(ctx, p.config.RunnerID)
		if err != nil {
			p.logger.Error("failed to poll for scheduled jobs", "err", err)

			continue
		}

		if len(jobs) == 0 {
			continue
		}

		p.logger.Debug("found queued jobs", "count", len(jobs))

		for _, job := range jobs {
			// Workers outlive a cancelled poll loop; the grace wait in
			// Run is what bounds them.
			p.launch(context.WithoutCancel(ctx), job.ID)
		}
	}
}

// launch starts a worker for jobID if a permit is free, and otherwise leaves
// the job for the next tick.
func (p *Poller) launch(ctx context.Context, jobID string) {
	select {
	case <-p.permits:
	default:
		p.logger.Debug("no free worker slot", "job_id", jobID)

		return
	}

	p.workers.Add(1)

	go func() {
		defer p.workers.Done()
		defer func() { p.permits <- struct{}{} }()
		defer func() {
			if recovered := recover(); recovered != nil {
				p.logger.Error("worker panicked", "job_id", jobID, "panic", recovered)
			}
		}()

		worker := NewWorker(p.config, p.api, p.logger)
		if err := worker.Run(ctx, jobID); err != nil {
			p.logger.Error("job execution failed", "job_id", jobID, "err", err)
		}
	}()
}

func (p *Poller) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.api.Heartbeat(ctx, p.config.RunnerID); err != nil {
			p.logger.Warn("failed to send heartbeat", "err", err)
		}
	}
}
