// Package worker runs the bounded pool of goroutines that claim queued
// jobs and drive them through the pipeline. The pool polls the job
// store, executes each claimed job to a terminal state, and supports
// graceful shutdown with a deadline after which in-flight jobs are
// cancelled.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
)

// Runner executes one claimed job to a terminal state. Satisfied by
// *pipeline.Runner.
type Runner interface {
	RunWorkflow(ctx context.Context, j *job.Job) error
}

// Watchdog marks an over-age running job failed. Satisfied by
// progress.Tracker via a small adapter in the engine.
type Watchdog interface {
	FailRunaway(ctx context.Context, j *job.Job, age time.Duration) error
}

// Pool manages a set of concurrent worker goroutines that poll for
// queued jobs and execute them through the Runner.
type Pool struct {
	store        job.Store
	runner       Runner
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Watchdog configuration. Jobs running longer than maxRunDuration
	// are failed by the watchdog loop; zero disables it.
	maxRunDuration time.Duration
	watchdog       Watchdog

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithMaxRunDuration sets the threshold after which running jobs are
// considered runaway and failed by the watchdog. A zero value disables
// the watchdog.
func WithMaxRunDuration(d time.Duration, w Watchdog) PoolOption {
	return func(p *Pool) {
		p.maxRunDuration = d
		p.watchdog = w
	}
}

// NewPool creates a worker pool.
func NewPool(store job.Store, runner Runner, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		runner:       runner,
		concurrency:  2,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.maxRunDuration > 0 && p.watchdog != nil {
		p.wg.Add(1)
		go p.watchdogLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		jobs, err := p.store.DequeueJobs(context.Background(), p.workerID, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(jobs) == 0 {
			p.sleep()
			continue
		}

		j := jobs[0]

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		if runErr := p.runner.RunWorkflow(ctx, j); runErr != nil {
			p.logger.Debug("job run failed",
				slog.String("job_id", j.ID.String()),
				slog.String("subject_id", j.SubjectID.String()),
				slog.String("error", runErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()
	}
}

// watchdogLoop periodically fails running jobs older than maxRunDuration.
func (p *Pool) watchdogLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.maxRunDuration / 4)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.failRunaways()
		}
	}
}

func (p *Pool) failRunaways() {
	active, err := p.store.ListActiveJobs(context.Background())
	if err != nil {
		p.logger.Error("watchdog list error", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	for _, j := range active {
		if j.State != job.StateRunning || j.StartedAt == nil {
			continue
		}
		age := now.Sub(*j.StartedAt)
		if age < p.maxRunDuration {
			continue
		}

		if err := p.watchdog.FailRunaway(context.Background(), j, age); err != nil {
			p.logger.Error("watchdog: failed to mark runaway job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		// Cancel the local goroutine if this pool owns the job.
		p.activeMu.Lock()
		if cancel, ok := p.activeJobs[j.ID.String()]; ok {
			cancel()
		}
		p.activeMu.Unlock()

		p.logger.Warn("watchdog failed runaway job",
			slog.String("job_id", j.ID.String()),
			slog.Duration("age", age),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
