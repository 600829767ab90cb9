package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/agent"
	"github.com/bidfoundry/rfpflow/backoff"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/hook"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	mw "github.com/bidfoundry/rfpflow/middleware"
	"github.com/bidfoundry/rfpflow/observability"
	"github.com/bidfoundry/rfpflow/pipeline"
	"github.com/bidfoundry/rfpflow/progress"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
	"github.com/bidfoundry/rfpflow/worker"
)

// trackerWatchdog adapts the progress tracker to worker.Watchdog so the
// pool can fail runaway jobs without importing the progress package's
// full surface.
type trackerWatchdog struct {
	tracker progress.Tracker
}

func (w *trackerWatchdog) FailRunaway(ctx context.Context, j *job.Job, age time.Duration) error {
	return w.tracker.Fail(ctx, j.ID, j.CurrentStep, fmt.Errorf("run exceeded maximum duration (%s)", age.Round(time.Second)))
}

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d     *rfpflow.Dispatcher
	hooks *hook.Registry

	subjects document.Store
	jobs     job.Store
	results  result.Store

	tracker *progress.StoreTracker
	invoker *agent.Invoker
	runner  *pipeline.Runner
	pool    *worker.Pool
	kb      document.KnowledgeBase
	mws     []mw.Middleware
	logger  *slog.Logger

	// Rate limit for generation calls (optional).
	rateLimit rate.Limit
	rateBurst int

	// Retry budget for transient generation failures (optional).
	retryAttempts int
	retryStrategy backoff.Strategy

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e hook.Extension) Option {
	return func(eng *Engine) {
		eng.hooks.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's step execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithKnowledgeBase sets the past-project and personnel side-input
// source used by the experience step.
func WithKnowledgeBase(kb document.KnowledgeBase) Option {
	return func(eng *Engine) {
		eng.kb = kb
	}
}

// WithRateLimit throttles generation calls across all jobs and steps.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(eng *Engine) {
		eng.rateLimit = limit
		eng.rateBurst = burst
	}
}

// WithRetry retries transient generation failures up to maxAttempts
// total attempts per call, sleeping per the strategy between them. A nil
// strategy uses backoff.DefaultStrategy.
func WithRetry(maxAttempts int, strategy backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.retryAttempts = maxAttempts
		eng.retryStrategy = strategy
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher and a generation
// backend. The Dispatcher's store must implement document.Store,
// job.Store, and result.Store.
func Build(d *rfpflow.Dispatcher, gen agent.Generator, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	store := d.Store()

	if store == nil {
		return nil, rfpflow.ErrNoStore
	}
	if gen == nil {
		return nil, fmt.Errorf("rfpflow: engine requires a generator")
	}

	ss, ok := store.(document.Store)
	if !ok {
		return nil, fmt.Errorf("rfpflow: store does not implement document.Store")
	}
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("rfpflow: store does not implement job.Store")
	}
	rs, ok := store.(result.Store)
	if !ok {
		return nil, fmt.Errorf("rfpflow: store does not implement result.Store")
	}

	eng := &Engine{
		d:        d,
		hooks:    hook.NewRegistry(logger),
		subjects: ss,
		jobs:     js,
		results:  rs,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	config := d.Config()

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/bidfoundry/rfpflow/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.hooks.Register(obsExt)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/bidfoundry/rfpflow")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/bidfoundry/rfpflow")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	eng.tracker = progress.NewStoreTracker(js, config.LogLimit, logger)

	invokerOpts := []agent.InvokerOption{
		agent.WithTimeout(config.InvokeTimeout),
		agent.WithLogger(logger),
	}
	if eng.rateLimit > 0 {
		invokerOpts = append(invokerOpts, agent.WithRateLimit(eng.rateLimit, eng.rateBurst))
	}
	if eng.retryAttempts > 1 {
		invokerOpts = append(invokerOpts, agent.WithRetry(eng.retryAttempts, eng.retryStrategy))
	}
	eng.invoker = agent.NewInvoker(gen, invokerOpts...)

	runnerOpts := []pipeline.RunnerOption{
		pipeline.WithMiddleware(mw.Chain(allMws...)),
		pipeline.WithParallelMatch(config.ParallelMatch),
		pipeline.WithLogger(logger),
	}
	if eng.kb != nil {
		runnerOpts = append(runnerOpts, pipeline.WithKnowledgeBase(eng.kb))
	}
	eng.runner = pipeline.NewRunner(ss, rs, js, eng.tracker, eng.invoker, eng.hooks, runnerOpts...)

	eng.pool = worker.NewPool(js, eng.runner, logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithMaxRunDuration(config.MaxRunDuration, &trackerWatchdog{tracker: eng.tracker}),
	)

	// Wire back into the Dispatcher.
	d.SetPool(eng.pool)
	d.SetHooks(eng.hooks)

	return eng, nil
}

// Start begins background job processing. It delegates to the
// underlying Dispatcher's worker pool.
func (eng *Engine) Start(ctx context.Context) error { return eng.d.Start(ctx) }

// Stop gracefully shuts down background processing, waiting for active
// runs up to the context deadline.
func (eng *Engine) Stop(ctx context.Context) error { return eng.d.Stop(ctx) }

// Hooks returns the engine's extension registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Runner returns the pipeline runner for direct synchronous use.
func (eng *Engine) Runner() *pipeline.Runner { return eng.runner }

// WorkerID returns the worker pool's identifier.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }

// ──────────────────────────────────────────────────
// Workflow operations
// ──────────────────────────────────────────────────

// StartFullWorkflow enqueues a full pipeline run for the subject and
// returns the queued job. The subject must exist and have extracted
// text. With RejectConcurrentRuns enabled, a second run for a subject
// whose latest job is still active is refused with ErrRunInProgress.
func (eng *Engine) StartFullWorkflow(ctx context.Context, subjectID id.SubjectID, company map[string]any) (*job.Job, error) {
	subject, err := eng.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if subject.Text == "" {
		return nil, rfpflow.ErrTextNotExtracted
	}

	if eng.d.Config().RejectConcurrentRuns {
		if err := eng.checkNoActiveRun(ctx, subjectID); err != nil {
			return nil, err
		}
	}

	j := job.New(subjectID, job.ModeFull)
	j.Company = company
	if err := eng.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	if err := eng.jobs.SetLatestJob(ctx, subjectID, j.ID); err != nil {
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, j)
	eng.logger.Info("workflow enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("subject_id", subjectID.String()),
	)
	return j, nil
}

// ReviseProposal enqueues a revision job: the latest proposal is revised
// against the latest review and saved as a new proposal version. Both
// results must already exist.
func (eng *Engine) ReviseProposal(ctx context.Context, subjectID id.SubjectID, company map[string]any) (*job.Job, error) {
	if _, err := eng.subjects.GetSubject(ctx, subjectID); err != nil {
		return nil, err
	}

	// Fail fast before enqueueing: both inputs must exist.
	if _, err := eng.results.GetLatestResult(ctx, subjectID, step.KindProposal); err != nil {
		if errors.Is(err, rfpflow.ErrResultNotFound) {
			return nil, &rfpflow.MissingDependencyError{Kind: string(step.KindProposal), Missing: string(step.KindProposal)}
		}
		return nil, err
	}
	if _, err := eng.results.GetLatestResult(ctx, subjectID, step.KindReview); err != nil {
		if errors.Is(err, rfpflow.ErrResultNotFound) {
			return nil, &rfpflow.MissingDependencyError{Kind: string(step.KindProposal), Missing: string(step.KindReview)}
		}
		return nil, err
	}

	if eng.d.Config().RejectConcurrentRuns {
		if err := eng.checkNoActiveRun(ctx, subjectID); err != nil {
			return nil, err
		}
	}

	j := job.New(subjectID, job.ModeRevision)
	j.Message = "revision queued"
	j.Company = company
	if err := eng.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	if err := eng.jobs.SetLatestJob(ctx, subjectID, j.ID); err != nil {
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// RerunStep synchronously re-runs a single step for the subject outside
// any background job. The new result becomes the latest version for its
// step; prior versions are retained.
func (eng *Engine) RerunStep(ctx context.Context, subjectID id.SubjectID, kind step.Kind, company map[string]any) (*result.Result, error) {
	return eng.runner.RunStep(ctx, subjectID, kind, company)
}

// GetJobStatus returns the job's current state, progress, and log.
func (eng *Engine) GetJobStatus(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobs.GetJob(ctx, jobID)
}

// GetLatestJobForSubject returns the most recently enqueued job for the
// subject, or ErrNoJobForSubject when the subject has never had a run.
func (eng *Engine) GetLatestJobForSubject(ctx context.Context, subjectID id.SubjectID) (*job.Job, error) {
	jobID, err := eng.jobs.GetLatestJobID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return eng.jobs.GetJob(ctx, jobID)
}

// CancelJob requests cooperative cancellation of a job. The in-flight
// step runs to completion and its result is kept; the job transitions
// to cancelled before the next step begins.
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) error {
	return eng.jobs.RequestCancel(ctx, jobID)
}

// GetStepResult returns one result for the (subject, step) pair:
// version 0 means the latest.
func (eng *Engine) GetStepResult(ctx context.Context, subjectID id.SubjectID, kind step.Kind, version int) (*result.Result, error) {
	if version == 0 {
		return eng.results.GetLatestResult(ctx, subjectID, kind)
	}
	return eng.results.GetResultVersion(ctx, subjectID, kind, version)
}

// ListStepVersions returns every version for the pair in ascending order.
func (eng *Engine) ListStepVersions(ctx context.Context, subjectID id.SubjectID, kind step.Kind) ([]*result.Result, error) {
	return eng.results.ListResultVersions(ctx, subjectID, kind)
}

// GetAllResults returns the latest result per step for the subject.
func (eng *Engine) GetAllResults(ctx context.Context, subjectID id.SubjectID) (map[step.Kind]*result.Result, error) {
	return eng.results.GetAllLatestResults(ctx, subjectID)
}

// checkNoActiveRun refuses a new run when the subject's latest job is
// still queued or running.
func (eng *Engine) checkNoActiveRun(ctx context.Context, subjectID id.SubjectID) error {
	latestID, err := eng.jobs.GetLatestJobID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, rfpflow.ErrNoJobForSubject) {
			return nil
		}
		return err
	}
	latest, err := eng.jobs.GetJob(ctx, latestID)
	if err != nil {
		if errors.Is(err, rfpflow.ErrJobNotFound) {
			// Latest pointer outlived the job record (redis TTL); treat
			// the subject as idle.
			return nil
		}
		return err
	}
	if !latest.State.Terminal() {
		return fmt.Errorf("job %s is %s: %w", latest.ID, latest.State, rfpflow.ErrRunInProgress)
	}
	return nil
}
