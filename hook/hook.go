// Package hook defines the extension system for rfpflow.
// Extensions are notified of pipeline lifecycle events (job enqueued,
// step completed, job failed, etc.) and can react to them — logging,
// metrics, webhooks, audit trails.
//
// Each lifecycle event is a separate interface so extensions opt in
// only to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a job is cancelled between steps.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepStarted is called when a pipeline step begins.
type StepStarted interface {
	OnStepStarted(ctx context.Context, j *job.Job, kind step.Kind) error
}

// StepCompleted is called after a step's result is persisted.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, j *job.Job, res *result.Result, elapsed time.Duration) error
}

// StepFailed is called when a step fails.
type StepFailed interface {
	OnStepFailed(ctx context.Context, j *job.Job, kind step.Kind, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
