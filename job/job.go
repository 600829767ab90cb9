// Package job defines the tracked run record — one execution of the full
// pipeline or a revision against a subject — its state machine, and the
// store contract the dispatcher and workers drive it through.
package job

import (
	"context"
	"time"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/step"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is accepted and waiting for a worker.
	StateQueued State = "queued"
	// StateRunning means a worker claimed the job and is executing steps.
	StateRunning State = "running"
	// StateCompleted is terminal: every step finished.
	StateCompleted State = "completed"
	// StateFailed is terminal: a step failed and the run halted.
	StateFailed State = "failed"
	// StateCancelled is terminal: the run was cancelled between steps.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Mode distinguishes what a job runs.
type Mode string

const (
	// ModeFull runs the whole step catalog in order.
	ModeFull Mode = "full"
	// ModeRevision runs a single proposal revision from an existing
	// proposal and review pair.
	ModeRevision Mode = "revision"
)

// LogEntry is one line of a job's bounded progress log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Job is the tracked run record.
type Job struct {
	ID        id.JobID     `json:"id" bun:"id,pk"`
	SubjectID id.SubjectID `json:"subject_id" bun:"subject_id,notnull"`
	Mode      Mode         `json:"mode" bun:"mode,notnull"`
	State     State        `json:"state" bun:"state,notnull"`

	// CurrentStep is the step being executed; empty before the first step
	// begins.
	CurrentStep step.Kind `json:"current_step,omitempty" bun:"current_step,nullzero"`
	// Percent is coarse overall progress, 0..100, monotone per job.
	Percent int `json:"percent" bun:"percent,notnull"`
	// Message is a short human-readable description of what is happening.
	Message string `json:"message" bun:"message,nullzero"`
	// Error holds the failure description for failed jobs.
	Error string `json:"error,omitempty" bun:"error,nullzero"`
	// FailedStep records which step failed, for failed jobs.
	FailedStep step.Kind `json:"failed_step,omitempty" bun:"failed_step,nullzero"`

	// CancelRequested is the cooperative cancellation flag. Workers check
	// it between steps; the in-flight step always runs to completion.
	CancelRequested bool `json:"cancel_requested" bun:"cancel_requested,notnull"`

	// Log is the bounded, oldest-first progress log.
	Log []LogEntry `json:"log,omitempty" bun:"log,type:jsonb"`

	// Company is optional bid-context input captured at enqueue time so
	// background workers can pass it to the proposal step.
	Company map[string]any `json:"company,omitempty" bun:"company,type:jsonb"`

	// Summary holds headline metrics filled in when the job completes:
	// requirement counts, section counts, gaps, quality score.
	Summary map[string]any `json:"summary,omitempty" bun:"summary,type:jsonb"`

	// WorkerID identifies the worker that claimed the job.
	WorkerID id.WorkerID `json:"worker_id,omitempty" bun:"worker_id,nullzero"`

	StartedAt  *time.Time `json:"started_at,omitempty" bun:"started_at,nullzero"`
	FinishedAt *time.Time `json:"finished_at,omitempty" bun:"finished_at,nullzero"`

	rfpflow.Entity `bun:"embed"`
}

// New creates a queued job for a subject.
func New(subjectID id.SubjectID, mode Mode) *Job {
	return &Job{
		ID:        id.NewJobID(),
		SubjectID: subjectID,
		Mode:      mode,
		State:     StateQueued,
		Message:   "queued",
		Entity:    rfpflow.NewEntity(),
	}
}

// AppendLog appends a log line, trimming the oldest entries beyond limit.
func (j *Job) AppendLog(msg string, limit int) {
	j.Log = append(j.Log, LogEntry{At: time.Now().UTC(), Message: msg})
	if limit > 0 && len(j.Log) > limit {
		j.Log = j.Log[len(j.Log)-limit:]
	}
}

// Store is the job store contract. Updates that race a terminal state
// must leave the terminal record untouched; implementations enforce the
// terminal-immutability rule, not callers.
type Store interface {
	// CreateJob persists a new job record. A job with the same id already
	// existing is rfpflow.ErrJobAlreadyExists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob returns the job or rfpflow.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists mutated fields of a non-terminal job. Updating a
	// job that has reached a terminal state returns rfpflow.ErrInvalidState
	// and leaves the record untouched.
	UpdateJob(ctx context.Context, j *Job) error

	// DequeueJobs atomically claims up to limit queued jobs, transitioning
	// each to running and stamping workerID and StartedAt. Two concurrent
	// dequeuers never receive the same job.
	DequeueJobs(ctx context.Context, workerID id.WorkerID, limit int) ([]*Job, error)

	// RequestCancel sets the cooperative cancellation flag on a
	// non-terminal job. Terminal jobs return rfpflow.ErrInvalidState.
	RequestCancel(ctx context.Context, jobID id.JobID) error

	// SetLatestJob records jobID as the most recent job for the subject.
	SetLatestJob(ctx context.Context, subjectID id.SubjectID, jobID id.JobID) error

	// GetLatestJobID returns the most recently enqueued job id for the
	// subject, or rfpflow.ErrNoJobForSubject when the subject has never
	// had a run.
	GetLatestJobID(ctx context.Context, subjectID id.SubjectID) (id.JobID, error)

	// ListActiveJobs returns jobs in queued or running state, for the
	// watchdog and for concurrent-run checks.
	ListActiveJobs(ctx context.Context) ([]*Job, error)
}
