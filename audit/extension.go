package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bidfoundry/rfpflow/hook"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// Compile-time interface checks.
var (
	_ hook.Extension     = (*Extension)(nil)
	_ hook.JobEnqueued   = (*Extension)(nil)
	_ hook.JobStarted    = (*Extension)(nil)
	_ hook.JobCompleted  = (*Extension)(nil)
	_ hook.JobFailed     = (*Extension)(nil)
	_ hook.JobCancelled  = (*Extension)(nil)
	_ hook.StepStarted   = (*Extension)(nil)
	_ hook.StepCompleted = (*Extension)(nil)
	_ hook.StepFailed    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so this package does not depend on any concrete
// audit store — callers inject their backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is the structured audit record emitted for each lifecycle event.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges pipeline lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements hook.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"subject_id", j.SubjectID.String(),
		"mode", string(j.Mode),
	)
}

// OnJobStarted implements hook.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"subject_id", j.SubjectID.String(),
		"mode", string(j.Mode),
		"worker_id", j.WorkerID.String(),
	)
}

// OnJobCompleted implements hook.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"subject_id", j.SubjectID.String(),
		"mode", string(j.Mode),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements hook.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"subject_id", j.SubjectID.String(),
		"mode", string(j.Mode),
		"failed_step", string(j.FailedStep),
	)
}

// OnJobCancelled implements hook.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCancelled, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"subject_id", j.SubjectID.String(),
		"last_step", string(j.CurrentStep),
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepStarted implements hook.StepStarted.
func (e *Extension) OnStepStarted(ctx context.Context, j *job.Job, kind step.Kind) error {
	return e.record(ctx, ActionStepStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryStep, nil,
		"subject_id", j.SubjectID.String(),
		"step", string(kind),
	)
}

// OnStepCompleted implements hook.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, j *job.Job, res *result.Result, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceResult, res.ID.String(), CategoryStep, nil,
		"subject_id", j.SubjectID.String(),
		"step", string(res.Step),
		"version", res.Version,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements hook.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, j *job.Job, kind step.Kind, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryStep, stepErr,
		"subject_id", j.SubjectID.String(),
		"step", string(kind),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
