package audit

// Audit event actions. Each constant corresponds to one hook lifecycle
// event and becomes the Action field of the audit event.
const (
	ActionJobEnqueued   = "job.enqueued"
	ActionJobStarted    = "job.started"
	ActionJobCompleted  = "job.completed"
	ActionJobFailed     = "job.failed"
	ActionJobCancelled  = "job.cancelled"
	ActionStepStarted   = "step.started"
	ActionStepCompleted = "step.completed"
	ActionStepFailed    = "step.failed"
)

// Audit event categories group related actions.
const (
	CategoryJob  = "rfpflow.job"
	CategoryStep = "rfpflow.step"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob    = "job"
	ResourceResult = "step_result"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCancelled,
		ActionStepStarted,
		ActionStepCompleted,
		ActionStepFailed,
	}
}
