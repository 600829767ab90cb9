// Package audit is an rfpflow extension that bridges pipeline lifecycle
// events to an immutable audit trail backend.
//
// Every job and step lifecycle hook emits a structured audit event
// through the [Recorder] interface. The extension assigns appropriate
// severity levels (info for normal operations, warning for step
// failures, critical for terminal job failures) and rich metadata
// (subject id, step, elapsed time, errors).
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Append(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionJobFailed,
//	        audit.ActionJobCancelled,
//	        audit.ActionStepFailed,
//	    ),
//	)
package audit
