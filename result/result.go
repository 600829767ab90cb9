// Package result defines the versioned step result record and the store
// contract for it. Results are append-only: saving a result for a
// (subject, step) that already has versions appends the next version and
// never rewrites history.
package result

import (
	"context"
	"time"

	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/step"
)

// Result is one versioned output of a generation step for a subject.
type Result struct {
	ID        id.ResultID    `json:"id" bun:"id,pk"`
	SubjectID id.SubjectID   `json:"subject_id" bun:"subject_id,notnull"`
	Step      step.Kind      `json:"step" bun:"step,notnull"`
	// Version starts at 1 per (subject, step) and increments on each save.
	Version int `json:"version" bun:"version,notnull"`
	// Payload is the validated structured output of the step.
	Payload map[string]any `json:"payload" bun:"payload,type:jsonb"`
	// JobID links the result to the run that produced it. Zero for
	// results produced outside a run (single-step reruns use the run's id).
	JobID     id.JobID  `json:"job_id,omitempty" bun:"job_id,nullzero"`
	CreatedAt time.Time `json:"created_at" bun:"created_at,notnull"`
}

// Store is the versioned result store. SaveResult assigns the version;
// callers never choose one.
type Store interface {
	// SaveResult persists res as the next version for its (subject, step)
	// pair, filling in res.Version and res.CreatedAt. Concurrent saves for
	// the same pair serialize; both succeed with distinct versions.
	SaveResult(ctx context.Context, res *Result) error

	// GetLatestResult returns the highest-version result for the pair, or
	// rfpflow.ErrResultNotFound when none exists.
	GetLatestResult(ctx context.Context, subjectID id.SubjectID, kind step.Kind) (*Result, error)

	// GetResultVersion returns one specific version, or
	// rfpflow.ErrResultNotFound.
	GetResultVersion(ctx context.Context, subjectID id.SubjectID, kind step.Kind, version int) (*Result, error)

	// ListResultVersions returns every version for the pair in ascending
	// version order. Empty slice when none exist.
	ListResultVersions(ctx context.Context, subjectID id.SubjectID, kind step.Kind) ([]*Result, error)

	// GetAllLatestResults returns the latest version per step for the
	// subject, keyed by step kind. Steps with no result are absent.
	GetAllLatestResults(ctx context.Context, subjectID id.SubjectID) (map[step.Kind]*Result, error)
}
