package rfpflow

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore = errors.New("rfpflow: no store configured")

	// ErrStorage classifies backend infrastructure failures (lost
	// connections, driver errors, corrupt records) as distinct from
	// workflow errors. A job failed with ErrStorage in its chain may
	// have partially persisted state; verify before rerunning.
	ErrStorage = errors.New("rfpflow: storage failure")

	// Not found errors.
	ErrSubjectNotFound = errors.New("rfpflow: subject not found")
	ErrJobNotFound     = errors.New("rfpflow: job not found")
	ErrResultNotFound  = errors.New("rfpflow: step result not found")

	// ErrNoJobForSubject means no workflow has ever been started for the
	// subject. It is deliberately distinct from ErrJobNotFound, which means
	// a job was recorded but its record has since been evicted.
	ErrNoJobForSubject = errors.New("rfpflow: no job recorded for subject")

	// Precondition errors.
	ErrTextNotExtracted = errors.New("rfpflow: subject text not yet extracted")
	ErrRunInProgress    = errors.New("rfpflow: a workflow run is already in progress for subject")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("rfpflow: job already exists")

	// State errors.
	ErrInvalidState = errors.New("rfpflow: invalid state transition")
)

// MissingDependencyError reports that a step cannot run because a prior
// step's result has not been produced. It is fatal for the run; the
// missing step must be produced (or the full workflow re-run) first.
type MissingDependencyError struct {
	// Kind is the step that was requested.
	Kind string
	// Missing is the required input step whose result is absent.
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("rfpflow: step %q requires %q which has not been produced", e.Kind, e.Missing)
}
