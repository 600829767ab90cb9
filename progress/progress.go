// Package progress centralizes job status transitions. Everything that
// moves a job's state, percent, message, or log goes through a Tracker so
// the monotonicity and terminal-immutability rules live in one place
// instead of being re-derived by every caller.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/step"
)

// Tracker records job status transitions. Implementations must keep
// Percent monotone per job and refuse transitions out of terminal states.
type Tracker interface {
	// BeginStep marks the job as running the given step and advances
	// percent to the step's start fraction.
	BeginStep(ctx context.Context, jobID id.JobID, st step.Step) error

	// Note appends a log line without changing state or percent.
	Note(ctx context.Context, jobID id.JobID, msg string) error

	// Complete transitions the job to completed at 100 percent, attaching
	// the run's headline summary metrics.
	Complete(ctx context.Context, jobID id.JobID, msg string, summary map[string]any) error

	// Fail transitions the job to failed, recording the failing step and
	// the error text. Percent is left where it was.
	Fail(ctx context.Context, jobID id.JobID, kind step.Kind, cause error) error

	// Cancel transitions the job to cancelled.
	Cancel(ctx context.Context, jobID id.JobID, msg string) error
}

// StoreTracker is the Tracker over a job.Store. It rereads the job on
// every transition so a cancel or watchdog write racing a worker is never
// silently overwritten, and serializes transitions per job so concurrent
// steps never interleave a read-modify-write: a reader polling the store
// sees each transition whole and Percent stays monotone.
type StoreTracker struct {
	jobs     job.Store
	logLimit int
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[id.JobID]*jobLock
}

// jobLock is refcounted so entries leave the map once no transition for
// the job is in flight.
type jobLock struct {
	sync.Mutex
	refs int
}

// NewStoreTracker creates a tracker over jobs. logLimit bounds each job's
// progress log; zero keeps the log unbounded.
func NewStoreTracker(jobs job.Store, logLimit int, logger *slog.Logger) *StoreTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreTracker{
		jobs:     jobs,
		logLimit: logLimit,
		logger:   logger,
		locks:    make(map[id.JobID]*jobLock),
	}
}

func (t *StoreTracker) lock(jobID id.JobID) *jobLock {
	t.mu.Lock()
	l := t.locks[jobID]
	if l == nil {
		l = &jobLock{}
		t.locks[jobID] = l
	}
	l.refs++
	t.mu.Unlock()
	l.Lock()
	return l
}

func (t *StoreTracker) unlock(jobID id.JobID, l *jobLock) {
	l.Unlock()
	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, jobID)
	}
	t.mu.Unlock()
}

// stepStartPercent maps a step order to the percent shown while that step
// runs: 0, 20, 40, 60, 80 for the five-step catalog.
func stepStartPercent(order int) int {
	return 100 * (order - 1) / step.Total
}

// BeginStep implements Tracker.
func (t *StoreTracker) BeginStep(ctx context.Context, jobID id.JobID, st step.Step) error {
	return t.update(ctx, jobID, func(j *job.Job) error {
		j.State = job.StateRunning
		j.CurrentStep = st.Kind
		if p := stepStartPercent(st.Order); p > j.Percent {
			j.Percent = p
		}
		j.Message = st.Description
		j.AppendLog(fmt.Sprintf("step %d/%d: %s", st.Order, step.Total, st.Description), t.logLimit)
		return nil
	})
}

// Note implements Tracker.
func (t *StoreTracker) Note(ctx context.Context, jobID id.JobID, msg string) error {
	return t.update(ctx, jobID, func(j *job.Job) error {
		j.AppendLog(msg, t.logLimit)
		return nil
	})
}

// Complete implements Tracker.
func (t *StoreTracker) Complete(ctx context.Context, jobID id.JobID, msg string, summary map[string]any) error {
	return t.update(ctx, jobID, func(j *job.Job) error {
		now := time.Now().UTC()
		j.State = job.StateCompleted
		j.CurrentStep = ""
		j.Percent = 100
		j.Message = msg
		j.Summary = summary
		j.FinishedAt = &now
		j.AppendLog(msg, t.logLimit)
		return nil
	})
}

// Fail implements Tracker.
func (t *StoreTracker) Fail(ctx context.Context, jobID id.JobID, kind step.Kind, cause error) error {
	return t.update(ctx, jobID, func(j *job.Job) error {
		now := time.Now().UTC()
		j.State = job.StateFailed
		j.FailedStep = kind
		j.Error = cause.Error()
		j.Message = fmt.Sprintf("failed at step %q", kind)
		j.FinishedAt = &now
		j.AppendLog(j.Message+": "+cause.Error(), t.logLimit)
		return nil
	})
}

// Cancel implements Tracker.
func (t *StoreTracker) Cancel(ctx context.Context, jobID id.JobID, msg string) error {
	return t.update(ctx, jobID, func(j *job.Job) error {
		now := time.Now().UTC()
		j.State = job.StateCancelled
		j.Message = msg
		j.FinishedAt = &now
		j.AppendLog(msg, t.logLimit)
		return nil
	})
}

func (t *StoreTracker) update(ctx context.Context, jobID id.JobID, mutate func(*job.Job) error) error {
	l := t.lock(jobID)
	defer t.unlock(jobID, l)

	j, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, j.State, rfpflow.ErrInvalidState)
	}
	if err := mutate(j); err != nil {
		return err
	}
	j.Touch()
	if err := t.jobs.UpdateJob(ctx, j); err != nil {
		// Lost the race against another terminal transition; the store
		// kept the terminal record, which is the correct outcome.
		if errors.Is(err, rfpflow.ErrInvalidState) {
			t.logger.Debug("progress update dropped: job already terminal",
				slog.String("job_id", jobID.String()))
		}
		return err
	}
	return nil
}
