package bunstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
)

// terminalStates matches job.State.Terminal; kept as a SQL fragment so
// updates can refuse terminal records inside the database.
var terminalStates = []string{
	string(job.StateCompleted),
	string(job.StateFailed),
	string(job.StateCancelled),
}

// CreateJob persists a new job in queued state.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return rfpflow.ErrJobAlreadyExists
		}
		return storageErr(err, "create job")
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, rfpflow.ErrJobNotFound
		}
		return nil, storageErr(err, "get job")
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing non-terminal job. The state
// guard runs inside the UPDATE so a concurrent terminal transition can
// never be overwritten.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).
		WherePK().
		Where("state NOT IN (?)", bun.In(terminalStates)).
		Exec(ctx)
	if err != nil {
		return storageErr(err, "update job")
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.jobUpdateConflict(ctx, j.ID)
	}
	return nil
}

// DequeueJobs atomically claims up to limit queued jobs, sets them to
// running, and returns them. Uses SELECT FOR UPDATE SKIP LOCKED for
// concurrent-safe dequeue via raw SQL.
func (s *Store) DequeueJobs(ctx context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		WITH dequeued AS (
			UPDATE rfpflow_jobs
			SET state = 'running', worker_id = ?0, started_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM rfpflow_jobs
				WHERE state = 'queued'
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM dequeued ORDER BY created_at ASC`,
		workerID.String(), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, storageErr(err, "dequeue jobs")
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, storageErr(convErr, "dequeue convert")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// RequestCancel sets the cooperative cancellation flag on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("cancel_requested = TRUE").
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("state NOT IN (?)", bun.In(terminalStates)).
		Exec(ctx)
	if err != nil {
		return storageErr(err, "request cancel")
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.jobUpdateConflict(ctx, jobID)
	}
	return nil
}

// SetLatestJob upserts the latest-job pointer for the subject.
func (s *Store) SetLatestJob(ctx context.Context, subjectID id.SubjectID, jobID id.JobID) error {
	m := &latestJobModel{
		SubjectID: subjectID.String(),
		JobID:     jobID.String(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (subject_id) DO UPDATE").
		Set("job_id = EXCLUDED.job_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return storageErr(err, "set latest job")
	}
	return nil
}

// GetLatestJobID returns the most recent job id for the subject.
func (s *Store) GetLatestJobID(ctx context.Context, subjectID id.SubjectID) (id.JobID, error) {
	m := new(latestJobModel)
	err := s.db.NewSelect().Model(m).
		Where("subject_id = ?", subjectID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, rfpflow.ErrNoJobForSubject
		}
		return id.Nil, storageErr(err, "get latest job")
	}
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return id.Nil, storageErr(err, "parse latest job id %q", m.JobID)
	}
	return jobID, nil
}

// ListActiveJobs returns jobs in queued or running state.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*job.Job, error) {
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("state IN (?)", bun.In([]string{string(job.StateQueued), string(job.StateRunning)})).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, storageErr(err, "list active jobs")
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, storageErr(convErr, "list active convert")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// jobUpdateConflict resolves a zero-row update into the precise error:
// the job does not exist, or it already reached a terminal state.
func (s *Store) jobUpdateConflict(ctx context.Context, jobID id.JobID) error {
	existing, err := s.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, rfpflow.ErrJobNotFound) {
			return rfpflow.ErrJobNotFound
		}
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, existing.State, rfpflow.ErrInvalidState)
}
