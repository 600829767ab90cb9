package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/step"
)

// CreateJob stores the job as a Hash and adds it to the queue Sorted Set.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return storageErr(err, "create check exists")
	}
	if exists > 0 {
		return rfpflow.ErrJobAlreadyExists
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)

	// FIFO: score is the enqueue time in milliseconds.
	score := float64(j.CreatedAt.UnixMilli())
	pipe.ZAdd(ctx, queueKey, goredis.Z{Score: score, Member: jID})

	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(err, "create job")
	}
	return nil
}

// DequeueJobs atomically pops up to limit queued jobs and marks them
// running. ZPopMin guarantees two concurrent dequeuers never receive the
// same job.
func (s *Store) DequeueJobs(ctx context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()

	members, err := s.client.ZPopMin(ctx, queueKey, int64(limit)).Result()
	if err != nil {
		return nil, storageErr(err, "dequeue zpopmin")
	}

	var jobs []*job.Job
	for _, z := range members {
		jID, ok := z.Member.(string)
		if !ok {
			continue
		}

		key := jobKey(jID)
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key,
			"state", string(job.StateRunning),
			"worker_id", workerID.String(),
			"started_at", now.Format(time.RFC3339Nano),
			"updated_at", now.Format(time.RFC3339Nano),
		)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return nil, storageErr(pErr, "dequeue update")
		}

		j, getErr := s.getJobByKey(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing non-terminal job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	state, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return rfpflow.ErrJobNotFound
		}
		return storageErr(err, "update job get state")
	}
	if job.State(state).Terminal() {
		return fmt.Errorf("job %s is %s: %w", jID, state, rfpflow.ErrInvalidState)
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return storageErr(err, "update job")
	}

	// Finished runs age out with the configured TTL.
	if s.statusTTL > 0 && j.State.Terminal() {
		if err := s.client.Expire(ctx, key, s.statusTTL).Err(); err != nil {
			return storageErr(err, "update job expire")
		}
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	key := jobKey(jobID.String())

	state, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return rfpflow.ErrJobNotFound
		}
		return storageErr(err, "cancel get state")
	}
	if job.State(state).Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, state, rfpflow.ErrInvalidState)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "cancel_requested", "1", "updated_at", now).Err(); err != nil {
		return storageErr(err, "request cancel")
	}
	return nil
}

// SetLatestJob records jobID as the most recent job for the subject.
func (s *Store) SetLatestJob(ctx context.Context, subjectID id.SubjectID, jobID id.JobID) error {
	key := latestJobKey(subjectID.String())
	if err := s.client.Set(ctx, key, jobID.String(), s.statusTTL).Err(); err != nil {
		return storageErr(err, "set latest job")
	}
	return nil
}

// GetLatestJobID returns the most recent job id for the subject.
func (s *Store) GetLatestJobID(ctx context.Context, subjectID id.SubjectID) (id.JobID, error) {
	raw, err := s.client.Get(ctx, latestJobKey(subjectID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return id.Nil, rfpflow.ErrNoJobForSubject
		}
		return id.Nil, storageErr(err, "get latest job")
	}
	jobID, err := id.ParseJobID(raw)
	if err != nil {
		return id.Nil, storageErr(err, "parse latest job id")
	}
	return jobID, nil
}

// ListActiveJobs returns jobs in queued or running state.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, storageErr(err, "list active smembers")
	}

	var active []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // expired or deleted under us
		}
		if j.State == job.StateQueued || j.State == job.StateRunning {
			active = append(active, j)
		}
	}
	return active, nil
}

// ── helpers ──

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	m := map[string]interface{}{
		"id":               j.ID.String(),
		"subject_id":       j.SubjectID.String(),
		"mode":             string(j.Mode),
		"state":            string(j.State),
		"current_step":     string(j.CurrentStep),
		"percent":          strconv.Itoa(j.Percent),
		"message":          j.Message,
		"error":            j.Error,
		"failed_step":      string(j.FailedStep),
		"cancel_requested": boolField(j.CancelRequested),
		"worker_id":        j.WorkerID.String(),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Log != nil {
		raw, err := json.Marshal(j.Log)
		if err != nil {
			return nil, storageErr(err, "marshal job log")
		}
		m["log"] = string(raw)
	}
	if j.Company != nil {
		raw, err := json.Marshal(j.Company)
		if err != nil {
			return nil, storageErr(err, "marshal job company")
		}
		m["company"] = string(raw)
	}
	if j.Summary != nil {
		raw, err := json.Marshal(j.Summary)
		if err != nil {
			return nil, storageErr(err, "marshal job summary")
		}
		m["summary"] = string(raw)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storageErr(err, "get job")
	}
	if len(vals) == 0 {
		return nil, rfpflow.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, storageErr(err, "parse job id")
	}
	sID, err := id.ParseSubjectID(m["subject_id"])
	if err != nil {
		return nil, storageErr(err, "parse subject id")
	}

	percent, _ := strconv.Atoi(m["percent"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:              jID,
		SubjectID:       sID,
		Mode:            job.Mode(m["mode"]),
		State:           job.State(m["state"]),
		CurrentStep:     step.Kind(m["current_step"]),
		Percent:         percent,
		Message:         m["message"],
		Error:           m["error"],
		FailedStep:      step.Kind(m["failed_step"]),
		CancelRequested: m["cancel_requested"] == "1",
	}

	if raw := m["log"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Log); err != nil {
			return nil, storageErr(err, "unmarshal job log")
		}
	}
	if raw := m["company"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Company); err != nil {
			return nil, storageErr(err, "unmarshal job company")
		}
	}
	if raw := m["summary"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Summary); err != nil {
			return nil, storageErr(err, "unmarshal job summary")
		}
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.StartedAt = &t
		}
	}
	if v := m["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.FinishedAt = &t
		}
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return j, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
