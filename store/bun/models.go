package bunstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// ── Subject model ─────────────────────────────────────────────────

type subjectModel struct {
	bun.BaseModel `bun:"table:rfpflow_subjects"`

	ID        string         `bun:"id,pk"`
	Filename  string         `bun:"filename"`
	Text      string         `bun:"text"`
	Metadata  map[string]any `bun:"metadata,type:jsonb"`
	CreatedAt time.Time      `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time      `bun:"updated_at,notnull,default:current_timestamp"`
}

func toSubjectModel(sub *document.Subject) *subjectModel {
	return &subjectModel{
		ID:        sub.ID.String(),
		Filename:  sub.Filename,
		Text:      sub.Text,
		Metadata:  sub.Metadata,
		CreatedAt: sub.CreatedAt,
		UpdatedAt: sub.UpdatedAt,
	}
}

func fromSubjectModel(m *subjectModel) (*document.Subject, error) {
	parsedID, err := id.ParseSubjectID(m.ID)
	if err != nil {
		return nil, storageErr(err, "parse subject id %q", m.ID)
	}
	return &document.Subject{
		ID:       parsedID,
		Filename: m.Filename,
		Text:     m.Text,
		Metadata: m.Metadata,
		Entity: rfpflow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
	}, nil
}

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:rfpflow_jobs"`

	ID              string         `bun:"id,pk"`
	SubjectID       string         `bun:"subject_id,notnull"`
	Mode            string         `bun:"mode,notnull,default:'full'"`
	State           string         `bun:"state,notnull,default:'queued'"`
	CurrentStep     string         `bun:"current_step"`
	Percent         int            `bun:"percent,notnull,default:0"`
	Message         string         `bun:"message"`
	Error           string         `bun:"error"`
	FailedStep      string         `bun:"failed_step"`
	CancelRequested bool           `bun:"cancel_requested,notnull,default:false"`
	Log             []job.LogEntry `bun:"log,type:jsonb"`
	Company         map[string]any `bun:"company,type:jsonb"`
	Summary         map[string]any `bun:"summary,type:jsonb"`
	WorkerID        string         `bun:"worker_id"`
	StartedAt       *time.Time     `bun:"started_at"`
	FinishedAt      *time.Time     `bun:"finished_at"`
	CreatedAt       time.Time      `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:              j.ID.String(),
		SubjectID:       j.SubjectID.String(),
		Mode:            string(j.Mode),
		State:           string(j.State),
		CurrentStep:     string(j.CurrentStep),
		Percent:         j.Percent,
		Message:         j.Message,
		Error:           j.Error,
		FailedStep:      string(j.FailedStep),
		CancelRequested: j.CancelRequested,
		Log:             j.Log,
		Company:         j.Company,
		Summary:         j.Summary,
		WorkerID:        j.WorkerID.String(),
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, storageErr(err, "parse job id %q", m.ID)
	}
	subjectID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, storageErr(err, "parse subject id %q", m.SubjectID)
	}

	j := &job.Job{
		Entity: rfpflow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              parsedID,
		SubjectID:       subjectID,
		Mode:            job.Mode(m.Mode),
		State:           job.State(m.State),
		CurrentStep:     step.Kind(m.CurrentStep),
		Percent:         m.Percent,
		Message:         m.Message,
		Error:           m.Error,
		FailedStep:      step.Kind(m.FailedStep),
		CancelRequested: m.CancelRequested,
		Log:             m.Log,
		Company:         m.Company,
		Summary:         m.Summary,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
	}
	if m.WorkerID != "" {
		workerID, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr != nil {
			return nil, storageErr(wErr, "parse worker id %q", m.WorkerID)
		}
		j.WorkerID = workerID
	}
	return j, nil
}

// ── Result model ──────────────────────────────────────────────────

type resultModel struct {
	bun.BaseModel `bun:"table:rfpflow_results"`

	ID        string         `bun:"id,pk"`
	SubjectID string         `bun:"subject_id,notnull"`
	Step      string         `bun:"step,notnull"`
	Version   int            `bun:"version,notnull"`
	Payload   map[string]any `bun:"payload,type:jsonb"`
	JobID     string         `bun:"job_id"`
	CreatedAt time.Time      `bun:"created_at,notnull,default:current_timestamp"`
}

func toResultModel(res *result.Result) *resultModel {
	m := &resultModel{
		ID:        res.ID.String(),
		SubjectID: res.SubjectID.String(),
		Step:      string(res.Step),
		Version:   res.Version,
		Payload:   res.Payload,
		CreatedAt: res.CreatedAt,
	}
	if !res.JobID.IsNil() {
		m.JobID = res.JobID.String()
	}
	return m
}

func fromResultModel(m *resultModel) (*result.Result, error) {
	parsedID, err := id.ParseResultID(m.ID)
	if err != nil {
		return nil, storageErr(err, "parse result id %q", m.ID)
	}
	subjectID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, storageErr(err, "parse subject id %q", m.SubjectID)
	}

	res := &result.Result{
		ID:        parsedID,
		SubjectID: subjectID,
		Step:      step.Kind(m.Step),
		Version:   m.Version,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
	if m.JobID != "" {
		jobID, jErr := id.ParseJobID(m.JobID)
		if jErr != nil {
			return nil, storageErr(jErr, "parse job id %q", m.JobID)
		}
		res.JobID = jobID
	}
	return res, nil
}

// ── Latest-job pointer model ──────────────────────────────────────

type latestJobModel struct {
	bun.BaseModel `bun:"table:rfpflow_subject_jobs"`

	SubjectID string    `bun:"subject_id,pk"`
	JobID     string    `bun:"job_id,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
