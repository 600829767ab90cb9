// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ document.Store = (*Store)(nil)
	_ job.Store      = (*Store)(nil)
	_ result.Store   = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	subjects map[string]*document.Subject
	jobs     map[string]*job.Job
	// latest maps subject id to the most recent job id.
	latest map[string]id.JobID
	// results maps "subjectID:step" to the ascending version list.
	results map[string][]*result.Result
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		subjects: make(map[string]*document.Subject),
		jobs:     make(map[string]*job.Job),
		latest:   make(map[string]id.JobID),
		results:  make(map[string][]*result.Result),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Document Store
// ──────────────────────────────────────────────────

// CreateSubject persists a new subject.
func (m *Store) CreateSubject(_ context.Context, s *document.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.subjects[s.ID.String()] = &cp
	return nil
}

// GetSubject retrieves a subject by ID.
func (m *Store) GetSubject(_ context.Context, subjectID id.SubjectID) (*document.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subjects[subjectID.String()]
	if !ok {
		return nil, rfpflow.ErrSubjectNotFound
	}
	cp := *s
	return &cp, nil
}

// UpdateSubject persists changes to an existing subject.
func (m *Store) UpdateSubject(_ context.Context, s *document.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.ID.String()
	if _, ok := m.subjects[key]; !ok {
		return rfpflow.ErrSubjectNotFound
	}
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	m.subjects[key] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job in queued state.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return rfpflow.ErrJobAlreadyExists
	}
	cp := copyJob(j)
	m.jobs[key] = cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, rfpflow.ErrJobNotFound
	}
	return copyJob(j), nil
}

// UpdateJob persists changes to an existing non-terminal job. Terminal
// records are left untouched.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	existing, ok := m.jobs[key]
	if !ok {
		return rfpflow.ErrJobNotFound
	}
	if existing.State.Terminal() {
		return fmt.Errorf("job %s is %s: %w", key, existing.State, rfpflow.ErrInvalidState)
	}
	cp := copyJob(j)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DequeueJobs atomically claims up to limit queued jobs, sets them to
// running, and returns them oldest first.
func (m *Store) DequeueJobs(_ context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State == job.StateQueued {
			candidates = append(candidates, j)
		}
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateRunning
		j.WorkerID = workerID
		n := now
		j.StartedAt = &n
		// Return a copy so callers can mutate without racing with the store.
		claimed[i] = copyJob(j)
	}

	return claimed, nil
}

// RequestCancel sets the cooperative cancellation flag.
func (m *Store) RequestCancel(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return rfpflow.ErrJobNotFound
	}
	if j.State.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, j.State, rfpflow.ErrInvalidState)
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetLatestJob records jobID as the most recent job for the subject.
func (m *Store) SetLatestJob(_ context.Context, subjectID id.SubjectID, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest[subjectID.String()] = jobID
	return nil
}

// GetLatestJobID returns the most recent job id for the subject.
func (m *Store) GetLatestJobID(_ context.Context, subjectID id.SubjectID) (id.JobID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobID, ok := m.latest[subjectID.String()]
	if !ok {
		return id.Nil, rfpflow.ErrNoJobForSubject
	}
	return jobID, nil
}

// ListActiveJobs returns jobs in queued or running state.
func (m *Store) ListActiveJobs(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*job.Job
	for _, j := range m.jobs {
		if j.State == job.StateQueued || j.State == job.StateRunning {
			active = append(active, copyJob(j))
		}
	}
	sort.Slice(active, func(i, k int) bool {
		return active[i].CreatedAt.Before(active[k].CreatedAt)
	})
	return active, nil
}

// ──────────────────────────────────────────────────
// Result Store
// ──────────────────────────────────────────────────

// SaveResult appends the next version for the (subject, step) pair.
func (m *Store) SaveResult(_ context.Context, res *result.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resultKey(res.SubjectID, res.Step)
	res.Version = len(m.results[key]) + 1
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	cp := *res
	m.results[key] = append(m.results[key], &cp)
	return nil
}

// GetLatestResult returns the highest-version result for the pair.
func (m *Store) GetLatestResult(_ context.Context, subjectID id.SubjectID, kind step.Kind) (*result.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.results[resultKey(subjectID, kind)]
	if len(versions) == 0 {
		return nil, rfpflow.ErrResultNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

// GetResultVersion returns one specific version for the pair.
func (m *Store) GetResultVersion(_ context.Context, subjectID id.SubjectID, kind step.Kind, version int) (*result.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.results[resultKey(subjectID, kind)]
	if version < 1 || version > len(versions) {
		return nil, rfpflow.ErrResultNotFound
	}
	cp := *versions[version-1]
	return &cp, nil
}

// ListResultVersions returns every version for the pair, ascending.
func (m *Store) ListResultVersions(_ context.Context, subjectID id.SubjectID, kind step.Kind) ([]*result.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.results[resultKey(subjectID, kind)]
	out := make([]*result.Result, len(versions))
	for i, res := range versions {
		cp := *res
		out[i] = &cp
	}
	return out, nil
}

// GetAllLatestResults returns the latest version per step for the subject.
func (m *Store) GetAllLatestResults(_ context.Context, subjectID id.SubjectID) (map[step.Kind]*result.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[step.Kind]*result.Result)
	for _, kind := range step.Kinds() {
		versions := m.results[resultKey(subjectID, kind)]
		if len(versions) == 0 {
			continue
		}
		cp := *versions[len(versions)-1]
		out[kind] = &cp
	}
	return out, nil
}

func resultKey(subjectID id.SubjectID, kind step.Kind) string {
	return subjectID.String() + ":" + string(kind)
}

// copyJob deep-copies the slices and maps a shallow copy would share.
func copyJob(j *job.Job) *job.Job {
	cp := *j
	if j.Log != nil {
		cp.Log = make([]job.LogEntry, len(j.Log))
		copy(cp.Log, j.Log)
	}
	if j.Company != nil {
		cp.Company = make(map[string]any, len(j.Company))
		for k, v := range j.Company {
			cp.Company[k] = v
		}
	}
	if j.Summary != nil {
		cp.Summary = make(map[string]any, len(j.Summary))
		for k, v := range j.Summary {
			cp.Summary[k] = v
		}
	}
	return &cp
}
