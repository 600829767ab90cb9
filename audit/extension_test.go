package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bidfoundry/rfpflow/audit"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (m *mockRecorder) Record(_ context.Context, evt *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// ── Test helpers ─────────────────────────────────────

func newTestJob() *job.Job {
	return job.New(id.NewSubjectID(), job.ModeFull)
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	if e.Name() != "audit" {
		t.Errorf("expected name %q, got %q", "audit", e.Name())
	}
}

func TestExtension_JobEnqueued(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	j := newTestJob()

	if err := e.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != audit.ActionJobEnqueued {
		t.Errorf("Action: want %q, got %q", audit.ActionJobEnqueued, evt.Action)
	}
	if evt.Resource != audit.ResourceJob {
		t.Errorf("Resource: want %q, got %q", audit.ResourceJob, evt.Resource)
	}
	if evt.Category != audit.CategoryJob {
		t.Errorf("Category: want %q, got %q", audit.CategoryJob, evt.Category)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", j.ID.String(), evt.ResourceID)
	}
	if evt.Severity != audit.SeverityInfo {
		t.Errorf("Severity: want %q, got %q", audit.SeverityInfo, evt.Severity)
	}
	if evt.Metadata["subject_id"] != j.SubjectID.String() {
		t.Errorf("Metadata[subject_id]: want %q, got %v", j.SubjectID.String(), evt.Metadata["subject_id"])
	}
}

func TestExtension_JobFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	j := newTestJob()
	j.FailedStep = step.KindCompliance

	if err := e.OnJobFailed(context.Background(), j, errors.New("generation failed")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	evt := rec.last()
	if evt.Action != audit.ActionJobFailed {
		t.Errorf("Action: want %q, got %q", audit.ActionJobFailed, evt.Action)
	}
	if evt.Severity != audit.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", audit.SeverityCritical, evt.Severity)
	}
	if evt.Outcome != audit.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", audit.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "generation failed" {
		t.Errorf("Reason: want %q, got %q", "generation failed", evt.Reason)
	}
	if evt.Metadata["failed_step"] != string(step.KindCompliance) {
		t.Errorf("Metadata[failed_step]: want %q, got %v", step.KindCompliance, evt.Metadata["failed_step"])
	}
}

func TestExtension_StepCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec)
	j := newTestJob()
	res := &result.Result{
		ID:        id.NewResultID(),
		SubjectID: j.SubjectID,
		Step:      step.KindAnalysis,
		Version:   2,
	}

	if err := e.OnStepCompleted(context.Background(), j, res, 3*time.Second); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}

	evt := rec.last()
	if evt.Action != audit.ActionStepCompleted {
		t.Errorf("Action: want %q, got %q", audit.ActionStepCompleted, evt.Action)
	}
	if evt.Resource != audit.ResourceResult {
		t.Errorf("Resource: want %q, got %q", audit.ResourceResult, evt.Resource)
	}
	if evt.ResourceID != res.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", res.ID.String(), evt.ResourceID)
	}
	if evt.Metadata["version"] != 2 {
		t.Errorf("Metadata[version]: want 2, got %v", evt.Metadata["version"])
	}
	if evt.Metadata["elapsed_ms"] != int64(3000) {
		t.Errorf("Metadata[elapsed_ms]: want 3000, got %v", evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_WithActions(t *testing.T) {
	rec := &mockRecorder{}
	e := audit.New(rec, audit.WithActions(audit.ActionJobFailed))
	j := newTestJob()
	ctx := context.Background()

	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if err := e.OnJobStarted(ctx, j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("expected filtered actions to be dropped, got %d events", rec.count())
	}

	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 event, got %d", rec.count())
	}
}

func TestExtension_RecorderErrorNotPropagated(t *testing.T) {
	failing := audit.RecorderFunc(func(context.Context, *audit.Event) error {
		return errors.New("backend down")
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := audit.New(failing, audit.WithLogger(logger))

	if err := e.OnJobCompleted(context.Background(), newTestJob(), time.Second); err != nil {
		t.Fatalf("recorder errors must not propagate, got: %v", err)
	}
}

func TestAllActions(t *testing.T) {
	actions := audit.AllActions()
	if len(actions) != 8 {
		t.Fatalf("expected 8 actions, got %d", len(actions))
	}
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
}
