package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/agent"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/hook"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/pipeline"
	"github.com/bidfoundry/rfpflow/progress"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
	"github.com/bidfoundry/rfpflow/store/memory"
)

// validPayloads satisfy each step's output contract.
var validPayloads = map[step.Kind]map[string]any{
	step.KindAnalysis: {
		"summary":      "five-year road maintenance contract",
		"requirements": []any{map[string]any{"id": "R1"}, map[string]any{"id": "R2"}},
	},
	step.KindCompliance: {
		"compliance_matrix": []any{map[string]any{"requirement": "R1", "status": "compliant"}},
		"risk_flags":        []any{"tight deadline"},
	},
	step.KindExperience: {
		"experience_mapping": []any{map[string]any{"requirement": "R1", "project": "P1"}},
		"gaps":               []any{"no bridge work"},
	},
	step.KindProposal: {
		"sections": []any{map[string]any{"title": "Approach"}, map[string]any{"title": "Team"}},
	},
	step.KindReview: {
		"review_items":          []any{map[string]any{"item": "expand staffing plan", "priority": "high"}},
		"overall_quality_score": 82,
		"recommendation":        "submit with revisions",
	},
}

// stubInvoker serves canned payloads and records invocation order. Per-kind
// hooks allow failure injection and mid-run side effects.
type stubInvoker struct {
	mu      sync.Mutex
	calls   []step.Kind
	failOn  map[step.Kind]error
	onCall  func(kind step.Kind, in *agent.Context)
	payload func(kind step.Kind, in *agent.Context) map[string]any
}

func (s *stubInvoker) Invoke(_ context.Context, kind step.Kind, in *agent.Context) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, kind)
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(kind, in)
	}
	if err, ok := s.failOn[kind]; ok {
		return nil, err
	}
	if s.payload != nil {
		if p := s.payload(kind, in); p != nil {
			return p, nil
		}
	}
	return validPayloads[kind], nil
}

func (s *stubInvoker) called(kind step.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.calls {
		if k == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	store   *memory.Store
	runner  *pipeline.Runner
	invoker *stubInvoker
	subject *document.Subject
}

func newFixture(t *testing.T, opts ...pipeline.RunnerOption) *fixture {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := &stubInvoker{}
	tracker := progress.NewStoreTracker(st, 0, logger)
	hooks := hook.NewRegistry(logger)

	opts = append([]pipeline.RunnerOption{pipeline.WithLogger(logger)}, opts...)
	runner := pipeline.NewRunner(st, st, st, tracker, inv, hooks, opts...)

	subject := document.NewSubject("rfp.pdf", "RFP full text", map[string]any{"client": "County"})
	if err := st.CreateSubject(context.Background(), subject); err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	return &fixture{store: st, runner: runner, invoker: inv, subject: subject}
}

func (f *fixture) newJob(t *testing.T, mode job.Mode) *job.Job {
	t.Helper()
	j := job.New(f.subject.ID, mode)
	if err := f.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func TestRunWorkflow_FullSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.newJob(t, job.ModeFull)

	if err := f.runner.RunWorkflow(ctx, j); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	final, _ := f.store.GetJob(ctx, j.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("State = %s, want completed (error: %s)", final.State, final.Error)
	}
	if final.Percent != 100 {
		t.Errorf("Percent = %d, want 100", final.Percent)
	}
	if final.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	// One result per step, all version 1.
	all, err := f.store.GetAllLatestResults(ctx, f.subject.ID)
	if err != nil {
		t.Fatalf("GetAllLatestResults: %v", err)
	}
	if len(all) != step.Total {
		t.Fatalf("got %d results, want %d", len(all), step.Total)
	}
	for kind, res := range all {
		if res.Version != 1 {
			t.Errorf("%s result Version = %d, want 1", kind, res.Version)
		}
		if res.JobID != j.ID {
			t.Errorf("%s result JobID = %s, want %s", kind, res.JobID, j.ID)
		}
	}

	// Steps invoked in catalog order.
	wantOrder := step.Kinds()
	if len(f.invoker.calls) != len(wantOrder) {
		t.Fatalf("invoked %v, want %v", f.invoker.calls, wantOrder)
	}
	for i, kind := range wantOrder {
		if f.invoker.calls[i] != kind {
			t.Errorf("call[%d] = %s, want %s", i, f.invoker.calls[i], kind)
		}
	}

	// Headline summary metrics.
	if final.Summary["requirement_count"] != 2 {
		t.Errorf("requirement_count = %v, want 2", final.Summary["requirement_count"])
	}
	if final.Summary["section_count"] != 2 {
		t.Errorf("section_count = %v, want 2", final.Summary["section_count"])
	}
	if final.Summary["recommendation"] != "submit with revisions" {
		t.Errorf("recommendation = %v", final.Summary["recommendation"])
	}
}

func TestRunWorkflow_HaltsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("generation refused")
	f.invoker.failOn = map[step.Kind]error{step.KindCompliance: boom}
	j := f.newJob(t, job.ModeFull)

	if err := f.runner.RunWorkflow(ctx, j); !errors.Is(err, boom) {
		t.Fatalf("RunWorkflow err = %v, want boom", err)
	}

	final, _ := f.store.GetJob(ctx, j.ID)
	if final.State != job.StateFailed {
		t.Errorf("State = %s, want failed", final.State)
	}
	if final.FailedStep != step.KindCompliance {
		t.Errorf("FailedStep = %s, want compliance", final.FailedStep)
	}

	// The analysis result survives; nothing after the failing step ran.
	if _, err := f.store.GetLatestResult(ctx, f.subject.ID, step.KindAnalysis); err != nil {
		t.Errorf("analysis result missing after failure: %v", err)
	}
	for _, kind := range []step.Kind{step.KindExperience, step.KindProposal, step.KindReview} {
		if f.invoker.called(kind) {
			t.Errorf("step %s was invoked after the halt", kind)
		}
	}
}

func TestRunWorkflow_CancellationBetweenSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.newJob(t, job.ModeFull)

	// Request cancellation while the analysis step is in flight; the flag
	// is honored before the next step begins.
	f.invoker.onCall = func(kind step.Kind, _ *agent.Context) {
		if kind == step.KindAnalysis {
			if err := f.store.RequestCancel(ctx, j.ID); err != nil {
				t.Errorf("RequestCancel: %v", err)
			}
		}
	}

	if err := f.runner.RunWorkflow(ctx, j); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	final, _ := f.store.GetJob(ctx, j.ID)
	if final.State != job.StateCancelled {
		t.Fatalf("State = %s, want cancelled", final.State)
	}

	// The in-flight step's result is persisted; later steps never ran.
	if _, err := f.store.GetLatestResult(ctx, f.subject.ID, step.KindAnalysis); err != nil {
		t.Errorf("analysis result missing after cancellation: %v", err)
	}
	if f.invoker.called(step.KindCompliance) {
		t.Error("compliance ran after cancellation was requested")
	}
}

func TestRunWorkflow_EmptyTextFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blank := document.NewSubject("scan.pdf", "", nil)
	if err := f.store.CreateSubject(ctx, blank); err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	j := job.New(blank.ID, job.ModeFull)
	if err := f.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := f.runner.RunWorkflow(ctx, j); !errors.Is(err, rfpflow.ErrTextNotExtracted) {
		t.Fatalf("err = %v, want ErrTextNotExtracted", err)
	}
	final, _ := f.store.GetJob(ctx, j.ID)
	if final.State != job.StateFailed {
		t.Errorf("State = %s, want failed", final.State)
	}
	if f.invoker.called(step.KindAnalysis) {
		t.Error("generation invoked for a subject without text")
	}
}

func TestRunWorkflow_ParallelMatch(t *testing.T) {
	f := newFixture(t, pipeline.WithParallelMatch(true))
	ctx := context.Background()
	j := f.newJob(t, job.ModeFull)

	if err := f.runner.RunWorkflow(ctx, j); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	final, _ := f.store.GetJob(ctx, j.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("State = %s, want completed", final.State)
	}
	all, _ := f.store.GetAllLatestResults(ctx, f.subject.ID)
	if len(all) != step.Total {
		t.Errorf("got %d results, want %d", len(all), step.Total)
	}
	if final.Percent != 100 {
		t.Errorf("Percent = %d, want 100", final.Percent)
	}
}

func TestRunWorkflow_LaterStepsSeeDependencyPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.newJob(t, job.ModeFull)

	var proposalInputs map[step.Kind]map[string]any
	f.invoker.onCall = func(kind step.Kind, in *agent.Context) {
		if kind == step.KindProposal {
			proposalInputs = in.Inputs
		}
	}

	if err := f.runner.RunWorkflow(ctx, j); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	if proposalInputs == nil {
		t.Fatal("proposal step never saw its inputs")
	}
	if _, ok := proposalInputs[step.KindAnalysis]; !ok {
		t.Error("proposal inputs missing analysis payload")
	}
	if _, ok := proposalInputs[step.KindCompliance]; !ok {
		t.Error("proposal inputs missing compliance payload")
	}
}

func TestRunStep_MissingDependencyFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.runner.RunStep(ctx, f.subject.ID, step.KindReview, nil)
	var missing *rfpflow.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *MissingDependencyError", err)
	}
	if f.invoker.called(step.KindReview) {
		t.Error("generation invoked despite missing dependencies")
	}
}

func TestRunStep_RerunCreatesNewVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.newJob(t, job.ModeFull)

	if err := f.runner.RunWorkflow(ctx, j); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	res, err := f.runner.RunStep(ctx, f.subject.ID, step.KindCompliance, nil)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("rerun Version = %d, want 2", res.Version)
	}
	if !res.JobID.IsNil() {
		t.Errorf("synchronous rerun result carries JobID %s", res.JobID)
	}

	// Earlier versions are untouched.
	versions, _ := f.store.ListResultVersions(ctx, f.subject.ID, step.KindCompliance)
	if len(versions) != 2 {
		t.Errorf("have %d compliance versions, want 2", len(versions))
	}
}

func TestRunStep_UnknownKind(t *testing.T) {
	f := newFixture(t)
	if _, err := f.runner.RunStep(context.Background(), f.subject.ID, "summarize", nil); err == nil {
		t.Fatal("want error for unknown step kind")
	}
}

func TestRunWorkflow_Revision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed a full run so the proposal and review exist.
	full := f.newJob(t, job.ModeFull)
	if err := f.runner.RunWorkflow(ctx, full); err != nil {
		t.Fatalf("full run: %v", err)
	}

	var seenRevision *agent.Revision
	f.invoker.onCall = func(kind step.Kind, in *agent.Context) {
		if in.Revision != nil {
			seenRevision = in.Revision
		}
	}

	rev := f.newJob(t, job.ModeRevision)
	if err := f.runner.RunWorkflow(ctx, rev); err != nil {
		t.Fatalf("revision run: %v", err)
	}

	final, _ := f.store.GetJob(ctx, rev.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("State = %s, want completed (error: %s)", final.State, final.Error)
	}
	if final.Summary["proposal_version"] != 2 {
		t.Errorf("proposal_version = %v, want 2", final.Summary["proposal_version"])
	}

	if seenRevision == nil {
		t.Fatal("proposal step did not receive revision context")
	}
	if seenRevision.Original == nil || seenRevision.Review == nil {
		t.Error("revision context missing original or review payload")
	}
	if len(seenRevision.PriorityItems) != 1 {
		t.Errorf("PriorityItems = %d, want 1 high-priority item", len(seenRevision.PriorityItems))
	}

	latest, _ := f.store.GetLatestResult(ctx, f.subject.ID, step.KindProposal)
	if latest.Version != 2 {
		t.Errorf("latest proposal Version = %d, want 2", latest.Version)
	}
}

func TestRunWorkflow_RevisionWithoutReviewFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed only a proposal, no review.
	seed := &result.Result{
		ID:        id.NewResultID(),
		SubjectID: f.subject.ID,
		Step:      step.KindProposal,
		Payload:   validPayloads[step.KindProposal],
	}
	if err := f.store.SaveResult(ctx, seed); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	j := f.newJob(t, job.ModeRevision)
	err := f.runner.RunWorkflow(ctx, j)
	var missing *rfpflow.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *MissingDependencyError", err)
	}

	final, _ := f.store.GetJob(ctx, j.ID)
	if final.State != job.StateFailed {
		t.Errorf("State = %s, want failed", final.State)
	}
	if f.invoker.called(step.KindProposal) {
		t.Error("generation invoked despite missing review")
	}
}

func TestRunWorkflow_ProgressLogAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.newJob(t, job.ModeFull)

	if err := f.runner.RunWorkflow(ctx, j); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	final, _ := f.store.GetJob(ctx, j.ID)
	// Five step lines plus the completion line.
	if len(final.Log) != step.Total+1 {
		t.Errorf("log has %d entries, want %d", len(final.Log), step.Total+1)
	}
}
