package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/agent"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/engine"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
	"github.com/bidfoundry/rfpflow/store/memory"
)

// jsonGen returns structurally valid output for every step kind.
func jsonGen() agent.Generator {
	payloads := map[step.Kind]map[string]any{
		step.KindAnalysis:   {"summary": "s", "requirements": []any{map[string]any{"id": "R1"}}},
		step.KindCompliance: {"compliance_matrix": []any{}, "risk_flags": []any{}},
		step.KindExperience: {"experience_mapping": []any{}, "gaps": []any{}},
		step.KindProposal:   {"sections": []any{map[string]any{"title": "Approach"}}},
		step.KindReview:     {"review_items": []any{}, "overall_quality_score": 90, "recommendation": "submit"},
	}
	return agent.GeneratorFunc(func(_ context.Context, kind step.Kind, _ *agent.Context) (string, error) {
		raw, err := json.Marshal(payloads[kind])
		return string(raw), err
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, cfg rfpflow.Config, opts ...engine.Option) (*engine.Engine, *rfpflow.Dispatcher, *memory.Store) {
	t.Helper()
	st := memory.New()
	d, err := rfpflow.New(
		rfpflow.WithStore(st),
		rfpflow.WithLogger(testLogger()),
		rfpflow.WithConfig(cfg),
	)
	if err != nil {
		t.Fatalf("rfpflow.New: %v", err)
	}
	eng, err := engine.Build(d, jsonGen(), opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, d, st
}

func fastConfig() rfpflow.Config {
	cfg := rfpflow.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.InvokeTimeout = time.Second
	return cfg
}

func seedSubject(t *testing.T, st *memory.Store, text string) *document.Subject {
	t.Helper()
	s := document.NewSubject("rfp.pdf", text, map[string]any{"client": "County"})
	if err := st.CreateSubject(context.Background(), s); err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	return s
}

func waitForTerminal(t *testing.T, eng *engine.Engine, jobID id.JobID) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := eng.GetJobStatus(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJobStatus: %v", err)
		}
		if j.State.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestBuild_RequiresStoreAndGenerator(t *testing.T) {
	d, err := rfpflow.New(rfpflow.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("rfpflow.New: %v", err)
	}
	if _, err := engine.Build(d, jsonGen()); !errors.Is(err, rfpflow.ErrNoStore) {
		t.Errorf("Build without store: err = %v, want ErrNoStore", err)
	}

	d2, err := rfpflow.New(rfpflow.WithStore(memory.New()), rfpflow.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("rfpflow.New: %v", err)
	}
	if _, err := engine.Build(d2, nil); err == nil {
		t.Error("Build without generator should fail")
	}
}

func TestStartFullWorkflow_EnqueuesJob(t *testing.T) {
	eng, _, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "full text")

	j, err := eng.StartFullWorkflow(ctx, subject.ID, map[string]any{"name": "BidFoundry"})
	if err != nil {
		t.Fatalf("StartFullWorkflow: %v", err)
	}
	if j.State != job.StateQueued {
		t.Errorf("State = %s, want queued", j.State)
	}
	if j.Mode != job.ModeFull {
		t.Errorf("Mode = %s, want full", j.Mode)
	}
	if j.Company["name"] != "BidFoundry" {
		t.Errorf("Company not carried: %v", j.Company)
	}

	latest, err := eng.GetLatestJobForSubject(ctx, subject.ID)
	if err != nil {
		t.Fatalf("GetLatestJobForSubject: %v", err)
	}
	if latest.ID != j.ID {
		t.Errorf("latest job = %s, want %s", latest.ID, j.ID)
	}
}

func TestStartFullWorkflow_RequiresExtractedText(t *testing.T) {
	eng, _, st := newEngine(t, fastConfig())
	subject := seedSubject(t, st, "")

	if _, err := eng.StartFullWorkflow(context.Background(), subject.ID, nil); !errors.Is(err, rfpflow.ErrTextNotExtracted) {
		t.Errorf("err = %v, want ErrTextNotExtracted", err)
	}
}

func TestStartFullWorkflow_UnknownSubject(t *testing.T) {
	eng, _, _ := newEngine(t, fastConfig())
	if _, err := eng.StartFullWorkflow(context.Background(), id.NewSubjectID(), nil); !errors.Is(err, rfpflow.ErrSubjectNotFound) {
		t.Errorf("err = %v, want ErrSubjectNotFound", err)
	}
}

func TestStartFullWorkflow_RejectConcurrentRuns(t *testing.T) {
	cfg := fastConfig()
	cfg.RejectConcurrentRuns = true
	eng, _, st := newEngine(t, cfg)
	ctx := context.Background()
	subject := seedSubject(t, st, "text")

	first, err := eng.StartFullWorkflow(ctx, subject.ID, nil)
	if err != nil {
		t.Fatalf("first StartFullWorkflow: %v", err)
	}

	if _, err := eng.StartFullWorkflow(ctx, subject.ID, nil); !errors.Is(err, rfpflow.ErrRunInProgress) {
		t.Fatalf("second run: err = %v, want ErrRunInProgress", err)
	}

	// Once the run finishes, a new one is accepted.
	fin, _ := st.GetJob(ctx, first.ID)
	fin.State = job.StateCompleted
	if err := st.UpdateJob(ctx, fin); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if _, err := eng.StartFullWorkflow(ctx, subject.ID, nil); err != nil {
		t.Errorf("run after completion: %v", err)
	}
}

func TestWorkflow_EndToEnd(t *testing.T) {
	eng, d, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "full text")

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx) //nolint:errcheck

	j, err := eng.StartFullWorkflow(ctx, subject.ID, nil)
	if err != nil {
		t.Fatalf("StartFullWorkflow: %v", err)
	}

	final := waitForTerminal(t, eng, j.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("State = %s, want completed (error: %s)", final.State, final.Error)
	}
	if final.Percent != 100 {
		t.Errorf("Percent = %d, want 100", final.Percent)
	}

	all, err := eng.GetAllResults(ctx, subject.ID)
	if err != nil {
		t.Fatalf("GetAllResults: %v", err)
	}
	if len(all) != step.Total {
		t.Errorf("got %d results, want %d", len(all), step.Total)
	}
}

func TestReviseProposal_FailsFastWithoutInputs(t *testing.T) {
	eng, _, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "text")

	_, err := eng.ReviseProposal(ctx, subject.ID, nil)
	var missing *rfpflow.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *MissingDependencyError", err)
	}
	if missing.Missing != string(step.KindProposal) {
		t.Errorf("Missing = %q, want proposal", missing.Missing)
	}

	// With only a proposal, the review is reported missing.
	res := &result.Result{ID: id.NewResultID(), SubjectID: subject.ID, Step: step.KindProposal, Payload: map[string]any{"sections": []any{}}}
	if err := st.SaveResult(ctx, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	_, err = eng.ReviseProposal(ctx, subject.ID, nil)
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *MissingDependencyError", err)
	}
	if missing.Missing != string(step.KindReview) {
		t.Errorf("Missing = %q, want review", missing.Missing)
	}
}

func TestReviseProposal_Enqueues(t *testing.T) {
	eng, _, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "text")

	for _, seed := range []*result.Result{
		{ID: id.NewResultID(), SubjectID: subject.ID, Step: step.KindProposal, Payload: map[string]any{"sections": []any{}}},
		{ID: id.NewResultID(), SubjectID: subject.ID, Step: step.KindReview, Payload: map[string]any{"review_items": []any{}}},
	} {
		if err := st.SaveResult(ctx, seed); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	j, err := eng.ReviseProposal(ctx, subject.ID, nil)
	if err != nil {
		t.Fatalf("ReviseProposal: %v", err)
	}
	if j.Mode != job.ModeRevision {
		t.Errorf("Mode = %s, want revision", j.Mode)
	}
	if j.State != job.StateQueued {
		t.Errorf("State = %s, want queued", j.State)
	}
}

func TestCancelJob_QueuedJobEndsCancelled(t *testing.T) {
	eng, d, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "text")

	j, err := eng.StartFullWorkflow(ctx, subject.ID, nil)
	if err != nil {
		t.Fatalf("StartFullWorkflow: %v", err)
	}
	if err := eng.CancelJob(ctx, j.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx) //nolint:errcheck

	final := waitForTerminal(t, eng, j.ID)
	if final.State != job.StateCancelled {
		t.Errorf("State = %s, want cancelled", final.State)
	}
}

func TestGetStepResult_VersionZeroIsLatest(t *testing.T) {
	eng, _, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "text")

	for range 3 {
		res := &result.Result{ID: id.NewResultID(), SubjectID: subject.ID, Step: step.KindAnalysis, Payload: map[string]any{}}
		if err := st.SaveResult(ctx, res); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	latest, err := eng.GetStepResult(ctx, subject.ID, step.KindAnalysis, 0)
	if err != nil {
		t.Fatalf("GetStepResult(0): %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("latest Version = %d, want 3", latest.Version)
	}

	v1, err := eng.GetStepResult(ctx, subject.ID, step.KindAnalysis, 1)
	if err != nil {
		t.Fatalf("GetStepResult(1): %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("Version = %d, want 1", v1.Version)
	}

	versions, err := eng.ListStepVersions(ctx, subject.ID, step.KindAnalysis)
	if err != nil {
		t.Fatalf("ListStepVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("ListStepVersions returned %d, want 3", len(versions))
	}
}

func TestRerunStep_UsesLatestDependencies(t *testing.T) {
	eng, d, st := newEngine(t, fastConfig())
	ctx := context.Background()
	subject := seedSubject(t, st, "full text")

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx) //nolint:errcheck

	j, err := eng.StartFullWorkflow(ctx, subject.ID, nil)
	if err != nil {
		t.Fatalf("StartFullWorkflow: %v", err)
	}
	if final := waitForTerminal(t, eng, j.ID); final.State != job.StateCompleted {
		t.Fatalf("State = %s, want completed", final.State)
	}

	res, err := eng.RerunStep(ctx, subject.ID, step.KindProposal, nil)
	if err != nil {
		t.Fatalf("RerunStep: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("rerun Version = %d, want 2", res.Version)
	}
}
