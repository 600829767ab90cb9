package progress_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/progress"
	"github.com/bidfoundry/rfpflow/step"
	"github.com/bidfoundry/rfpflow/store/memory"
)

func newTracker(t *testing.T) (*progress.StoreTracker, *memory.Store, *job.Job) {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := progress.NewStoreTracker(st, 5, logger)

	j := job.New(id.NewSubjectID(), job.ModeFull)
	if err := st.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return tr, st, j
}

func TestBeginStep_AdvancesPercent(t *testing.T) {
	tr, st, j := newTracker(t)
	ctx := context.Background()

	wantPercents := []int{0, 20, 40, 60, 80}
	for order := 1; order <= step.Total; order++ {
		s, _ := step.ByOrder(order)
		if err := tr.BeginStep(ctx, j.ID, s); err != nil {
			t.Fatalf("BeginStep(%s): %v", s.Kind, err)
		}
		got, err := st.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Percent != wantPercents[order-1] {
			t.Errorf("step %d: Percent = %d, want %d", order, got.Percent, wantPercents[order-1])
		}
		if got.State != job.StateRunning {
			t.Errorf("step %d: State = %s, want running", order, got.State)
		}
		if got.CurrentStep != s.Kind {
			t.Errorf("step %d: CurrentStep = %s, want %s", order, got.CurrentStep, s.Kind)
		}
	}
}

func TestBeginStep_PercentNeverDecreases(t *testing.T) {
	tr, st, j := newTracker(t)
	ctx := context.Background()

	proposal, _ := step.ByKind(step.KindProposal)
	if err := tr.BeginStep(ctx, j.ID, proposal); err != nil {
		t.Fatalf("BeginStep(proposal): %v", err)
	}

	// Rerunning an earlier step must not move the bar backwards.
	compliance, _ := step.ByKind(step.KindCompliance)
	if err := tr.BeginStep(ctx, j.ID, compliance); err != nil {
		t.Fatalf("BeginStep(compliance): %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.Percent != 60 {
		t.Errorf("Percent = %d, want 60 (kept from proposal)", got.Percent)
	}
}

func TestComplete_SetsSummaryAndFinishedAt(t *testing.T) {
	tr, st, j := newTracker(t)
	ctx := context.Background()

	summary := map[string]any{"requirement_count": 12}
	if err := tr.Complete(ctx, j.ID, "workflow complete", summary); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateCompleted {
		t.Errorf("State = %s, want completed", got.State)
	}
	if got.Percent != 100 {
		t.Errorf("Percent = %d, want 100", got.Percent)
	}
	if got.Summary["requirement_count"] != 12 {
		t.Errorf("Summary = %v, want requirement_count=12", got.Summary)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestFail_RecordsStepAndError(t *testing.T) {
	tr, st, j := newTracker(t)
	ctx := context.Background()

	if err := tr.Fail(ctx, j.ID, step.KindCompliance, errors.New("invalid output")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %s, want failed", got.State)
	}
	if got.FailedStep != step.KindCompliance {
		t.Errorf("FailedStep = %s, want compliance", got.FailedStep)
	}
	if got.Error != "invalid output" {
		t.Errorf("Error = %q, want %q", got.Error, "invalid output")
	}
}

func TestTerminalJobRefusesFurtherTransitions(t *testing.T) {
	tr, _, j := newTracker(t)
	ctx := context.Background()

	if err := tr.Complete(ctx, j.ID, "done", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	analysis, _ := step.ByOrder(1)
	if err := tr.BeginStep(ctx, j.ID, analysis); !errors.Is(err, rfpflow.ErrInvalidState) {
		t.Errorf("BeginStep on completed job: err = %v, want ErrInvalidState", err)
	}
	if err := tr.Fail(ctx, j.ID, step.KindAnalysis, errors.New("x")); !errors.Is(err, rfpflow.ErrInvalidState) {
		t.Errorf("Fail on completed job: err = %v, want ErrInvalidState", err)
	}
	if err := tr.Cancel(ctx, j.ID, "stop"); !errors.Is(err, rfpflow.ErrInvalidState) {
		t.Errorf("Cancel on completed job: err = %v, want ErrInvalidState", err)
	}
}

func TestNote_TrimsLogToLimit(t *testing.T) {
	tr, st, j := newTracker(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := tr.Note(ctx, j.ID, "note"); err != nil {
			t.Fatalf("Note: %v", err)
		}
	}

	got, _ := st.GetJob(ctx, j.ID)
	if len(got.Log) != 5 {
		t.Errorf("log has %d entries, want 5 (limit)", len(got.Log))
	}
}

// Compliance and experience can run concurrently; their BeginStep calls
// must not interleave a read-modify-write. A lost update would let the
// lower-order step land a stale copy, regressing Percent from 40 to 20
// and dropping a log line.
func TestBeginStep_ConcurrentStepsKeepMaxPercent(t *testing.T) {
	ctx := context.Background()
	compliance, _ := step.ByKind(step.KindCompliance)
	experience, _ := step.ByKind(step.KindExperience)

	for i := 0; i < 200; i++ {
		tr, st, j := newTracker(t)

		var wg sync.WaitGroup
		for _, s := range []step.Step{compliance, experience} {
			wg.Add(1)
			go func(s step.Step) {
				defer wg.Done()
				if err := tr.BeginStep(ctx, j.ID, s); err != nil {
					t.Errorf("BeginStep(%s): %v", s.Kind, err)
				}
			}(s)
		}
		wg.Wait()

		got, err := st.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Percent != 40 {
			t.Fatalf("iteration %d: Percent = %d, want 40", i, got.Percent)
		}
		if len(got.Log) != 2 {
			t.Fatalf("iteration %d: log has %d entries, want 2", i, len(got.Log))
		}
	}
}
