package job_test

import (
	"testing"

	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
)

func TestNew_Defaults(t *testing.T) {
	subjectID := id.NewSubjectID()
	j := job.New(subjectID, job.ModeFull)

	if j.ID.Prefix() != id.PrefixJob {
		t.Errorf("ID prefix = %q, want %q", j.ID.Prefix(), id.PrefixJob)
	}
	if j.SubjectID != subjectID {
		t.Errorf("SubjectID = %s, want %s", j.SubjectID, subjectID)
	}
	if j.State != job.StateQueued {
		t.Errorf("State = %s, want queued", j.State)
	}
	if j.Percent != 0 {
		t.Errorf("Percent = %d, want 0", j.Percent)
	}
	if j.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []job.State{job.StateCompleted, job.StateFailed, job.StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []job.State{job.StateQueued, job.StateRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestAppendLog_TrimsOldest(t *testing.T) {
	j := job.New(id.NewSubjectID(), job.ModeFull)

	for i := 0; i < 6; i++ {
		j.AppendLog(string(rune('a'+i)), 3)
	}

	if len(j.Log) != 3 {
		t.Fatalf("log has %d entries, want 3", len(j.Log))
	}
	if j.Log[0].Message != "d" || j.Log[2].Message != "f" {
		t.Errorf("log kept wrong entries: %v, %v", j.Log[0].Message, j.Log[2].Message)
	}
}

func TestAppendLog_UnboundedWhenZero(t *testing.T) {
	j := job.New(id.NewSubjectID(), job.ModeFull)
	for i := 0; i < 50; i++ {
		j.AppendLog("line", 0)
	}
	if len(j.Log) != 50 {
		t.Errorf("log has %d entries, want 50", len(j.Log))
	}
}
