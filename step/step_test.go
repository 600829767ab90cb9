package step_test

import (
	"testing"

	"github.com/bidfoundry/rfpflow/step"
)

func TestCatalog_OrderAndCompleteness(t *testing.T) {
	steps := step.Catalog()
	if len(steps) != step.Total {
		t.Fatalf("catalog has %d steps, want %d", len(steps), step.Total)
	}
	for i, s := range steps {
		if s.Order != i+1 {
			t.Errorf("step %q: Order = %d, want %d", s.Kind, s.Order, i+1)
		}
		if s.Description == "" {
			t.Errorf("step %q: empty description", s.Kind)
		}
		if len(s.RequiredKeys) == 0 {
			t.Errorf("step %q: no required output keys", s.Kind)
		}
	}
}

func TestCatalog_DependenciesPrecedeStep(t *testing.T) {
	for _, s := range step.Catalog() {
		for _, dep := range s.Requires {
			d, ok := step.ByKind(dep)
			if !ok {
				t.Fatalf("step %q requires unknown step %q", s.Kind, dep)
			}
			if d.Order >= s.Order {
				t.Errorf("step %q (order %d) requires %q (order %d), which does not precede it",
					s.Kind, s.Order, dep, d.Order)
			}
		}
	}
}

func TestExperience_DependsOnlyOnAnalysis(t *testing.T) {
	s, ok := step.ByKind(step.KindExperience)
	if !ok {
		t.Fatal("experience step missing from catalog")
	}
	if len(s.Requires) != 1 || s.Requires[0] != step.KindAnalysis {
		t.Errorf("experience Requires = %v, want [analysis]", s.Requires)
	}
}

func TestByOrder(t *testing.T) {
	first, ok := step.ByOrder(1)
	if !ok || first.Kind != step.KindAnalysis {
		t.Errorf("ByOrder(1) = %v, %v; want analysis", first.Kind, ok)
	}
	last, ok := step.ByOrder(step.Total)
	if !ok || last.Kind != step.KindReview {
		t.Errorf("ByOrder(%d) = %v, %v; want review", step.Total, last.Kind, ok)
	}
	if _, ok := step.ByOrder(0); ok {
		t.Error("ByOrder(0) should not be found")
	}
	if _, ok := step.ByOrder(step.Total + 1); ok {
		t.Error("ByOrder out of range should not be found")
	}
}

func TestKindsMatchCatalogOrder(t *testing.T) {
	kinds := step.Kinds()
	want := []step.Kind{
		step.KindAnalysis,
		step.KindCompliance,
		step.KindExperience,
		step.KindProposal,
		step.KindReview,
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("Kinds()[%d] = %q, want %q", i, kinds[i], k)
		}
	}
}

func TestValid(t *testing.T) {
	if !step.Valid(step.KindProposal) {
		t.Error("Valid(proposal) = false")
	}
	if step.Valid("summarize") {
		t.Error("Valid(summarize) = true for unknown kind")
	}
}
