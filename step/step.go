// Package step defines the static workflow step catalog: the five fixed
// pipeline stages, their execution order, their data dependencies, and the
// declarative output contract each stage's generated payload must satisfy.
//
// The catalog is pure data. The pipeline package consults it for
// sequencing and dependency resolution; the agent package consults it for
// output validation.
package step

// Kind names one of the five fixed pipeline stages.
type Kind string

const (
	// KindAnalysis extracts requirements from the raw RFP text.
	KindAnalysis Kind = "analysis"
	// KindCompliance builds the compliance matrix from the analysis.
	KindCompliance Kind = "compliance"
	// KindExperience matches past projects and personnel to the analysis.
	KindExperience Kind = "experience"
	// KindProposal drafts the technical proposal sections.
	KindProposal Kind = "proposal"
	// KindReview performs the quality review and risk assessment.
	KindReview Kind = "review"
)

// Total is the fixed number of pipeline steps.
const Total = 5

// Step is one catalog entry: a stage's position, dependencies, and the
// keys its generated payload must contain to be accepted.
type Step struct {
	// Order is the 1-based position in the pipeline.
	Order int
	// Kind is the stage name.
	Kind Kind
	// Description is the human-readable progress label for the stage.
	Description string
	// Requires lists the step kinds whose latest results must be present
	// in the invocation context before this stage may run.
	Requires []Kind
	// RequiredKeys lists the top-level keys the stage's output payload
	// must contain. Validation is performed uniformly by agent.Invoker.
	RequiredKeys []string
}

// catalog is the fixed ordered pipeline definition. The experience step
// depends only on analysis, not on compliance: the two are sequenced
// independently and may be executed concurrently.
var catalog = [Total]Step{
	{
		Order:        1,
		Kind:         KindAnalysis,
		Description:  "Analyzing RFP document",
		Requires:     nil,
		RequiredKeys: []string{"summary", "requirements"},
	},
	{
		Order:        2,
		Kind:         KindCompliance,
		Description:  "Creating compliance matrix",
		Requires:     []Kind{KindAnalysis},
		RequiredKeys: []string{"compliance_matrix", "risk_flags"},
	},
	{
		Order:        3,
		Kind:         KindExperience,
		Description:  "Matching past experience",
		Requires:     []Kind{KindAnalysis},
		RequiredKeys: []string{"experience_mapping", "gaps"},
	},
	{
		Order:        4,
		Kind:         KindProposal,
		Description:  "Drafting proposal sections",
		Requires:     []Kind{KindAnalysis, KindCompliance},
		RequiredKeys: []string{"sections"},
	},
	{
		Order:        5,
		Kind:         KindReview,
		Description:  "Quality review and risk assessment",
		Requires:     []Kind{KindAnalysis, KindCompliance, KindProposal, KindExperience},
		RequiredKeys: []string{"review_items", "overall_quality_score", "recommendation"},
	},
}

// Catalog returns the ordered pipeline definition. The returned slice is
// a copy; callers may not mutate the catalog.
func Catalog() []Step {
	steps := make([]Step, Total)
	copy(steps, catalog[:])
	return steps
}

// ByKind returns the catalog entry for the given kind.
func ByKind(k Kind) (Step, bool) {
	for _, s := range catalog {
		if s.Kind == k {
			return s, true
		}
	}
	return Step{}, false
}

// ByOrder returns the catalog entry at the given 1-based position.
func ByOrder(n int) (Step, bool) {
	if n < 1 || n > Total {
		return Step{}, false
	}
	return catalog[n-1], true
}

// Kinds returns all step kinds in pipeline order.
func Kinds() []Kind {
	kinds := make([]Kind, Total)
	for i, s := range catalog {
		kinds[i] = s.Kind
	}
	return kinds
}

// Valid reports whether k names a catalog step.
func Valid(k Kind) bool {
	_, ok := ByKind(k)
	return ok
}
