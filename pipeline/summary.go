package pipeline

import (
	"context"

	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/step"
)

// buildSummary derives the headline metrics attached to a completed job
// from the latest result of each step: requirement and matrix counts,
// capability gaps, drafted sections, and the review verdict.
func (r *Runner) buildSummary(ctx context.Context, subjectID id.SubjectID) (map[string]any, error) {
	latest, err := r.results.GetAllLatestResults(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]any)

	if res, ok := latest[step.KindAnalysis]; ok {
		summary["requirement_count"] = countItems(res.Payload["requirements"])
	}
	if res, ok := latest[step.KindCompliance]; ok {
		summary["compliance_entries"] = countItems(res.Payload["compliance_matrix"])
		summary["risk_flags"] = countItems(res.Payload["risk_flags"])
	}
	if res, ok := latest[step.KindExperience]; ok {
		summary["capability_gaps"] = countItems(res.Payload["gaps"])
	}
	if res, ok := latest[step.KindProposal]; ok {
		summary["section_count"] = countItems(res.Payload["sections"])
		summary["proposal_version"] = res.Version
	}
	if res, ok := latest[step.KindReview]; ok {
		if score, ok := res.Payload["overall_quality_score"]; ok {
			summary["quality_score"] = score
		}
		if rec, ok := res.Payload["recommendation"]; ok {
			summary["recommendation"] = rec
		}
		summary["review_items"] = countItems(res.Payload["review_items"])
	}

	return summary, nil
}

// countItems counts elements of a decoded JSON collection, tolerating
// both array and object shapes.
func countItems(v any) int {
	switch c := v.(type) {
	case []any:
		return len(c)
	case map[string]any:
		return len(c)
	}
	return 0
}
