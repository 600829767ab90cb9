// Package pipeline implements the five-stage generation workflow: the
// Runner executes the step catalog in dependency order against a
// subject, persisting each validated output as a new result version and
// reporting progress through the tracker.
//
// The Runner is driven by a worker for background jobs and called
// directly for synchronous single-step reruns. It halts at the first
// failing step, checks the cooperative cancellation flag between steps,
// and never deletes or rewrites prior result versions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/agent"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/hook"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/middleware"
	"github.com/bidfoundry/rfpflow/progress"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// StepInvoker executes one generation step. Satisfied by *agent.Invoker;
// narrowed to an interface so tests can substitute a stub.
type StepInvoker interface {
	Invoke(ctx context.Context, kind step.Kind, in *agent.Context) (map[string]any, error)
}

// Runner executes the step catalog against subjects.
type Runner struct {
	subjects document.Store
	results  result.Store
	jobs     job.Store
	tracker  progress.Tracker
	invoker  StepInvoker
	kb       document.KnowledgeBase
	hooks    *hook.Registry
	mw       middleware.Middleware
	logger   *slog.Logger

	// parallelMatch runs the compliance and experience steps
	// concurrently; both depend only on the analysis output.
	parallelMatch bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMiddleware sets the middleware chain wrapped around each step.
func WithMiddleware(mw middleware.Middleware) RunnerOption {
	return func(r *Runner) { r.mw = mw }
}

// WithKnowledgeBase sets the side-input source for the experience step.
func WithKnowledgeBase(kb document.KnowledgeBase) RunnerOption {
	return func(r *Runner) { r.kb = kb }
}

// WithParallelMatch enables concurrent execution of the compliance and
// experience steps.
func WithParallelMatch(on bool) RunnerOption {
	return func(r *Runner) { r.parallelMatch = on }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a pipeline runner.
func NewRunner(subjects document.Store, results result.Store, jobs job.Store, tracker progress.Tracker, invoker StepInvoker, hooks *hook.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		subjects: subjects,
		results:  results,
		jobs:     jobs,
		tracker:  tracker,
		invoker:  invoker,
		hooks:    hooks,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunWorkflow executes the job: the full step catalog for ModeFull jobs,
// a single proposal revision for ModeRevision jobs. It owns the job's
// terminal transition; the returned error reports why the run failed and
// is already recorded on the job.
func (r *Runner) RunWorkflow(ctx context.Context, j *job.Job) error {
	start := time.Now()
	r.hooks.EmitJobStarted(ctx, j)

	var runErr error
	if j.Mode == job.ModeRevision {
		runErr = r.runRevision(ctx, j)
	} else {
		runErr = r.runFull(ctx, j)
	}

	// The run loop already performed the terminal transition; here we
	// only emit the matching lifecycle event.
	final, err := r.jobs.GetJob(ctx, j.ID)
	if err != nil {
		return runErr
	}
	switch final.State {
	case job.StateCompleted:
		r.hooks.EmitJobCompleted(ctx, final, time.Since(start))
	case job.StateFailed:
		r.hooks.EmitJobFailed(ctx, final, runErr)
	case job.StateCancelled:
		r.hooks.EmitJobCancelled(ctx, final)
	}
	return runErr
}

// runFull drives the full catalog in order.
func (r *Runner) runFull(ctx context.Context, j *job.Job) error {
	subject, err := r.subjects.GetSubject(ctx, j.SubjectID)
	if err != nil {
		return r.fail(ctx, j, "", err)
	}
	if subject.Text == "" {
		return r.fail(ctx, j, "", rfpflow.ErrTextNotExtracted)
	}

	catalog := step.Catalog()
	i := 0
	for i < len(catalog) {
		cancelled, err := r.cancelRequested(ctx, j.ID)
		if err != nil {
			return r.fail(ctx, j, catalog[i].Kind, err)
		}
		if cancelled {
			return r.tracker.Cancel(ctx, j.ID, "cancelled by request")
		}

		st := catalog[i]
		if r.parallelMatch && st.Kind == step.KindCompliance {
			// Compliance and experience both depend only on analysis;
			// run them concurrently and resume at the proposal step.
			next := catalog[i+1]
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return r.executeStep(gctx, j, subject, st) })
			g.Go(func() error { return r.executeStep(gctx, j, subject, next) })
			if err := g.Wait(); err != nil {
				return err
			}
			i += 2
			continue
		}

		if err := r.executeStep(ctx, j, subject, st); err != nil {
			return err
		}
		i++
	}

	summary, err := r.buildSummary(ctx, j.SubjectID)
	if err != nil {
		r.logger.Warn("summary computation failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		summary = nil
	}
	return r.tracker.Complete(ctx, j.ID, "workflow completed", summary)
}

// executeStep runs one catalog step end to end: progress transition,
// dependency assembly, middleware-wrapped invocation, and result
// persistence. A failure here is already recorded on the job.
func (r *Runner) executeStep(ctx context.Context, j *job.Job, subject *document.Subject, st step.Step) error {
	if err := r.tracker.BeginStep(ctx, j.ID, st); err != nil {
		return err
	}
	r.hooks.EmitStepStarted(ctx, j, st.Kind)

	in, err := r.assembleContext(ctx, subject, st, j.Company, nil)
	if err != nil {
		return r.fail(ctx, j, st.Kind, err)
	}

	var payload map[string]any
	invoke := func(ctx context.Context) error {
		var ierr error
		payload, ierr = r.invoker.Invoke(ctx, st.Kind, in)
		return ierr
	}

	stepStart := time.Now()
	if r.mw != nil {
		err = r.mw(ctx, j, st.Kind, invoke)
	} else {
		err = invoke(ctx)
	}
	if err != nil {
		r.hooks.EmitStepFailed(ctx, j, st.Kind, err)
		return r.fail(ctx, j, st.Kind, err)
	}

	res := &result.Result{
		ID:        id.NewResultID(),
		SubjectID: subject.ID,
		Step:      st.Kind,
		Payload:   payload,
		JobID:     j.ID,
	}
	if err := r.results.SaveResult(ctx, res); err != nil {
		return r.fail(ctx, j, st.Kind, err)
	}

	r.hooks.EmitStepCompleted(ctx, j, res, time.Since(stepStart))
	return nil
}

// RunStep synchronously re-runs a single step for a subject outside any
// background job. Dependencies are checked against the latest persisted
// results before invoking; a missing dependency fails fast with
// *rfpflow.MissingDependencyError and no generation call is made. The
// saved result becomes the new latest version for its step.
func (r *Runner) RunStep(ctx context.Context, subjectID id.SubjectID, kind step.Kind, company map[string]any) (*result.Result, error) {
	st, ok := step.ByKind(kind)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown step kind %q", kind)
	}

	subject, err := r.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if subject.Text == "" {
		return nil, rfpflow.ErrTextNotExtracted
	}

	in, err := r.assembleContext(ctx, subject, st, company, nil)
	if err != nil {
		return nil, err
	}

	payload, err := r.invoker.Invoke(ctx, kind, in)
	if err != nil {
		return nil, err
	}

	res := &result.Result{
		ID:        id.NewResultID(),
		SubjectID: subjectID,
		Step:      kind,
		Payload:   payload,
	}
	if err := r.results.SaveResult(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// runRevision executes a ModeRevision job: the latest proposal is revised
// against the latest review and saved as a new proposal version.
func (r *Runner) runRevision(ctx context.Context, j *job.Job) error {
	subject, err := r.subjects.GetSubject(ctx, j.SubjectID)
	if err != nil {
		return r.fail(ctx, j, step.KindProposal, err)
	}

	proposal, err := r.results.GetLatestResult(ctx, j.SubjectID, step.KindProposal)
	if err != nil {
		return r.fail(ctx, j, step.KindProposal, missingFor(step.KindProposal, err, step.KindProposal))
	}
	review, err := r.results.GetLatestResult(ctx, j.SubjectID, step.KindReview)
	if err != nil {
		return r.fail(ctx, j, step.KindProposal, missingFor(step.KindProposal, err, step.KindReview))
	}

	rev := &agent.Revision{
		Original:      proposal.Payload,
		Review:        review.Payload,
		PriorityItems: priorityItems(review.Payload),
	}

	st, _ := step.ByKind(step.KindProposal)
	if err := r.tracker.BeginStep(ctx, j.ID, st); err != nil {
		return err
	}
	r.hooks.EmitStepStarted(ctx, j, step.KindProposal)

	in, err := r.assembleContext(ctx, subject, st, j.Company, rev)
	if err != nil {
		return r.fail(ctx, j, step.KindProposal, err)
	}

	stepStart := time.Now()
	payload, err := r.invoker.Invoke(ctx, step.KindProposal, in)
	if err != nil {
		r.hooks.EmitStepFailed(ctx, j, step.KindProposal, err)
		return r.fail(ctx, j, step.KindProposal, err)
	}

	res := &result.Result{
		ID:        id.NewResultID(),
		SubjectID: j.SubjectID,
		Step:      step.KindProposal,
		Payload:   payload,
		JobID:     j.ID,
	}
	if err := r.results.SaveResult(ctx, res); err != nil {
		return r.fail(ctx, j, step.KindProposal, err)
	}
	r.hooks.EmitStepCompleted(ctx, j, res, time.Since(stepStart))

	return r.tracker.Complete(ctx, j.ID, fmt.Sprintf("proposal revised to v%d", res.Version), map[string]any{
		"proposal_version": res.Version,
		"priority_items":   len(rev.PriorityItems),
	})
}

// assembleContext gathers the subject text, metadata, dependency payloads
// (re-read from the store so later steps see the latest versions), and
// knowledge-base side inputs for one step invocation.
func (r *Runner) assembleContext(ctx context.Context, subject *document.Subject, st step.Step, company map[string]any, rev *agent.Revision) (*agent.Context, error) {
	in := &agent.Context{
		SubjectID: subject.ID,
		Text:      subject.Text,
		Metadata:  subject.Metadata,
		Inputs:    make(map[step.Kind]map[string]any, len(st.Requires)),
		Company:   company,
		Revision:  rev,
	}

	for _, dep := range st.Requires {
		res, err := r.results.GetLatestResult(ctx, subject.ID, dep)
		if err != nil {
			return nil, missingFor(st.Kind, err, dep)
		}
		in.Inputs[dep] = res.Payload
	}

	if st.Kind == step.KindExperience && r.kb != nil {
		projects, err := r.kb.PastProjects(ctx, subject.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: loading past projects: %w", err)
		}
		people, err := r.kb.Personnel(ctx, subject.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: loading personnel: %w", err)
		}
		in.PastProjects = projects
		in.Personnel = people
	}

	return in, nil
}

// cancelRequested rereads the job's cooperative cancellation flag.
func (r *Runner) cancelRequested(ctx context.Context, jobID id.JobID) (bool, error) {
	fresh, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return fresh.CancelRequested, nil
}

// fail records the terminal failure and returns the cause.
func (r *Runner) fail(ctx context.Context, j *job.Job, kind step.Kind, cause error) error {
	if err := r.tracker.Fail(ctx, j.ID, kind, cause); err != nil && !errors.Is(err, rfpflow.ErrInvalidState) {
		r.logger.Error("recording job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// missingFor wraps a result lookup failure as a typed missing-dependency
// error when the result simply does not exist, and passes storage errors
// through unchanged.
func missingFor(kind step.Kind, err error, dep step.Kind) error {
	if errors.Is(err, rfpflow.ErrResultNotFound) {
		return &rfpflow.MissingDependencyError{Kind: string(kind), Missing: string(dep)}
	}
	return err
}

// priorityItems extracts the review items flagged high priority.
func priorityItems(review map[string]any) []map[string]any {
	items, _ := review["review_items"].([]any)
	var out []map[string]any
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if p, _ := item["priority"].(string); p == "high" {
			out = append(out, item)
		}
	}
	return out
}
