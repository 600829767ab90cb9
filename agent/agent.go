// Package agent defines the boundary abstraction over a single generation
// call for one step kind: the Generator collaborator interface, the
// invocation context assembled from prior results, and the Invoker wrapper
// that rate-limits, bounds, parses, and validates each call.
//
// The agents themselves — prompt bodies and provider plumbing — live
// behind Generator and are not this package's concern. The Invoker only
// guarantees that a successful invocation yields a payload satisfying the
// step's declared output contract.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bidfoundry/rfpflow/backoff"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/step"
)

// Context carries everything a generation step may draw on: the raw
// subject text, its metadata, the latest payloads of the step's required
// inputs, and optional side data.
type Context struct {
	SubjectID id.SubjectID
	// Text is the extracted document text.
	Text string
	// Metadata is the subject's document metadata (client, sector, deadline).
	Metadata map[string]any
	// Inputs holds the latest payload of each required prior step.
	Inputs map[step.Kind]map[string]any
	// PastProjects and Personnel are knowledge-base side inputs used by
	// the experience step.
	PastProjects []map[string]any
	Personnel    []map[string]any
	// Company is optional context about the bidding company, used by the
	// proposal step.
	Company map[string]any
	// Revision, when set, switches the proposal step into revision mode:
	// the generator receives the original sections plus review feedback
	// and produces a revised draft.
	Revision *Revision
}

// Revision is the alternate context shape for the proposal revision
// operation: the draft being revised, the review it should incorporate,
// and the review items flagged as high priority.
type Revision struct {
	Original      map[string]any
	Review        map[string]any
	PriorityItems []map[string]any
}

// Generator is the excluded collaborator that executes one generation
// call. It returns the raw model output; parsing and validation are the
// Invoker's job. Implementations must honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, kind step.Kind, in *Context) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, kind step.Kind, in *Context) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, kind step.Kind, in *Context) (string, error) {
	return f(ctx, kind, in)
}

// GenerationError means the underlying generation call itself failed:
// timeout, transport error, or provider error. It is fatal for the step
// once the Invoker's retry budget (if any) is exhausted.
type GenerationError struct {
	Kind step.Kind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("agent: generation failed for step %q: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// InvalidOutputError means the generation call returned content that is
// not the expected structured shape or is missing required keys.
type InvalidOutputError struct {
	Kind    step.Kind
	Reason  string
	Missing []string
}

func (e *InvalidOutputError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("agent: invalid output for step %q: missing required keys %v", e.Kind, e.Missing)
	}
	return fmt.Sprintf("agent: invalid output for step %q: %s", e.Kind, e.Reason)
}

// Invoker executes exactly one named generation step and enforces its
// output contract. It holds no persistence; its only policy beyond the
// contract check is an optional retry budget for transient call failures.
type Invoker struct {
	gen      Generator
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	attempts int
	strategy backoff.Strategy
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithTimeout bounds each generation call. Zero disables the bound and
// defers entirely to the generator's own limits.
func WithTimeout(d time.Duration) InvokerOption {
	return func(iv *Invoker) { iv.timeout = d }
}

// WithRateLimit throttles generation calls across all steps and jobs,
// bounding backend spend. The limiter is shared by every Invoke call.
func WithRateLimit(limit rate.Limit, burst int) InvokerOption {
	return func(iv *Invoker) { iv.limiter = rate.NewLimiter(limit, burst) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) InvokerOption {
	return func(iv *Invoker) { iv.logger = l }
}

// WithRetry retries transient generation call failures up to maxAttempts
// total attempts, sleeping per the strategy between them. Validation
// failures and caller cancellation are never retried. A nil strategy
// falls back to backoff.DefaultStrategy. The default is one attempt.
func WithRetry(maxAttempts int, strategy backoff.Strategy) InvokerOption {
	return func(iv *Invoker) {
		iv.attempts = maxAttempts
		if strategy == nil {
			strategy = backoff.DefaultStrategy()
		}
		iv.strategy = strategy
	}
}

// NewInvoker creates an Invoker around a generation backend.
func NewInvoker(gen Generator, opts ...InvokerOption) *Invoker {
	iv := &Invoker{
		gen:      gen,
		timeout:  120 * time.Second,
		logger:   slog.Default(),
		attempts: 1,
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Invoke runs one generation step. On success the returned payload
// satisfies the step's RequiredKeys contract. Failures are typed:
// *GenerationError when the call itself failed, *InvalidOutputError when
// the response failed validation.
func (iv *Invoker) Invoke(ctx context.Context, kind step.Kind, in *Context) (map[string]any, error) {
	st, ok := step.ByKind(kind)
	if !ok {
		return nil, fmt.Errorf("agent: unknown step kind %q", kind)
	}

	start := time.Now()
	raw, err := iv.generate(ctx, kind, in)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	payload, err := ParseOutput(kind, raw, st.RequiredKeys)
	if err != nil {
		return nil, err
	}

	iv.logger.Debug("step generated",
		slog.String("subject_id", in.SubjectID.String()),
		slog.String("step", string(kind)),
		slog.Duration("elapsed", elapsed),
	)
	return payload, nil
}

// generate runs the raw generation call, retrying transient failures per
// the configured budget. Retries stop immediately once the caller's
// context is done; the per-call timeout does not count against it.
func (iv *Invoker) generate(ctx context.Context, kind step.Kind, in *Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= iv.attempts; attempt++ {
		if attempt > 1 {
			delay := iv.strategy.Delay(attempt - 1)
			iv.logger.Warn("retrying generation",
				slog.String("step", string(kind)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return "", &GenerationError{Kind: kind, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		raw, err := iv.generateOnce(ctx, kind, in)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("call exceeded %s: %w", iv.timeout, lastErr)
	}
	return "", &GenerationError{Kind: kind, Err: lastErr}
}

func (iv *Invoker) generateOnce(ctx context.Context, kind step.Kind, in *Context) (string, error) {
	if iv.limiter != nil {
		if err := iv.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	cctx := ctx
	if iv.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, iv.timeout)
		defer cancel()
	}
	return iv.gen.Generate(cctx, kind, in)
}

// ParseOutput parses raw generator output as a JSON object and checks the
// required top-level keys. Models frequently wrap JSON in markdown code
// fences; those are stripped before parsing.
func ParseOutput(kind step.Kind, raw string, required []string) (map[string]any, error) {
	trimmed := stripFences(raw)

	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, &InvalidOutputError{Kind: kind, Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	var missing []string
	for _, key := range required {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &InvalidOutputError{Kind: kind, Missing: missing}
	}

	return payload, nil
}

// stripFences removes a surrounding markdown code fence, with or without
// a "json" language tag, returning the inner content.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+len("```"):]
	} else {
		return s
	}

	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
