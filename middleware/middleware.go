// Package middleware provides composable middleware for step execution.
// Middleware wraps one generation step synchronously and can modify
// execution (recover from panics, log, add tracing and metrics, etc.).
package middleware

import (
	"context"

	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/step"
)

// Handler is the terminal function that executes one step.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the job driving the step, the step
// kind, and the next handler to call. Middleware MUST call next to
// continue the chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, j *job.Job, kind step.Kind, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, metrics) executes as:
//
//	logging → recover → metrics → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, kind step.Kind, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, kind, prev)
			}
		}
		return h(ctx)
	}
}
