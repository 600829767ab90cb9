// Package engine wires all rfpflow subsystems together. It creates the
// extension registry, progress tracker, step invoker, pipeline runner,
// middleware chain, and worker pool, and provides the public workflow
// operations: starting runs, re-running steps, revising proposals,
// reading results, and querying or cancelling jobs.
//
// This package exists to break the import cycle: the root rfpflow
// package defines Entity (embedded by job, document, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
//
// Typical usage:
//
//	d, _ := rfpflow.New(rfpflow.WithStore(memory.New()))
//	eng, _ := engine.Build(d, myGenerator)
//	_ = d.Start(ctx)
//	j, _ := eng.StartFullWorkflow(ctx, subjectID, nil)
package engine
