// Package rfpflow provides the workflow orchestration core for an RFP
// proposal pipeline: a fixed five-step sequence of LLM-backed generation
// steps (analysis, compliance, experience, proposal, review) executed as
// background jobs with versioned intermediate results and pollable
// progress.
//
// rfpflow is a library, not a service. Import it, configure a Dispatcher
// with a store backend, build an engine around your generation backend,
// and start the worker pool:
//
//	d, err := rfpflow.New(
//	    rfpflow.WithStore(memory.New()),
//	    rfpflow.WithConcurrency(2),
//	)
//	eng, err := engine.Build(d, myGenerator)
//	eng.Start(ctx)
//	jb, err := eng.StartFullWorkflow(ctx, subjectID, nil)
//
// The five agents themselves are external collaborators hidden behind
// agent.Generator; rfpflow owns only the sequencing, dependency
// resolution, persistence, and progress tracking around them.
//
// # Architecture
//
// rfpflow follows a composable store pattern where each subsystem (job,
// result, document) defines its own store interface. A single backend
// implements all of them; memory, Redis, and PostgreSQL backends ship
// under store/.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package rfpflow
