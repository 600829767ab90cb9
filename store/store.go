// Package store defines the aggregate persistence interface. Each
// subsystem (document, job, result) defines its own store interface; the
// composite Store composes them all. Backends: Bun (Postgres), Redis,
// and Memory.
package store

import (
	"context"

	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (bun, redis, memory) implements all of them.
type Store interface {
	document.Store
	job.Store
	result.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
