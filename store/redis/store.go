// Package redis implements store.Store using Redis for deployments that
// want fast ephemeral workflow state. All entities are stored as Redis
// Hashes; the job queue is a Sorted Set ordered by enqueue time, and
// result versions are allocated with an atomic counter per
// (subject, step) pair.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
)

// Compile-time interface checks.
var (
	_ document.Store = (*Store)(nil)
	_ job.Store      = (*Store)(nil)
	_ result.Store   = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithStatusTTL sets an expiry on terminal job hashes and latest-job
// pointers so finished run state ages out on its own. Zero keeps
// records forever.
func WithStatusTTL(d time.Duration) Option {
	return func(s *Store) { s.statusTTL = d }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client    redis.Cmdable
	logger    *slog.Logger
	statusTTL time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
