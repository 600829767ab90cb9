// Package bunstore implements store.Store on PostgreSQL through the Bun
// ORM. Queued jobs are claimed with FOR UPDATE SKIP LOCKED so concurrent
// workers never receive the same job, and result versions are allocated
// inside a transaction guarded by a unique constraint.
//
// Usage:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	s := bunstore.New(db)
//	if err := s.Migrate(ctx); err != nil { ... }
package bunstore
