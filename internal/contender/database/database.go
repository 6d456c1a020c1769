// Package database isolates the scenario engines from the concrete backend
// driver. Engines and the workload runner only ever see the Pool, Session and
// Tx interfaces defined here; the pgx implementation lives alongside them and
// tests substitute fakes.
package database

import (
	"context"
)

// Pool hands out database sessions up to a fixed concurrency ceiling.
// Acquire blocks until a session is free or ctx is done.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
	Stat() Stat
	Close()
}

// Session is a single database connection checked out of a Pool. It must be
// returned with Release exactly once; Release after a failed operation is
// still required.
type Session interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// Tx is an open transaction. Exactly one of Commit or Rollback must be
// called; Rollback after a failed Commit is a no-op.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rows is a forward-only result cursor. Close is idempotent and must be
// called when done.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

// Stat is a point-in-time snapshot of pool utilisation.
type Stat struct {
	AcquiredConns int32 `json:"acquiredConns"`
	IdleConns     int32 `json:"idleConns"`
	TotalConns    int32 `json:"totalConns"`
	MaxConns      int32 `json:"maxConns"`
}
