package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgtype"
)

// FakePool is an in-memory Pool used by tests across the scenario packages.
// Statements are recorded rather than executed; outcomes are scripted through
// the hook fields. The zero value is a pool where every operation succeeds.
type FakePool struct {
	// ExecFunc, when set, decides the outcome of every Exec on sessions and
	// transactions. The default succeeds and reports one row affected.
	ExecFunc func(sql string, args ...interface{}) (int64, error)
	// QueryFunc, when set, serves every Query. The default returns no rows.
	QueryFunc func(sql string, args ...interface{}) (*FakeRows, error)
	// AcquireErr, when set, fails every Acquire.
	AcquireErr error
	// BeginErr, when set, fails every Begin.
	BeginErr error
	// ExecDelay makes every Exec wait before completing, observing ctx.
	ExecDelay time.Duration
	// MaxConns is reported through Stat.
	MaxConns int32

	mu        sync.Mutex
	execs     []string
	acquires  int
	held      int32
	releases  int
	commits   int
	rollbacks int
	closed    bool
}

func NewFakePool(maxConns int32) *FakePool {
	return &FakePool{MaxConns: maxConns}
}

func (p *FakePool) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	p.mu.Lock()
	p.acquires++
	p.held++
	p.mu.Unlock()
	return &fakeSession{pool: p}, nil
}

func (p *FakePool) Stat() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stat{
		AcquiredConns: p.held,
		IdleConns:     0,
		TotalConns:    p.held,
		MaxConns:      p.MaxConns,
	}
}

func (p *FakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Execs returns a copy of the SQL text of every statement executed so far,
// on sessions and transactions alike, in execution order.
func (p *FakePool) Execs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.execs...)
}

func (p *FakePool) Acquires() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

func (p *FakePool) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

func (p *FakePool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits
}

func (p *FakePool) Rollbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

func (p *FakePool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePool) exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	if p.ExecDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(p.ExecDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.execs = append(p.execs, sql)
	p.mu.Unlock()
	if p.ExecFunc != nil {
		return p.ExecFunc(sql, args...)
	}
	return 1, nil
}

func (p *FakePool) query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.execs = append(p.execs, sql)
	p.mu.Unlock()
	if p.QueryFunc != nil {
		return p.QueryFunc(sql, args...)
	}
	return &FakeRows{}, nil
}

type fakeSession struct {
	pool *FakePool
}

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	return s.pool.exec(ctx, sql, args...)
}

func (s *fakeSession) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	return s.pool.query(ctx, sql, args...)
}

func (s *fakeSession) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pool.BeginErr != nil {
		return nil, s.pool.BeginErr
	}
	return &fakeTx{pool: s.pool}, nil
}

func (s *fakeSession) Release() {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.pool.releases++
	s.pool.held--
}

type fakeTx struct {
	pool *FakePool
	done bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	return t.pool.exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	return t.pool.query(ctx, sql, args...)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	if !t.done {
		t.done = true
		t.pool.commits++
	}
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	if !t.done {
		t.done = true
		t.pool.rollbacks++
	}
	return nil
}

// FakeRows serves scripted result rows. Scan supports the destination types
// the harness actually reads: int64, float64, string, bool and nullable
// timestamps. A nil value scans as a null timestamp.
type FakeRows struct {
	Values  [][]interface{}
	ScanErr error

	idx int
}

func (r *FakeRows) Next() bool {
	if r.idx >= len(r.Values) {
		return false
	}
	r.idx++
	return true
}

func (r *FakeRows) Scan(dest ...interface{}) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	row := r.Values[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d scan destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *int:
			*d = v.(int)
		case *float64:
			*d = v.(float64)
		case *string:
			*d = v.(string)
		case *bool:
			*d = v.(bool)
		case *pgtype.Timestamptz:
			if v == nil {
				*d = pgtype.Timestamptz{Status: pgtype.Null}
			} else {
				*d = pgtype.Timestamptz{Time: v.(time.Time), Status: pgtype.Present}
			}
		case *interface{}:
			*d = v
		default:
			return fmt.Errorf("unsupported scan destination %T", dest[i])
		}
	}
	return nil
}

func (r *FakeRows) Err() error {
	return nil
}

func (r *FakeRows) Close() {}
