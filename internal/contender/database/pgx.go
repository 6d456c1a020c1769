package database

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/contenderproject/contender/internal/contender/configuration"
)

// OpenPool opens a pgx-backed Pool from the given config.
func OpenPool(ctx context.Context, config configuration.PostgresConfig) (Pool, error) {
	pool, err := OpenPgxPool(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewPgxPool(pool), nil
}

// PgxPool adapts a *pgxpool.Pool to the Pool interface.
type PgxPool struct {
	pool *pgxpool.Pool
}

func NewPgxPool(pool *pgxpool.Pool) *PgxPool {
	return &PgxPool{pool: pool}
}

func (p *PgxPool) Acquire(ctx context.Context) (Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxSession{conn: conn}, nil
}

func (p *PgxPool) Stat() Stat {
	s := p.pool.Stat()
	return Stat{
		AcquiredConns: s.AcquiredConns(),
		IdleConns:     s.IdleConns(),
		TotalConns:    s.TotalConns(),
		MaxConns:      s.MaxConns(),
	}
}

func (p *PgxPool) Close() {
	p.pool.Close()
}

type pgxSession struct {
	conn *pgxpool.Conn
}

func (s *pgxSession) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgxSession) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows: rows}, nil
}

func (s *pgxSession) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

func (s *pgxSession) Release() {
	s.conn.Release()
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t pgxTx) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows: rows}, nil
}

func (t pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Next() bool {
	return r.rows.Next()
}

func (r pgxRows) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

func (r pgxRows) Err() error {
	return r.rows.Err()
}

func (r pgxRows) Close() {
	r.rows.Close()
}
