// Package sqlite provides the SQL-backed timeline store. Despite the name
// it speaks both SQLite (the default, single-writer WAL file) and
// PostgreSQL through the same sqlx surface; queries are written with ?
// placeholders and rebound per driver.
package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/samotage/claude-headspace/internal/db"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// Store provides SQL-backed timeline storage operations.
type Store struct {
	pool   *db.Pool
	driver string
	w      sqlx.ExtContext // writer pool, or the active transaction
	r      sqlx.ExtContext // reader pool, or the active transaction
}

// Ensure Store implements the repository contract.
var _ repository.Store = (*Store)(nil)

// NewWithPool creates a new SQL store over an existing connection pool
// (shared ownership) and initializes the schema.
func NewWithPool(pool *db.Pool) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: pool.Writer().DriverName(),
		w:      pool.Writer(),
		r:      pool.Reader(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// WithTx runs fn against a transactional Store. A nested call joins the
// enclosing transaction instead of opening a new one; SQLite's single
// writer connection would deadlock on a second BeginTx.
func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if _, ok := s.w.(*sqlx.Tx); ok {
		return fn(s)
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}

	child := &Store{pool: s.pool, driver: s.driver, w: tx, r: tx}
	if err := fn(child); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback transaction: %w", rollbackErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}
