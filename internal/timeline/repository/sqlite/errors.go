package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// mapError translates driver errors into the repository sentinels so
// callers never import driver packages.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			if strings.Contains(err.Error(), "idx_agents_live_session") {
				return repository.ErrDuplicateSession
			}
			return repository.ErrConstraintViolated
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return repository.ErrUnavailable
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "live_session") {
				return repository.ErrDuplicateSession
			}
			return repository.ErrConstraintViolated
		case "23503": // foreign_key_violation
			return repository.ErrConstraintViolated
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return repository.ErrDeadlock
		case "57P01", "08006", "08003": // shutdown, connection failures
			return repository.ErrUnavailable
		}
		return err
	}

	return err
}

// requireRows converts a zero-row UPDATE/DELETE into ErrNotFound.
func requireRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}
