package database

import (
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// IsUniqueViolation reports whether err is a unique constraint violation.
// The data loader treats these as benign when populating seed rows with
// deliberately duplicated identifiers.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// IsRoutineInvalidation reports whether err is one of the transient errors
// Postgres raises in sessions that call a routine while it is concurrently
// replaced. These are the expected outcome of the cache-invalidation scenario,
// not operation failures.
func IsRoutineInvalidation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code == pgerrcode.UndefinedFunction {
		return true
	}
	if pgErr.Code == pgerrcode.InternalError {
		return strings.Contains(pgErr.Message, "cache lookup failed") ||
			strings.Contains(pgErr.Message, "tuple concurrently updated")
	}
	return false
}

// IsUndefinedObject reports whether err refers to a table, sequence or index
// that does not (or no longer) exist. Inserts racing an index strategy swap
// can see these for the duration of the DDL.
func IsUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.UndefinedTable, pgerrcode.UndefinedObject, pgerrcode.UndefinedColumn:
		return true
	}
	return false
}
