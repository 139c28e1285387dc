package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}

// isInvalidTextRepresentation reports SQLSTATE 22P02, which Postgres raises
// when a malformed id is cast to UUID.
func isInvalidTextRepresentation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

// isNotFound reports whether err means the requested row cannot exist:
// either no row matched or the id is not a valid UUID.
func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || isInvalidTextRepresentation(err)
}

// exists reports whether a row with the given id exists in table.
// Used after a conditional update touched no rows to tell "missing" from "precondition failed".
func exists(ctx context.Context, q queryable, table, id string) (bool, error) {
	var found bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&found)
	if isInvalidTextRepresentation(err) {
		return false, nil
	}
	return found, err
}
