// Package store contains the sqlx repositories over the tracking schema.
package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("entity not found")

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique-constraint failure.
// This is the signal the identity service uses to recover from the
// concurrent first-request insert race.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	// Fallback for drivers that do not surface *pgconn.PgError (test mocks).
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// notFound translates sql.ErrNoRows into the package sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
