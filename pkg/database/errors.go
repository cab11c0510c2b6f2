package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// Postgres error codes the repositories care about.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeUndefinedTable      = "42P01"
)

// IsNotFound reports whether err is the "no rows" result of a single-row query.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Code returns the SQLSTATE of a Postgres error, or "" for anything else.
func Code(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports a unique-constraint conflict.
func IsUniqueViolation(err error) bool {
	return Code(err) == CodeUniqueViolation
}
