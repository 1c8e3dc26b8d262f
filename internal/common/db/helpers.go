package db

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgUndefinedTable      = "42P01"
)

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// ForeignKeyViolation reports whether err is a PostgreSQL foreign key violation
// and returns the violated constraint name.
func ForeignKeyViolation(err error) (string, bool) {
	return pgCode(err, pgForeignKeyViolation)
}

// UniqueViolation reports whether err is a PostgreSQL unique violation
// and returns the violated constraint name.
func UniqueViolation(err error) (string, bool) {
	return pgCode(err, pgUniqueViolation)
}

// UndefinedTable reports whether err is caused by a missing relation.
func UndefinedTable(err error) bool {
	_, ok := pgCode(err, pgUndefinedTable)
	return ok
}

func pgCode(err error, code pq.ErrorCode) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == code {
		return pqErr.Constraint, true
	}
	return "", false
}
