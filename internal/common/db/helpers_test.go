package db

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestForeignKeyViolation(t *testing.T) {
	err := fmt.Errorf("exec failed: %w", &pq.Error{Code: "23503", Constraint: "query_attempts_user_id_fkey"})

	name, ok := ForeignKeyViolation(err)
	if !ok {
		t.Fatal("expected foreign key violation")
	}
	if name != "query_attempts_user_id_fkey" {
		t.Fatalf("constraint = %q", name)
	}
	if _, ok := UniqueViolation(err); ok {
		t.Fatal("foreign key violation reported as unique violation")
	}
}

func TestPgCodeIgnoresForeignErrors(t *testing.T) {
	if _, ok := ForeignKeyViolation(errors.New("boom")); ok {
		t.Fatal("plain error reported as violation")
	}
	if UndefinedTable(nil) {
		t.Fatal("nil reported as undefined table")
	}
	if !UndefinedTable(&pq.Error{Code: "42P01"}) {
		t.Fatal("42P01 not reported as undefined table")
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("scan failed: %w", sql.ErrNoRows)) {
		t.Fatal("wrapped ErrNoRows not detected")
	}
}
