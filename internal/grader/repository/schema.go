package repository

import (
	"context"
	"fmt"

	"querylab/internal/common/db"
)

// schemaStatements create the tables the grader owns. The users table is
// managed by the identity service; deployments that have it add the
// query_attempts.user_id foreign key themselves.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assignments (
		id          BIGSERIAL PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		schema_json JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS assignment_tests (
		test_id          BIGSERIAL PRIMARY KEY,
		assignment_id    BIGINT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
		test_description TEXT NOT NULL DEFAULT '',
		expected_result  JSONB NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS query_attempts (
		id            BIGSERIAL PRIMARY KEY,
		submission_id UUID NOT NULL,
		user_id       BIGINT,
		assignment_id BIGINT NOT NULL
			CONSTRAINT query_attempts_assignment_id_fkey REFERENCES assignments(id),
		query_text    TEXT NOT NULL,
		status        VARCHAR(16) NOT NULL,
		exec_ms       BIGINT,
		result_count  INTEGER,
		result        JSONB,
		error_message TEXT,
		error_json    JSONB,
		output_key    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_attempts_history
		ON query_attempts (assignment_id, user_id, created_at DESC)`,
}

// InitSchema creates missing tables. It is safe to run on every start.
func InitSchema(ctx context.Context, q db.Querier) error {
	for _, stmt := range schemaStatements {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed: %w", err)
		}
	}
	return nil
}
